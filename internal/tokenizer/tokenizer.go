// Package tokenizer implements byte-level BPE encoding and decoding from
// Hugging Face tokenizer.json files.
package tokenizer

import "errors"

var (
	ErrUnsupportedModel = errors.New("unsupported tokenizer model")
	ErrUnknownToken     = errors.New("unknown token")
	ErrTokenOutOfRange  = errors.New("token id out of range")
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	BOSID() int
	EOSID() int
}
