// Package inference drives token generation: it owns the prompt encoding,
// the incremental detokenization loop, stop handling and timing statistics.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/lantern/internal/logits"
	"github.com/samcharles93/lantern/internal/model"
	"github.com/samcharles93/lantern/internal/tokenizer"
)

var (
	ErrEmptyPrompt = errors.New("empty prompt")
	ErrMaxTokens   = errors.New("max_tokens must be positive")
)

// StreamFunc receives decoded text fragments as they become stable.
type StreamFunc func(text string)

// Session produces sampled tokens one at a time. Close releases the session's
// cache memory.
type Session interface {
	Next() int
	Close()
}

// Model opens generation sessions over shared immutable weights.
type Model interface {
	Generate(prompt []int, sampler model.Sampler) Session
}

// TransformerModel adapts a loaded transformer to the Model interface.
type TransformerModel struct {
	*model.Transformer
}

func (m TransformerModel) Generate(prompt []int, sampler model.Sampler) Session {
	return m.Transformer.Generate(prompt, sampler)
}

// Request holds one generation call's parameters.
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float32
	TopK        int
	Seed        int64
}

// Result is the completed generation plus its statistics.
type Result struct {
	Text  string
	Stats Stats
}

// Engine runs generation requests against a shared model. Concurrent calls
// are safe as long as the Model's sessions are independent; each request gets
// its own session and sampler.
type Engine struct {
	Model     Model
	Tokenizer tokenizer.Tokenizer

	// WriteEvery controls how many tokens are decoded between stream
	// callbacks. Zero means every token.
	WriteEvery int
}

// Generate encodes the prompt, prepends the BOS token when the tokenizer has
// one, and samples up to MaxTokens tokens. stream, when non-nil, receives the
// newly stable decoded text after every WriteEvery tokens; fragments never
// split already-emitted text because the decode always restarts from the
// beginning and only the suffix past the previous length is emitted.
//
// Generation stops at MaxTokens, at the tokenizer's EOS token, or when ctx is
// done. The EOS token itself is not part of the result.
func (e *Engine) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if req.MaxTokens <= 0 {
		return nil, ErrMaxTokens
	}

	var stats Stats
	stats.StartGen = time.Now()

	prompt, err := e.Tokenizer.Encode(req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	stats.PromptTokens = len(prompt)
	if bos := e.Tokenizer.BOSID(); bos >= 0 {
		prompt = append([]int{bos}, prompt...)
	}
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}

	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:        req.Seed,
		Temperature: req.Temperature,
		TopK:        req.TopK,
	})
	session := e.Model.Generate(prompt, sampler)
	defer session.Close()

	writeEvery := e.WriteEvery
	if writeEvery <= 0 {
		writeEvery = 1
	}
	eos := e.Tokenizer.EOSID()

	var tokens []int
	skip := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tok := session.Next()
		if len(tokens) == 0 {
			stats.EndPrompt = time.Now()
		}
		if eos >= 0 && tok == eos {
			break
		}
		tokens = append(tokens, tok)

		if len(tokens) >= req.MaxTokens {
			break
		}
		if stream != nil && len(tokens)%writeEvery == 0 {
			text, err := e.Tokenizer.Decode(tokens)
			if err != nil {
				return nil, fmt.Errorf("decode: %w", err)
			}
			stream(text[skip:])
			skip = len(text)
		}
	}
	stats.EndGen = time.Now()
	if stats.EndPrompt.IsZero() {
		stats.EndPrompt = stats.EndGen
	}
	stats.ResponseTokens = len(tokens)

	text, err := e.Tokenizer.Decode(tokens)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if stream != nil && skip < len(text) {
		stream(text[skip:])
	}
	return &Result{Text: text, Stats: stats}, nil
}
