package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

// pair is a candidate BPE merge.
type pair struct {
	a, b string
}

// BPE is a byte-level BPE tokenizer loaded from a tokenizer.json file.
// Encode is not safe for concurrent use because of the merge cache; give each
// goroutine its own instance.
type BPE struct {
	encoder     map[string]int
	decoder     []string
	ranks       map[pair]int
	cache       map[string][]string
	byteEncoder map[byte]string
	byteDecoder map[string]byte
	pattern     *regexp.Regexp
	bosID       int
	eosID       int
	unkID       int
	specials    []string
}

type tokenizerJSON struct {
	Model struct {
		Type     string         `json:"type"`
		Vocab    map[string]int `json:"vocab"`
		Merges   []any          `json:"merges"`
		UnkToken string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type          string `json:"type"`
		Pretokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadBPE reads a tokenizer.json file from disk.
func LoadBPE(path string) (*BPE, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadBPEBytes(data)
}

// LoadBPEBytes parses a tokenizer.json payload. BOS and EOS ids are resolved
// from the added special tokens by convention: the first special containing
// "begin" or named "<s>" becomes BOS, the first containing "end", "eot" or
// named "</s>" becomes EOS.
func LoadBPEBytes(data []byte) (*BPE, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, err
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		if id > maxID {
			maxID = id
		}
	}
	for _, at := range tj.AddedTokens {
		if at.ID > maxID {
			maxID = at.ID
		}
	}
	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		decoder[id] = tok
	}
	for _, at := range tj.AddedTokens {
		decoder[at.ID] = at.Content
		encoder[at.Content] = at.ID
	}

	ranks := make(map[pair]int, len(tj.Model.Merges))
	rank := 0
	for _, raw := range tj.Model.Merges {
		a, b, ok := mergeParts(raw)
		if !ok {
			continue
		}
		p := pair{a: a, b: b}
		if _, dup := ranks[p]; !dup {
			ranks[p] = rank
			rank++
		}
	}

	byteEncoder, byteDecoder := bytesToUnicode()

	t := &BPE{
		encoder:     encoder,
		decoder:     decoder,
		ranks:       ranks,
		cache:       make(map[string][]string),
		byteEncoder: byteEncoder,
		byteDecoder: byteDecoder,
		pattern:     buildPattern(tj),
		bosID:       -1,
		eosID:       -1,
		unkID:       -1,
	}
	if tj.Model.UnkToken != "" {
		if id, ok := encoder[tj.Model.UnkToken]; ok {
			t.unkID = id
		}
	}
	for _, at := range tj.AddedTokens {
		if !at.Special {
			continue
		}
		t.specials = append(t.specials, at.Content)
		lower := strings.ToLower(at.Content)
		if t.bosID < 0 && (strings.Contains(lower, "begin") || at.Content == "<s>") {
			t.bosID = at.ID
		}
		if t.eosID < 0 && (strings.Contains(lower, "end") || strings.Contains(lower, "eot") || at.Content == "</s>") {
			t.eosID = at.ID
		}
	}
	// longest-match first
	for i := 1; i < len(t.specials); i++ {
		j := i
		for j > 0 && len(t.specials[j]) > len(t.specials[j-1]) {
			t.specials[j], t.specials[j-1] = t.specials[j-1], t.specials[j]
			j--
		}
	}
	return t, nil
}

func mergeParts(raw any) (string, string, bool) {
	switch v := raw.(type) {
	case string:
		parts := strings.Split(strings.TrimSpace(v), " ")
		if len(parts) == 2 {
			return parts[0], parts[1], true
		}
	case []any:
		if len(v) == 2 {
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if aok && bok {
				return a, b, true
			}
		}
	}
	return "", "", false
}

func buildPattern(tj tokenizerJSON) *regexp.Regexp {
	// GPT2-style default.
	pat := `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	if tj.PreTokenizer.Type == "Sequence" {
		for _, p := range tj.PreTokenizer.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	// Llama3-style regexes use lookahead, which Go's regexp cannot compile.
	// Substitute the equivalent pattern without it.
	if strings.Contains(pat, "(?!\\S)") || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	return regexp.MustCompile(pat)
}

// Encode converts text to token ids. Special tokens embedded in the text are
// matched verbatim before byte-level BPE runs on the remaining spans.
func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range t.splitSpecials(text) {
		if part.special {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, span := range t.pattern.FindAllString(part.text, -1) {
			for _, tok := range t.merge(t.byteEncode(span)) {
				id, ok := t.encoder[tok]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("%w: %q", ErrUnknownToken, tok)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Decode converts token ids back to text. Special tokens decode to their
// literal content.
func (t *BPE) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("%w: %d", ErrTokenOutOfRange, id)
		}
		tok := t.decoder[id]
		if t.isSpecial(tok) {
			b = append(b, tok...)
			continue
		}
		for _, r := range tok {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *BPE) BOSID() int { return t.bosID }
func (t *BPE) EOSID() int { return t.eosID }

// VocabSize reports the id space size, added tokens included.
func (t *BPE) VocabSize() int { return len(t.decoder) }

// TokenString returns the raw vocabulary entry for id, or "" if out of range.
func (t *BPE) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *BPE) isSpecial(tok string) bool {
	for _, sp := range t.specials {
		if tok == sp {
			return true
		}
	}
	return false
}

type textPart struct {
	text    string
	special bool
}

func (t *BPE) splitSpecials(text string) []textPart {
	if len(t.specials) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range t.specials {
			if i+len(sp) <= len(text) && text[i:i+len(sp)] == sp {
				match = sp
				break
			}
		}
		if match == "" {
			buf.WriteByte(text[i])
			i++
			continue
		}
		if buf.Len() > 0 {
			parts = append(parts, textPart{text: buf.String()})
			buf.Reset()
		}
		parts = append(parts, textPart{text: match, special: true})
		i += len(match)
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}

func (t *BPE) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

// merge applies the learned merges to a byte-encoded span, lowest rank first.
func (t *BPE) merge(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	word := splitRunes(token)
	for len(word) > 1 {
		bestRank := int(^uint(0) >> 1)
		best := pair{}
		for i := 0; i < len(word)-1; i++ {
			p := pair{a: word[i], b: word[i+1]}
			if rank, ok := t.ranks[p]; ok && rank < bestRank {
				bestRank = rank
				best = p
			}
		}
		if bestRank == int(^uint(0)>>1) {
			break
		}
		word = mergePair(word, best)
	}
	t.cache[token] = word
	return word
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func mergePair(word []string, p pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == p.a && word[i+1] == p.b {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// bytesToUnicode maps bytes to printable unicode strings so BPE stays
// reversible over arbitrary byte sequences.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	cs := make([]int, len(bs))
	copy(cs, bs)
	n := 0
	for b := 0; b < 256; b++ {
		found := false
		for _, v := range bs {
			if v == b {
				found = true
				break
			}
		}
		if !found {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	enc := make(map[byte]string, len(bs))
	dec := make(map[string]byte, len(bs))
	for i := range bs {
		enc[byte(bs[i])] = string(rune(cs[i]))
		dec[string(rune(cs[i]))] = byte(bs[i])
	}
	return enc, dec
}
