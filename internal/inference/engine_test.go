package inference

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/samcharles93/lantern/internal/model"
)

// numTokenizer encodes whitespace-separated integers. BOS is 1 and EOS is 2.
type numTokenizer struct{}

func (numTokenizer) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		ids = append(ids, n)
	}
	return ids, nil
}

func (numTokenizer) Decode(ids []int) (string, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " "), nil
}

func (numTokenizer) BOSID() int { return 1 }
func (numTokenizer) EOSID() int { return 2 }

// scriptedModel replays a fixed token script and records the prompt it was
// opened with.
type scriptedModel struct {
	script []int
	prompt []int
	closed bool
}

func (m *scriptedModel) Generate(prompt []int, _ model.Sampler) Session {
	m.prompt = append([]int(nil), prompt...)
	return &scriptedSession{model: m}
}

type scriptedSession struct {
	model *scriptedModel
	i     int
}

func (s *scriptedSession) Next() int {
	tok := s.model.script[s.i]
	s.i++
	return tok
}

func (s *scriptedSession) Close() { s.model.closed = true }

func newEngine(script []int) (*Engine, *scriptedModel) {
	m := &scriptedModel{script: script}
	return &Engine{Model: m, Tokenizer: numTokenizer{}}, m
}

func TestGenerateStopsAtMaxTokens(t *testing.T) {
	e, m := newEngine([]int{10, 11, 12, 13, 14, 15})
	res, err := e.Generate(context.Background(), &Request{Prompt: "5 9 2", MaxTokens: 4}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Stats.ResponseTokens != 4 {
		t.Fatalf("response tokens = %d, want 4", res.Stats.ResponseTokens)
	}
	if res.Stats.PromptTokens != 3 {
		t.Fatalf("prompt tokens = %d, want 3", res.Stats.PromptTokens)
	}
	if res.Text != "10 11 12 13" {
		t.Fatalf("text = %q", res.Text)
	}
	if !m.closed {
		t.Fatal("session not closed")
	}
}

func TestGeneratePrependsBOS(t *testing.T) {
	e, m := newEngine([]int{10, 11, 12, 13})
	if _, err := e.Generate(context.Background(), &Request{Prompt: "5 9 2", MaxTokens: 1}, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := []int{1, 5, 9, 2}
	if len(m.prompt) != len(want) {
		t.Fatalf("prompt = %v, want %v", m.prompt, want)
	}
	for i := range want {
		if m.prompt[i] != want[i] {
			t.Fatalf("prompt = %v, want %v", m.prompt, want)
		}
	}
}

func TestGenerateStopsAtEOS(t *testing.T) {
	e, _ := newEngine([]int{10, 2, 99})
	res, err := e.Generate(context.Background(), &Request{Prompt: "5", MaxTokens: 100}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Stats.ResponseTokens != 1 {
		t.Fatalf("response tokens = %d, want 1", res.Stats.ResponseTokens)
	}
	if res.Text != "10" {
		t.Fatalf("text = %q, want %q", res.Text, "10")
	}
}

func TestGenerateStreamsEverything(t *testing.T) {
	e, _ := newEngine([]int{10, 11, 12, 13, 14})
	e.WriteEvery = 2

	var got strings.Builder
	res, err := e.Generate(context.Background(), &Request{Prompt: "5", MaxTokens: 5}, func(s string) {
		got.WriteString(s)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.String() != res.Text {
		t.Fatalf("streamed %q, result %q", got.String(), res.Text)
	}
}

func TestGenerateContextCancel(t *testing.T) {
	e, _ := newEngine([]int{10, 11, 12})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Generate(ctx, &Request{Prompt: "5", MaxTokens: 3}, nil); err == nil {
		t.Fatal("expected context error")
	}
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	e, _ := newEngine([]int{10})
	if _, err := e.Generate(context.Background(), &Request{Prompt: "5"}, nil); err != ErrMaxTokens {
		t.Fatalf("expected ErrMaxTokens, got %v", err)
	}
	if _, err := e.Generate(context.Background(), &Request{Prompt: "not a number", MaxTokens: 1}, nil); err == nil {
		t.Fatal("expected encode error")
	}
}

func TestStatsReportHandlesZeroTokens(t *testing.T) {
	var s Stats
	var buf strings.Builder
	s.Report(&buf)
	out := buf.String()
	if !strings.Contains(out, "load time") || !strings.Contains(out, "eval time") {
		t.Fatalf("unexpected report: %q", out)
	}
	if strings.Contains(out, "NaN") || strings.Contains(out, "Inf") {
		t.Fatalf("report divides by zero: %q", out)
	}
}
