package inference

import (
	"fmt"
	"io"
	"time"
)

// Stats records the timing checkpoints of one load-and-generate run. Load
// timestamps are set by whoever loads the model; the engine fills in the
// generation checkpoints.
type Stats struct {
	StartLoad time.Time
	EndLoad   time.Time
	StartGen  time.Time
	EndPrompt time.Time
	EndGen    time.Time

	PromptTokens   int
	ResponseTokens int
}

// Report writes the statistics block. Rates are omitted for phases that
// processed no tokens.
func (s *Stats) Report(w io.Writer) {
	fmt.Fprintf(w, "[INFO] Statistics:\n")
	fmt.Fprintf(w, "[INFO]        load time: %.2f ms\n", ms(s.EndLoad.Sub(s.StartLoad)))

	promptDur := s.EndPrompt.Sub(s.StartGen)
	if s.PromptTokens > 0 && promptDur > 0 {
		fmt.Fprintf(w, "[INFO] prompt eval time: %.2f ms / %d tokens (%.2f ms/token, %.2f token/s)\n",
			ms(promptDur), s.PromptTokens,
			ms(promptDur)/float64(s.PromptTokens),
			float64(s.PromptTokens)/promptDur.Seconds())
	} else {
		fmt.Fprintf(w, "[INFO] prompt eval time: %.2f ms / %d tokens\n", ms(promptDur), s.PromptTokens)
	}

	evalDur := s.EndGen.Sub(s.EndPrompt)
	if s.ResponseTokens > 0 && evalDur > 0 {
		fmt.Fprintf(w, "[INFO]        eval time: %.2f ms / %d tokens (%.2f ms/token, %.2f token/s)\n",
			ms(evalDur), s.ResponseTokens,
			ms(evalDur)/float64(s.ResponseTokens),
			float64(s.ResponseTokens)/evalDur.Seconds())
	} else {
		fmt.Fprintf(w, "[INFO]        eval time: %.2f ms / %d tokens\n", ms(evalDur), s.ResponseTokens)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
