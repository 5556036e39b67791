package tokens

import (
	"unicode/utf8"

	"github.com/upb/inference-gateway/services/providers"
)

// Tokenizer counts tokens in a piece of text as model would see it.
type Tokenizer interface {
	Count(model, text string) (int, error)
}

// RuneTokenizer approximates one token per four characters for any model.
type RuneTokenizer struct{}

// Count implements Tokenizer.
func (RuneTokenizer) Count(_, text string) (int, error) {
	return ceilDiv(utf8.RuneCountInString(text), 4), nil
}

// degradedCount is used when the primary tokenizer is unavailable. It is
// never lower than the RuneTokenizer count for the same text.
func degradedCount(text string) int {
	return ceilDiv(len(text), 2)
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

const (
	// messageOverhead covers role markers and separators per message.
	messageOverhead = 4
	// replyPriming covers the assistant reply header.
	replyPriming = 3
)

// Estimate is a pre-call token estimate.
type Estimate struct {
	Prompt     int  `json:"prompt"`
	Completion int  `json:"completion"`
	Total      int  `json:"total"`
	Degraded   bool `json:"degraded"`
}

// Estimator produces conservative estimates for chat requests.
type Estimator struct {
	primary           Tokenizer
	forceFallback     bool
	defaultCompletion int
}

// NewEstimator creates an estimator. A nil primary uses RuneTokenizer.
func NewEstimator(primary Tokenizer, defaultCompletion int, forceFallback bool) *Estimator {
	if primary == nil {
		primary = RuneTokenizer{}
	}
	if defaultCompletion <= 0 {
		defaultCompletion = 512
	}
	return &Estimator{
		primary:           primary,
		forceFallback:     forceFallback,
		defaultCompletion: defaultCompletion,
	}
}

// Estimate counts prompt tokens across all messages plus the expected
// completion (max_tokens, or the configured default). If the primary
// tokenizer fails on any message the whole prompt is recounted with the
// degraded counter so the estimate only ever errs high.
func (e *Estimator) Estimate(req *providers.ChatRequest) Estimate {
	completion := req.MaxTokens
	if completion <= 0 {
		completion = e.defaultCompletion
	}

	prompt, degraded := e.countMessages(req.Model, req.Messages)
	return Estimate{
		Prompt:     prompt,
		Completion: completion,
		Total:      prompt + completion,
		Degraded:   degraded,
	}
}

func (e *Estimator) countMessages(model string, msgs []providers.Message) (int, bool) {
	if !e.forceFallback {
		total := replyPriming
		ok := true
		for _, m := range msgs {
			n, err := e.primary.Count(model, m.Content)
			if err != nil {
				ok = false
				break
			}
			total += n + messageOverhead
		}
		if ok {
			return total, false
		}
	}

	total := replyPriming
	for _, m := range msgs {
		total += degradedCount(m.Content) + messageOverhead
	}
	return total, true
}

// CountTokens counts tokens in text with the primary tokenizer, falling back
// to the degraded counter.
func (e *Estimator) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if !e.forceFallback {
		if n, err := e.primary.Count(model, text); err == nil {
			return n
		}
	}
	return degradedCount(text)
}
