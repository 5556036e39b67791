package routing

import "sync"

const (
	DefaultAlpha        = 0.3
	DefaultInitialScore = 1.0
)

// Tracker keeps an exponentially weighted success score per provider.
type Tracker struct {
	mu      sync.RWMutex
	alpha   float64
	initial float64
	scores  map[string]float64
	samples map[string]int64
}

// NewTracker creates a tracker. alpha outside (0, 1] falls back to the default.
func NewTracker(alpha, initialScore float64) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if initialScore < 0 || initialScore > 1 {
		initialScore = DefaultInitialScore
	}
	return &Tracker{
		alpha:   alpha,
		initial: initialScore,
		scores:  make(map[string]float64),
		samples: make(map[string]int64),
	}
}

// Observe folds one outcome into the provider's score.
func (t *Tracker) Observe(provider string, success bool) {
	sample := 0.0
	if success {
		sample = 1.0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.scores[provider]
	if !ok {
		prev = t.initial
	}
	t.scores[provider] = t.alpha*sample + (1-t.alpha)*prev
	t.samples[provider]++
}

// Score returns the provider's current score.
func (t *Tracker) Score(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if v, ok := t.scores[provider]; ok {
		return v
	}
	return t.initial
}

// Samples returns how many outcomes were observed for the provider.
func (t *Tracker) Samples(provider string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.samples[provider]
}

// InitialScore returns the score of a provider with no observations.
func (t *Tracker) InitialScore() float64 {
	return t.initial
}

// Snapshot copies all observed scores.
func (t *Tracker) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64, len(t.scores))
	for k, v := range t.scores {
		out[k] = v
	}
	return out
}
