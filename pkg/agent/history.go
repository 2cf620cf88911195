package agent

import "sync"

// Default history bounds. A session's in-memory history is advisory context
// for stateless providers, so it is bounded twice over: by turn count and by
// estimated tokens.
const (
	DefaultHistoryTurns  = 40
	DefaultHistoryTokens = 16000
)

// Turn is one side of a prompt/response exchange.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// History is the bounded, in-memory record of a session's exchanges with its
// extraction agent. Eviction is strictly oldest-first and never selective by
// message kind; both bounds apply together.
type History struct {
	mu        sync.Mutex
	turns     []Turn
	maxTurns  int
	maxTokens int
}

// NewHistory creates a history bounded by maxTurns and maxTokens. Zero or
// negative bounds fall back to the defaults.
func NewHistory(maxTurns, maxTokens int) *History {
	if maxTurns <= 0 {
		maxTurns = DefaultHistoryTurns
	}
	if maxTokens <= 0 {
		maxTokens = DefaultHistoryTokens
	}
	return &History{maxTurns: maxTurns, maxTokens: maxTokens}
}

// Append records a turn and evicts from the front until both bounds hold.
func (h *History) Append(role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, Turn{Role: role, Text: text})

	for len(h.turns) > h.maxTurns {
		h.turns = h.turns[1:]
	}
	for len(h.turns) > 1 && h.tokensLocked() > h.maxTokens {
		h.turns = h.turns[1:]
	}
}

// Turns returns a copy of the current turns, oldest first.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of retained turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// TokenEstimate returns the estimated token cost of the retained turns.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokensLocked()
}

func (h *History) tokensLocked() int {
	total := 0
	for _, t := range h.turns {
		total += EstimateTokens(t.Text)
	}
	return total
}
