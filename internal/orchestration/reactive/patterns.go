package reactive

import (
	"sync"
	"time"
)

// Pattern is an accumulated observation of one violation shape. Counters
// only ever grow; confidence approaches 1 as the pattern recurs.
type Pattern struct {
	Key        string    `json:"key"`
	Frequency  int64     `json:"frequency"`
	Confidence float64   `json:"confidence"`
	LastSeen   time.Time `json:"last_seen"`
}

// PatternStore is a best-effort frequency table over violation patterns.
// It is safe for concurrent use by event handlers.
type PatternStore struct {
	mu       sync.RWMutex
	patterns map[string]*Pattern
}

// NewPatternStore returns an empty store.
func NewPatternStore() *PatternStore {
	return &PatternStore{patterns: make(map[string]*Pattern)}
}

// Record notes one more occurrence of the pattern key.
func (ps *PatternStore) Record(key string) Pattern {
	now := time.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.patterns[key]
	if !ok {
		p = &Pattern{Key: key}
		ps.patterns[key] = p
	}
	p.Frequency++
	p.Confidence = float64(p.Frequency) / float64(p.Frequency+1)
	p.LastSeen = now
	return *p
}

// Get returns the pattern for key and whether it has been seen.
func (ps *PatternStore) Get(key string) (Pattern, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.patterns[key]
	if !ok {
		return Pattern{}, false
	}
	return *p, true
}

// All returns a snapshot of every recorded pattern.
func (ps *PatternStore) All() []Pattern {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]Pattern, 0, len(ps.patterns))
	for _, p := range ps.patterns {
		out = append(out, *p)
	}
	return out
}
