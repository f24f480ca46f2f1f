// Package audit records one append-only entry per verification verdict.
// The engine treats the sink as best-effort: append failures are logged,
// never surfaced to the caller. Presence of a sink is what satisfies the
// SOC2 audit-trail predicate.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one audit trail entry. It carries verdict metadata only —
// request payloads are never written to the trail.
type Record struct {
	ID              uuid.UUID `json:"id"`
	RequestID       string    `json:"request_id"`
	Kind            string    `json:"kind"`
	Status          string    `json:"status"`
	RiskGrade       string    `json:"risk_grade"`
	RiskScore       float64   `json:"risk_score"`
	Violations      []string  `json:"violations,omitempty"`
	PreservePrivacy bool      `json:"preserve_privacy"`
	Attested        bool      `json:"attested"`
	CreatedAt       time.Time `json:"created_at"`
}

// Sink persists audit records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// MemorySink keeps the most recent records in a fixed-size ring. Suitable
// for tests and for deployments that scrape the trail over the API.
type MemorySink struct {
	mu      sync.Mutex
	ring    []Record
	next    int
	wrapped bool
}

// NewMemorySink creates a ring holding up to capacity records.
func NewMemorySink(capacity int) *MemorySink {
	if capacity < 1 {
		capacity = 1
	}
	return &MemorySink{ring: make([]Record, capacity)}
}

// Append implements Sink.
func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = rec
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.wrapped = true
	}
	return nil
}

// Records returns the retained records, oldest first.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wrapped {
		return append([]Record(nil), s.ring[:s.next]...)
	}
	out := make([]Record, 0, len(s.ring))
	out = append(out, s.ring[s.next:]...)
	out = append(out, s.ring[:s.next]...)
	return out
}

// Recent returns up to limit retained records, newest first.
func (s *MemorySink) Recent(_ context.Context, limit int) ([]Record, error) {
	all := s.Records()
	if limit > len(all) {
		limit = len(all)
	}
	out := make([]Record, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Close implements Sink.
func (s *MemorySink) Close() error { return nil }
