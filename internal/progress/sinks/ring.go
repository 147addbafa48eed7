package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/archive-bundle-iterator/internal/progress"
)

const defaultRingSize = 256

// RingSink keeps the most recent events in memory for the admin API.
type RingSink struct {
	mu    sync.RWMutex
	buf   []progress.Event
	next  int
	count int
}

// NewRingSink keeps up to size events (256 when size <= 0).
func NewRingSink(size int) *RingSink {
	if size <= 0 {
		size = defaultRingSize
	}
	return &RingSink{buf: make([]progress.Event, size)}
}

// Consume appends the batch, overwriting the oldest events.
func (s *RingSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.buf[s.next] = evt
		s.next = (s.next + 1) % len(s.buf)
		if s.count < len(s.buf) {
			s.count++
		}
	}
	return nil
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (s *RingSink) Recent(limit int) []progress.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]progress.Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.buf)) % len(s.buf)
		out = append(out, s.buf[idx])
	}
	return out
}

// Close implements the Sink interface; the events stay readable.
func (s *RingSink) Close(context.Context) error {
	return nil
}
