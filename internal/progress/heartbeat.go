package progress

import (
	"sync"
	"time"
)

// Beater turns iterator heartbeats into RUN_HEARTBEAT events. Repeats of
// the same stage inside MinInterval are folded into one event.
type Beater struct {
	emitter     Emitter
	runID       [16]byte
	format      string
	now         func() time.Time
	minInterval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewBeater binds heartbeats to a run. A nil emitter discards them.
func NewBeater(em Emitter, runID [16]byte, format string, minInterval time.Duration) *Beater {
	if em == nil {
		em = NopEmitter{}
	}
	return &Beater{
		emitter:     em,
		runID:       runID,
		format:      format,
		now:         func() time.Time { return time.Now().UTC() },
		minInterval: minInterval,
		last:        make(map[string]time.Time),
	}
}

// Beat emits a heartbeat for stage.
func (b *Beater) Beat(stage string) {
	now := b.now()
	b.mu.Lock()
	if prev, ok := b.last[stage]; ok && now.Sub(prev) < b.minInterval {
		b.mu.Unlock()
		return
	}
	b.last[stage] = now
	b.mu.Unlock()
	b.emitter.Emit(Event{
		RunID:  b.runID,
		TS:     now,
		Stage:  StageRunHB,
		Format: b.format,
		Note:   stage,
	})
}
