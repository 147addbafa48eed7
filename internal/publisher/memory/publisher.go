// Package memory keeps batch notices in memory for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/archive-bundle-iterator/internal/publisher"
)

// Publisher stores published notices for inspection.
type Publisher struct {
	mu      sync.RWMutex
	notices []publisher.BatchNotice
	failErr error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later publishes return err. Nil restores normal behavior.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Publish records the notice and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, notice publisher.BatchNotice) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return "", p.failErr
	}
	notice.BlobURIs = append([]string(nil), notice.BlobURIs...)
	p.notices = append(p.notices, notice)
	return fmt.Sprintf("memory-%d", len(p.notices)), nil
}

// Notices returns a copy of the recorded notices.
func (p *Publisher) Notices() []publisher.BatchNotice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.BatchNotice, len(p.notices))
	copy(out, p.notices)
	return out
}
