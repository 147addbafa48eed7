// Package dispatcher fans tasks out to a fixed pool of goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/archive-bundle-iterator/internal/queue/memory"
)

// Task is one unit of work.
type Task func(ctx context.Context) error

// Dispatcher runs tasks over a bounded queue with Workers goroutines.
type Dispatcher struct {
	workers int
}

// New creates a Dispatcher. Fewer than one worker runs tasks inline.
func New(workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{workers: workers}
}

// Workers reports the pool size.
func (d *Dispatcher) Workers() int { return d.workers }

// Run executes every task and blocks until all have finished. The first
// failure cancels the context handed to the remaining tasks; Run returns
// all failures joined.
func (d *Dispatcher) Run(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if d.workers == 1 || len(tasks) == 1 {
		for _, task := range tasks {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("dispatch canceled: %w", err)
			}
			if err := task(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := memory.NewQueue[Task](len(tasks))
	for _, task := range tasks {
		if err := queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("queue enqueue: %w", err)
		}
	}
	queue.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range min(d.workers, len(tasks)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := queue.Dequeue(ctx)
				if err != nil {
					if !errors.Is(err, memory.ErrClosed) {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
					}
					return
				}
				if err := task(ctx); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					cancel()
				}
			}
		}()
	}
	wg.Wait()
	return firstCause(errs)
}

// firstCause drops the cancellations triggered by an earlier failure.
func firstCause(errs []error) error {
	var real []error
	for _, err := range errs {
		if !errors.Is(err, context.Canceled) {
			real = append(real, err)
		}
	}
	if len(real) == 0 {
		return errors.Join(errs...)
	}
	return errors.Join(real...)
}
