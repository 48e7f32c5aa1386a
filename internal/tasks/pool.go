// Package tasks runs background continuations under supervision: bounded
// concurrency, panic recovery, and centralized error logging, so a failed
// continuation is never silently lost.
package tasks

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool schedules named background tasks with a concurrency bound.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewPool(maxConcurrent int64) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Pool{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Go runs fn in the background. Blocks only while the pool is saturated, so
// callers cannot outrun the bound. Errors and panics are logged under name.
func (p *Pool) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		log.Printf("task %s not scheduled: %v", name, err)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("task %s panicked: %v", name, r)
			}
		}()
		if err := fn(ctx); err != nil {
			log.Printf("task %s failed: %v", name, err)
		}
	}()
}

// Wait blocks until every scheduled task returns.
func (p *Pool) Wait() {
	p.wg.Wait()
}
