package cronsd

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many commands run at once across all jobs in the process
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    int64
}

// NewLimiter .
func NewLimiter(capacity int64) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
	}
}

// Acquire waits for a free slot. It returns ctx.Err() if ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	atomic.AddInt64(&l.inUse, 1)
	return &Permit{limiter: l}, nil
}

// TryAcquire takes a slot only if one is free right now
func (l *Limiter) TryAcquire() (*Permit, bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	atomic.AddInt64(&l.inUse, 1)
	return &Permit{limiter: l}, true
}

// InUse is the number of outstanding permits
func (l *Limiter) InUse() int64 {
	return atomic.LoadInt64(&l.inUse)
}

// Capacity .
func (l *Limiter) Capacity() int64 {
	return l.capacity
}

// Permit is one admitted execution. Release must be called once it ends.
type Permit struct {
	limiter *Limiter
	once    sync.Once
}

// Release returns the slot. Calls after the first do nothing.
func (p *Permit) Release() {
	p.once.Do(func() {
		atomic.AddInt64(&p.limiter.inUse, -1)
		p.limiter.sem.Release(1)
	})
}
