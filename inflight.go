package cronsd

import (
	"sync"
	"time"
)

// inflight tracks the executions this process has dispatched and not yet finished
type inflight struct {
	mx   sync.Mutex
	jobs map[string]struct{}
	wg   sync.WaitGroup
}

func newInflight() *inflight {
	return &inflight{jobs: map[string]struct{}{}}
}

// start registers an execution of the job. It returns false if one is already registered.
func (f *inflight) start(name string) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	if _, ok := f.jobs[name]; ok {
		return false
	}
	f.jobs[name] = struct{}{}
	f.wg.Add(1)
	return true
}

func (f *inflight) done(name string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if _, ok := f.jobs[name]; !ok {
		return
	}
	delete(f.jobs, name)
	f.wg.Done()
}

func (f *inflight) running(name string) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	_, ok := f.jobs[name]
	return ok
}

func (f *inflight) count() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.jobs)
}

// wait blocks until every execution is done or the timeout passes.
// It returns false on timeout.
func (f *inflight) wait(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		f.wg.Wait()
	}()
	select {
	case <-c:
		return true
	case <-time.After(timeout):
		return false
	}
}
