package cronsd

import (
	"context"
	"time"

	"github.com/simpleframeworks/logc"
)

// minWait is slept instead when a fire time has already passed
const minWait = time.Second

// jobLoop fires the job on its schedule until the loop context ends
func (c *CronsD) jobLoop(job JobDef) {
	defer c.loopWait.Done()
	log := job.logger(c.log)

	for {
		next, ok := job.Schedule.Next(c.now())
		if !ok {
			log.Info("schedule has no more fire times, stopping job loop")
			return
		}

		if err := c.store.MarkIdle(c.loopCtx, job.Name, next); err != nil && c.loopCtx.Err() == nil {
			log.WithError(err).Warn("failed to record next run")
		}

		wait := next.Sub(c.now())
		if wait <= 0 {
			wait = minWait
		}
		log.WithField("NextRun", next).Trace("waiting for next fire")

		timer := time.NewTimer(wait)
		select {
		case <-c.loopCtx.Done():
			timer.Stop()
			log.Trace("shutdown job loop")
			return
		case <-timer.C:
		}

		c.fire(job, log)
	}
}

// fire takes the job lock and a permit and hands the execution to dispatch
func (c *CronsD) fire(job JobDef, log logc.Logger) {
	if c.inflight.running(job.Name) {
		log.Debug("job is still running in this instance, skipping fire")
		return
	}

	lockCtx, cancel := context.WithTimeout(c.loopCtx, c.lockTimeout)
	lock, locked, err := c.locker.TryAcquire(lockCtx, job.Name)
	cancel()
	if err != nil {
		if c.loopCtx.Err() == nil {
			log.WithError(err).Warn("failed to acquire job lock")
		}
		return
	}
	if !locked {
		c.metrics.LockSkips.WithLabelValues(job.Name).Inc()
		c.instance.lockSkipped()
		log.Debug("job is locked by another instance, skipping fire")
		return
	}

	log.Trace("waiting for a free slot")
	permit, err := c.limiter.Acquire(c.loopCtx)
	if err != nil {
		c.releaseLock(lock, log)
		return
	}

	if !c.inflight.start(job.Name) {
		permit.Release()
		c.releaseLock(lock, log)
		return
	}
	go c.dispatch(job, lock, permit, log)
}

// dispatch runs one execution and gives back its permit and lock
func (c *CronsD) dispatch(job JobDef, lock Lock, permit *Permit, log logc.Logger) {
	defer c.inflight.done(job.Name)
	defer c.releaseLock(lock, log)
	defer permit.Release()

	log.Trace("running job - started")
	c.instance.runStarted()
	outcome := c.executor.Execute(c.execCtx, job)
	c.instance.runFinished(outcome)
	log.WithField("Status", outcome.Status.String()).Trace("running job - completed")
}

func (c *CronsD) releaseLock(lock Lock, log logc.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), c.lockTimeout)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		log.WithError(err).Warn("failed to release job lock")
	}
}
