package cronsd

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/cronsd/models"
	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"
)

const (
	// outputTail is how much of a command's combined output is kept for logging
	outputTail = 4 << 10
	// DefaultKillWait bounds the wait for a killed command's output pipes to close
	DefaultKillWait = 5 * time.Second
	// stateWriteTimeout bounds a single state store write
	stateWriteTimeout = 10 * time.Second
)

// Outcome is the result of one execution of a job
type Outcome struct {
	Status    models.Status
	Attempts  uint
	LastError *string
}

// Executor runs a job's command with retries and a per attempt timeout
type Executor struct {
	log      logc.Logger
	store    StateStore
	metrics  *Metrics
	shell    []string
	killWait time.Duration
	now      func() time.Time
}

// NewExecutor .
func NewExecutor(store StateStore, metrics *Metrics, logger logc.Logger) *Executor {
	return &Executor{
		log:      logger,
		store:    store,
		metrics:  metrics,
		shell:    defaultShell,
		killWait: DefaultKillWait,
		now:      time.Now,
	}
}

// Shell sets the interpreter the command string is passed to, e.g. "sh", "-c"
func (e *Executor) Shell(shell ...string) *Executor {
	if len(shell) > 0 {
		e.shell = shell
	}
	return e
}

// KillWait sets how long to wait for a killed command to let go of its output
func (e *Executor) KillWait(d time.Duration) *Executor {
	if d > 0 {
		e.killWait = d
	}
	return e
}

// Execute runs the job until an attempt succeeds or all attempts are used.
// Cancelling ctx kills the running command and ends the execution as failed.
// State is written once as running, again after every failed attempt with its error, and once at the end.
func (e *Executor) Execute(ctx context.Context, job JobDef) Outcome {
	log := job.logger(e.log)
	started := e.now()

	e.metrics.Executions.WithLabelValues(job.Name).Inc()
	e.metrics.Running.Inc()
	defer e.metrics.Running.Dec()

	log.Debug("executing job - started")
	e.report(job, started, models.StatusRunning, 0, nil)

	var attempts uint
	for attempts < job.MaxAttempts() {
		attempts++
		alog := log.WithField("Attempt", attempts)

		err := e.attempt(ctx, job, alog)
		if err == nil {
			e.metrics.Duration.WithLabelValues(job.Name).Observe(e.now().Sub(started).Seconds())
			e.report(job, started, models.StatusSuccess, attempts, nil)
			log.WithField("Attempts", attempts).Info("job succeeded")
			return Outcome{Status: models.StatusSuccess, Attempts: attempts}
		}

		e.metrics.Failures.WithLabelValues(job.Name).Inc()
		alog.WithError(err).Warn("job attempt failed")

		msg := err.Error()
		e.report(job, started, models.StatusRunning, attempts, &msg)
		if errors.Is(err, ErrCancelled) {
			return e.fail(job, started, attempts, msg, log)
		}
	}

	return e.fail(job, started, attempts, ErrRetriesExhausted.Error(), log)
}

func (e *Executor) fail(job JobDef, started time.Time, attempts uint, msg string, log logc.Logger) Outcome {
	e.report(job, started, models.StatusFailed, attempts, &msg)
	log.WithFields(logrus.Fields{
		"Attempts":  attempts,
		"LastError": msg,
	}).Error("job failed")
	return Outcome{Status: models.StatusFailed, Attempts: attempts, LastError: &msg}
}

// report writes the job state. A failed write is logged and the execution carries on.
func (e *Executor) report(job JobDef, started time.Time, status models.Status, attempts uint, lastErr *string) {
	state := models.JobState{
		Name:      job.Name,
		Status:    status,
		LastRun:   models.NewTimestamp(started),
		Attempts:  attempts,
		LastError: models.NilToNullString(lastErr),
	}
	if next, ok := job.Schedule.Next(e.now()); ok {
		state.NextRun = models.NewTimestamp(next)
	}

	// shutdown must not stop the final write
	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()
	if err := e.store.UpsertJobState(ctx, state); err != nil {
		job.logger(e.log).WithError(err).WithField("Status", status.String()).Error("failed to write job state")
	}
}

// attempt runs the command once. It returns nil only on a zero exit status.
func (e *Executor) attempt(ctx context.Context, job JobDef, log logc.Logger) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if job.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	}
	defer cancel()

	args := append(append([]string{}, e.shell[1:]...), job.Command)
	cmd := exec.Command(e.shell[0], args...)
	setupCommand(cmd)
	out := newTailBuffer(outputTail)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = e.killWait

	log.Trace("starting command")
	if err := cmd.Start(); err != nil {
		return &attemptError{cause: errCommandFailed, detail: ": " + err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		log.WithField("Output", out.String()).Debug("command finished")
		if err != nil {
			return &attemptError{cause: errCommandFailed, detail: ": " + err.Error()}
		}
		return nil

	case <-attemptCtx.Done():
		if err := killProcessGroup(cmd); err != nil {
			log.WithError(err).Warn("failed to kill command")
		}
		<-done
		log.WithField("Output", out.String()).Debug("command killed")

		if ctx.Err() != nil {
			return ErrCancelled
		}
		return &attemptError{cause: ErrTimeout, detail: " after " + job.Timeout.String()}
	}
}

var errCommandFailed = errors.New("command failed")

// attemptError reads as its cause followed by detail, e.g. "command timed out after 2s"
type attemptError struct {
	cause  error
	detail string
}

func (e *attemptError) Error() string { return e.cause.Error() + e.detail }
func (e *attemptError) Unwrap() error { return e.cause }
func (e *attemptError) Cause() error  { return e.cause }

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mx  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	n := len(p)
	if n >= b.max {
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		return n, nil
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return string(b.buf)
}
