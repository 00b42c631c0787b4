package cronsd

import "github.com/pkg/errors"

var (
	// ErrInvalidSchedule is returned for a cron expression that cannot be parsed
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrInvalidJob is returned for a job definition missing a required field
	ErrInvalidJob = errors.New("invalid job")
	// ErrDuplicateJob is returned when two jobs share a name
	ErrDuplicateJob = errors.New("job already registered")
	// ErrAlreadyUp is returned when registering or bringing up a running instance
	ErrAlreadyUp = errors.New("the service is already up")
	// ErrUnsupportedLockMode is returned when the lock mode cannot be used with the DB dialect
	ErrUnsupportedLockMode = errors.New("unsupported lock mode")

	// ErrTimeout marks an attempt that ran past the job timeout
	ErrTimeout = errors.New("command timed out")
	// ErrCancelled marks an execution stopped by shutdown
	ErrCancelled = errors.New("execution cancelled")
	// ErrRetriesExhausted is the final error of a job that never succeeded
	ErrRetriesExhausted = errors.New("retries exhausted")
)
