package cronsd

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Locker hands out per job locks shared by every cooperating instance.
// TryAcquire never waits for a lock held by someone else.
type Locker interface {
	TryAcquire(ctx context.Context, jobName string) (Lock, bool, error)
}

// Lock is a held job lock
type Lock interface {
	JobName() string
	// Release gives up the lock. It is safe to call more than once.
	Release(ctx context.Context) error
}

// LockMode selects the Locker implementation
type LockMode string

// Lock modes
const (
	LockModeAuto     LockMode = "auto"     // advisory on PostgreSQL, lease elsewhere
	LockModeLease    LockMode = "lease"    // lease row in job_lock
	LockModeAdvisory LockMode = "advisory" // PostgreSQL transaction advisory lock
)

// ParseLockMode .
func ParseLockMode(mode string) (LockMode, error) {
	switch LockMode(strings.ToLower(strings.TrimSpace(mode))) {
	case "", LockModeAuto:
		return LockModeAuto, nil
	case LockModeLease:
		return LockModeLease, nil
	case LockModeAdvisory:
		return LockModeAdvisory, nil
	}
	return "", errors.Wrapf(ErrUnsupportedLockMode, "%q", mode)
}

// resolve turns auto into a concrete mode for the dialect of db
func (m LockMode) resolve(db *gorm.DB) (LockMode, error) {
	postgres := db.Dialector.Name() == "postgres"
	switch m {
	case LockModeAuto, "":
		if postgres {
			return LockModeAdvisory, nil
		}
		return LockModeLease, nil
	case LockModeLease:
		return LockModeLease, nil
	case LockModeAdvisory:
		if !postgres {
			return "", errors.Wrapf(ErrUnsupportedLockMode, "advisory locks need postgres, not %s", db.Dialector.Name())
		}
		return LockModeAdvisory, nil
	}
	return "", errors.Wrapf(ErrUnsupportedLockMode, "%q", string(m))
}
