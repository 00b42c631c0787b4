package cronsd

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/cronsd/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultLease is how long a lease lock stays valid without being released
const DefaultLease = 60 * time.Second

// LeaseLocker locks jobs with an expiring row in job_lock.
// A crashed holder's lock can be taken by anyone once the lease has run out.
type LeaseLocker struct {
	db         *gorm.DB
	instanceID string
	lease      time.Duration
	now        func() time.Time
}

// NewLeaseLocker .
func NewLeaseLocker(db *gorm.DB, instanceID string, lease time.Duration) *LeaseLocker {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &LeaseLocker{
		db:         db,
		instanceID: instanceID,
		lease:      lease,
		now:        time.Now,
	}
}

// TryAcquire inserts the lease row, or takes it over if the current lease has expired
func (l *LeaseLocker) TryAcquire(ctx context.Context, jobName string) (Lock, bool, error) {
	now := l.now()
	until := now.Add(l.lease)
	db := l.db.WithContext(ctx)

	row := models.JobLock{
		JobName:     jobName,
		LockedUntil: models.NewTimestamp(until),
		LockedBy:    l.instanceID,
	}
	tx := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if tx.Error != nil {
		return nil, false, errors.Wrapf(tx.Error, "insert lock for job %q", jobName)
	}
	if tx.RowsAffected == 1 {
		return l.newLock(jobName, until), true, nil
	}

	tx = db.Model(&models.JobLock{}).
		Where("job_name = ? AND locked_until <= ?", jobName, models.FormatTime(now)).
		Updates(map[string]interface{}{
			"locked_until": models.NewTimestamp(until),
			"locked_by":    l.instanceID,
		})
	if tx.Error != nil {
		return nil, false, errors.Wrapf(tx.Error, "take over expired lock for job %q", jobName)
	}
	if tx.RowsAffected != 1 {
		return nil, false, nil // held by someone else
	}
	return l.newLock(jobName, until), true, nil
}

func (l *LeaseLocker) newLock(jobName string, until time.Time) *leaseLock {
	return &leaseLock{locker: l, jobName: jobName, until: until}
}

// release deletes the row only while this instance still owns it
func (l *LeaseLocker) release(ctx context.Context, jobName string) error {
	tx := l.db.WithContext(ctx).
		Where("job_name = ? AND locked_by = ?", jobName, l.instanceID).
		Delete(&models.JobLock{})
	return errors.Wrapf(tx.Error, "release lock for job %q", jobName)
}

type leaseLock struct {
	locker  *LeaseLocker
	jobName string
	until   time.Time
	once    sync.Once
	err     error
}

func (l *leaseLock) JobName() string { return l.jobName }

// ValidUntil is when the lease runs out
func (l *leaseLock) ValidUntil() time.Time { return l.until }

func (l *leaseLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.locker.release(ctx, l.jobName)
	})
	return l.err
}
