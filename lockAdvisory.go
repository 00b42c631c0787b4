package cronsd

import (
	"context"
	"database/sql"
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/cronsd/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// advisoryClass namespaces cronsd keys in the two-key advisory lock space
const advisoryClass int32 = 0x63726f6e

// AdvisoryLocker locks jobs with a PostgreSQL transaction advisory lock.
// The lock lives as long as its transaction, so a dropped session frees it.
// Each held lock pins one pooled connection.
type AdvisoryLocker struct {
	db   *gorm.DB
	keys *jobKeys
}

// NewAdvisoryLocker .
func NewAdvisoryLocker(db *gorm.DB, instanceID string) *AdvisoryLocker {
	return &AdvisoryLocker{
		db:   db,
		keys: newJobKeys(db, instanceID),
	}
}

// TryAcquire takes a pooled connection, opens a transaction on it and tries the job's lock without waiting.
// Waiting for the connection is bound by ctx. The transaction is kept open while the lock is held.
func (l *AdvisoryLocker) TryAcquire(ctx context.Context, jobName string) (Lock, bool, error) {
	key, err := l.keys.key(ctx, jobName)
	if err != nil {
		return nil, false, err
	}

	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, false, errors.Wrap(err, "advisory lock pool")
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, errors.Wrapf(err, "advisory lock connection for job %q", jobName)
	}

	// the transaction outlives ctx; only the lock query is bound to it
	tx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		conn.Close()
		return nil, false, errors.Wrap(err, "begin advisory lock transaction")
	}

	var locked bool
	row := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryClass, key)
	if err := row.Scan(&locked); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, false, errors.Wrapf(err, "try advisory lock for job %q", jobName)
	}
	if !locked {
		tx.Rollback()
		conn.Close()
		return nil, false, nil
	}

	return &advisoryLock{jobName: jobName, conn: conn, tx: tx}, true, nil
}

type advisoryLock struct {
	jobName string
	conn    *sql.Conn
	tx      *sql.Tx
	once    sync.Once
	err     error
}

func (l *advisoryLock) JobName() string { return l.jobName }

// Release ends the transaction, which ends the lock, and hands the connection back to the pool
func (l *advisoryLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		defer l.conn.Close()
		if err := l.tx.Commit(); err != nil {
			l.tx.Rollback()
			l.err = errors.Wrapf(err, "release advisory lock for job %q", l.jobName)
		}
	})
	return l.err
}

// jobKeys assigns every job name a persisted integer so advisory keys never collide
type jobKeys struct {
	db        *gorm.DB
	createdBy string
	mx        sync.RWMutex
	ids       map[string]int32
}

func newJobKeys(db *gorm.DB, createdBy string) *jobKeys {
	return &jobKeys{
		db:        db,
		createdBy: createdBy,
		ids:       map[string]int32{},
	}
}

func (k *jobKeys) key(ctx context.Context, name string) (int32, error) {
	k.mx.RLock()
	id, ok := k.ids[name]
	k.mx.RUnlock()
	if ok {
		return id, nil
	}

	db := k.db.WithContext(ctx)
	job := models.Job{Name: name, CreatedBy: k.createdBy}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&job).Error; err != nil {
		return 0, errors.Wrapf(err, "register key for job %q", name)
	}
	// another instance may have created the row first
	job = models.Job{}
	if err := db.Where("name = ?", name).First(&job).Error; err != nil {
		return 0, errors.Wrapf(err, "load key for job %q", name)
	}
	if job.ID <= 0 || job.ID > math.MaxInt32 {
		return 0, errors.Errorf("key %d for job %q does not fit an advisory lock", job.ID, name)
	}

	k.mx.Lock()
	k.ids[name] = int32(job.ID)
	k.mx.Unlock()
	return int32(job.ID), nil
}
