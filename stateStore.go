package cronsd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/cronsd/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateStore persists the run state of every job. Writes are keyed by job name.
type StateStore interface {
	// UpsertJobState replaces the state row of the job, creating it when missing
	UpsertJobState(ctx context.Context, state models.JobState) error
	// MarkIdle records the next fire time and sets the job idle unless it is running
	MarkIdle(ctx context.Context, name string, nextRun time.Time) error
	// JobState returns nil when the job has no row yet
	JobState(ctx context.Context, name string) (*models.JobState, error)
	JobStates(ctx context.Context) ([]models.JobState, error)
}

// GormStateStore keeps job state in the job_state table
type GormStateStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStateStore .
func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db, now: time.Now}
}

// UpsertJobState .
func (s *GormStateStore) UpsertJobState(ctx context.Context, state models.JobState) error {
	state.UpdatedAt = models.NewTimestamp(s.now())
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_run", "next_run", "attempts", "last_error", "updated_at"}),
	}).Create(&state)
	return errors.Wrapf(tx.Error, "upsert state of job %q", state.Name)
}

// MarkIdle keeps last_run, attempts and last_error of the previous execution
func (s *GormStateStore) MarkIdle(ctx context.Context, name string, nextRun time.Time) error {
	db := s.db.WithContext(ctx)
	now := models.NewTimestamp(s.now())
	next := models.NewTimestamp(nextRun)

	update := func() (bool, error) {
		tx := db.Model(&models.JobState{}).Where("name = ?", name).Updates(map[string]interface{}{
			"next_run":   next,
			"updated_at": now,
			"status": gorm.Expr("CASE WHEN status = ? THEN status ELSE ? END",
				models.StatusRunning.String(), models.StatusIdle.String()),
		})
		return tx.RowsAffected > 0, tx.Error
	}

	updated, err := update()
	if err != nil {
		return errors.Wrapf(err, "mark job %q idle", name)
	}
	if updated {
		return nil
	}

	row := models.JobState{
		Name:      name,
		Status:    models.StatusIdle,
		NextRun:   next,
		UpdatedAt: now,
	}
	tx := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if tx.Error != nil {
		return errors.Wrapf(tx.Error, "create state of job %q", name)
	}
	if tx.RowsAffected == 0 {
		// created concurrently by another writer
		if _, err := update(); err != nil {
			return errors.Wrapf(err, "mark job %q idle", name)
		}
	}
	return nil
}

// JobState .
func (s *GormStateStore) JobState(ctx context.Context, name string) (*models.JobState, error) {
	state := &models.JobState{}
	tx := s.db.WithContext(ctx).Where("name = ?", name).Limit(1).Find(state)
	if tx.Error != nil {
		return nil, errors.Wrapf(tx.Error, "load state of job %q", name)
	}
	if tx.RowsAffected == 0 {
		return nil, nil
	}
	return state, nil
}

// JobStates returns every job state ordered by name
func (s *GormStateStore) JobStates(ctx context.Context) ([]models.JobState, error) {
	states := []models.JobState{}
	tx := s.db.WithContext(ctx).Order("name ASC").Find(&states)
	return states, errors.Wrap(tx.Error, "load job states")
}
