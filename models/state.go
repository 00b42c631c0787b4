package models

import (
	"database/sql"
)

// JobState is the latest run state of a job, shared by all instances
type JobState struct {
	Name      string    `gorm:"primaryKey;size:191"`
	Status    Status    `gorm:"size:16;not null"`
	LastRun   Timestamp `gorm:"size:40"`
	NextRun   Timestamp `gorm:"size:40"`
	Attempts  uint      `gorm:"not null"`
	LastError sql.NullString
	UpdatedAt Timestamp `gorm:"size:40;not null;autoUpdateTime:false"`
}

// TableName specifies the db table name
func (*JobState) TableName() string {
	return "job_state"
}
