package models

import (
	"time"
)

// Job maps a job name to a stable integer, used as the advisory lock key
type Job struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"uniqueIndex;size:191;not null"`
	CreatedAt time.Time
	CreatedBy string `gorm:"size:64"`
}

// TableName specifies the db table name
func (*Job) TableName() string {
	return "jobs"
}
