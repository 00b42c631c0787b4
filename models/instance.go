package models

import (
	"database/sql"
	"time"
)

// Instance is a running (or stopped) cronsd process sharing the schedule
type Instance struct {
	ID             string `gorm:"primaryKey;size:64"`
	Host           string `gorm:"size:255"`
	LockMode       string `gorm:"size:16"`
	MaxConcurrency int
	Jobs           string
	RunsStarted    int64     // Executions started
	RunsSucceeded  int64     // Executions that ended in success
	RunsFailed     int64     // Executions that ended in failure
	LockSkips      int64     // Fires skipped because another holder had the lock
	LastSeenAt     time.Time // Last time instance was alive
	StoppedAt      sql.NullTime
	StartedAt      time.Time
}

// TableName specifies the db table name
func (*Instance) TableName() string {
	return "cronsd_instances"
}
