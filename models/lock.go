package models

// JobLock is a lease on a job. The holder is valid only while now < LockedUntil.
type JobLock struct {
	JobName     string    `gorm:"primaryKey;size:191"`
	LockedUntil Timestamp `gorm:"size:40;not null;index"`
	LockedBy    string    `gorm:"size:64;not null"`
}

// TableName specifies the db table name
func (*JobLock) TableName() string {
	return "job_lock"
}
