package models

import (
	"database/sql/driver"

	"github.com/pkg/errors"
	"gorm.io/gorm/schema"
)

// Status is the run status of a job
type Status int

// Run statuses. The persisted tokens are fixed, see String.
const (
	StatusIdle Status = iota
	StatusRunning
	StatusSuccess
	StatusFailed
)

// ErrUnknownStatus is returned when a persisted status token is not recognised
var ErrUnknownStatus = errors.New("unknown job status")

// String returns the persisted token of the status
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal is true for the final status of an execution
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseStatus accepts exactly the tokens produced by String
func ParseStatus(token string) (Status, error) {
	switch token {
	case "idle":
		return StatusIdle, nil
	case "running":
		return StatusRunning, nil
	case "success":
		return StatusSuccess, nil
	case "failed":
		return StatusFailed, nil
	}
	return StatusIdle, errors.Wrapf(ErrUnknownStatus, "%q", token)
}

// GormDataType .
func (Status) GormDataType() string {
	return string(schema.String)
}

// Value implements driver.Valuer
func (s Status) Value() (driver.Value, error) {
	switch s {
	case StatusIdle, StatusRunning, StatusSuccess, StatusFailed:
		return s.String(), nil
	}
	return nil, errors.Wrapf(ErrUnknownStatus, "%d", int(s))
}

// Scan implements sql.Scanner
func (s *Status) Scan(value interface{}) error {
	var token string
	switch v := value.(type) {
	case string:
		token = v
	case []byte:
		token = string(v)
	default:
		return errors.Errorf("cannot scan %T into a job status", value)
	}
	parsed, err := ParseStatus(token)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
