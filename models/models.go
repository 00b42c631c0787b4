package models

import (
	"database/sql"
	"database/sql/driver"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm/schema"
)

// TimeFormat is the fixed width RFC 3339 layout used for every persisted timestamp.
// Values are always written in UTC so they compare correctly as text.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp is a nullable point in time persisted as RFC 3339 text
type Timestamp struct {
	Time  time.Time
	Valid bool
}

// NewTimestamp .
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t, Valid: true}
}

// FormatTime renders t in the persisted layout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// GormDataType stores timestamps as strings on every dialect
func (Timestamp) GormDataType() string {
	return string(schema.String)
}

// Value implements driver.Valuer
func (t Timestamp) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return FormatTime(t.Time), nil
}

// Scan implements sql.Scanner
func (t *Timestamp) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case nil:
		*t = Timestamp{}
		return nil
	case time.Time:
		*t = NewTimestamp(v.UTC())
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return errors.Errorf("cannot scan %T into a timestamp", value)
	}

	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return errors.Wrapf(err, "invalid timestamp %q", raw)
	}
	*t = NewTimestamp(parsed.UTC())
	return nil
}

// Ptr returns nil for a null timestamp
func (t Timestamp) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	tmp := t.Time
	return &tmp
}

// NullToNilString .
func NullToNilString(str sql.NullString) *string {
	if str.Valid {
		tmp := str.String
		return &tmp
	}
	return nil
}

// NilToNullString .
func NilToNullString(str *string) sql.NullString {
	if str == nil {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: *str}
}

// NullToNilTime .
func NullToNilTime(t sql.NullTime) *time.Time {
	if t.Valid {
		tmp := t.Time
		return &tmp
	}
	return nil
}

// All returns every model that cronsd persists, in migration order
func All() []interface{} {
	return []interface{}{
		&Job{},
		&JobLock{},
		&JobState{},
		&Instance{},
	}
}
