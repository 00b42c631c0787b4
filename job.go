package cronsd

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"
)

// JobDef is a parsed, immutable job definition
type JobDef struct {
	Name     string
	Schedule *Schedule
	Command  string
	Retries  uint
	Timeout  time.Duration // 0 disables the per attempt timeout
}

// NewJob validates and parses a job definition.
// name must not be empty or contain a comma.
func NewJob(name, schedule, command string, retries, timeoutSeconds uint) (JobDef, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return JobDef{}, errors.Wrap(ErrInvalidJob, "name is required")
	}
	if strings.Contains(name, ",") {
		return JobDef{}, errors.Wrapf(ErrInvalidJob, "name %q must not contain a comma", name)
	}
	if strings.TrimSpace(command) == "" {
		return JobDef{}, errors.Wrapf(ErrInvalidJob, "job %q has no command", name)
	}

	sched, err := ParseSchedule(schedule)
	if err != nil {
		return JobDef{}, errors.Wrapf(err, "job %q", name)
	}

	return JobDef{
		Name:     name,
		Schedule: sched,
		Command:  command,
		Retries:  retries,
		Timeout:  time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// MaxAttempts is the number of attempts an execution may make
func (j JobDef) MaxAttempts() uint {
	return j.Retries + 1
}

// worstCase is the longest an execution can hold its lock, 0 when unbounded
func (j JobDef) worstCase() time.Duration {
	if j.Timeout <= 0 {
		return 0
	}
	return j.Timeout * time.Duration(j.MaxAttempts())
}

func (j JobDef) logger(logger logc.Logger) logc.Logger {
	return logger.WithFields(logrus.Fields{
		"Job.Name":     j.Name,
		"Job.Schedule": j.Schedule.String(),
	})
}
