package cronsd

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const (
	minYear = 1970
	maxYear = 2099
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule computes fire times from a cron expression.
//
// Accepted forms:
//   - 5 fields: minute hour day-of-month month day-of-week
//   - 6 fields: second minute hour day-of-month month day-of-week
//   - 7 fields: the 6 field form followed by a year field
//   - descriptors: "@hourly", "@daily", "@every 90s", ...
//
// An optional "CRON_TZ=Zone" (or "TZ=Zone") prefix sets the zone fields are read in.
// Without it fields are read in UTC.
type Schedule struct {
	expr  string
	spec  cron.Schedule
	years []int // sorted; nil allows every year
}

// ParseSchedule parses a cron expression
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrInvalidSchedule, "empty expression")
	}

	prefix := "CRON_TZ=UTC "
	if strings.HasPrefix(fields[0], "CRON_TZ=") || strings.HasPrefix(fields[0], "TZ=") {
		prefix = fields[0] + " "
		fields = fields[1:]
		if len(fields) == 0 {
			return nil, errors.Wrapf(ErrInvalidSchedule, "%q has no fields", expr)
		}
	}

	var years []int
	if !strings.HasPrefix(fields[0], "@") {
		switch len(fields) {
		case 5, 6:
		case 7:
			parsed, err := parseYears(fields[6])
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidSchedule, "%q: %v", expr, err)
			}
			years = parsed
			fields = fields[:6]
		default:
			return nil, errors.Wrapf(ErrInvalidSchedule, "%q: expected 5 to 7 fields, found %d", expr, len(fields))
		}
	}

	spec, err := cronParser.Parse(prefix + strings.Join(fields, " "))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSchedule, "%q: %v", expr, err)
	}

	return &Schedule{expr: expr, spec: spec, years: years}, nil
}

// String returns the expression as written
func (s *Schedule) String() string {
	return s.expr
}

// Next returns the earliest fire time strictly after the given time.
// ok is false when the schedule never fires again.
func (s *Schedule) Next(after time.Time) (next time.Time, ok bool) {
	t := after.In(time.UTC)
	for hops := 0; hops <= maxYear-minYear+1; hops++ {
		next = s.spec.Next(t)
		if next.IsZero() {
			return time.Time{}, false
		}
		if s.years == nil || s.allowsYear(next.Year()) {
			return next, true
		}
		year, found := s.nextYear(next.Year())
		if !found {
			return time.Time{}, false
		}
		// restart the search just before the first instant of the next allowed year
		t = time.Date(year, time.January, 1, 0, 0, 0, 0, next.Location()).Add(-time.Nanosecond)
	}
	return time.Time{}, false
}

// Upcoming lists up to n fire times after the given time
func (s *Schedule) Upcoming(after time.Time, n int) []time.Time {
	rtn := make([]time.Time, 0, n)
	t := after
	for i := 0; i < n; i++ {
		next, ok := s.Next(t)
		if !ok {
			break
		}
		rtn = append(rtn, next)
		t = next
	}
	return rtn
}

func (s *Schedule) allowsYear(year int) bool {
	i := sort.SearchInts(s.years, year)
	return i < len(s.years) && s.years[i] == year
}

// nextYear returns the smallest allowed year greater than year
func (s *Schedule) nextYear(year int) (int, bool) {
	i := sort.SearchInts(s.years, year+1)
	if i < len(s.years) {
		return s.years[i], true
	}
	return 0, false
}

// parseYears expands a year field into a sorted list. "*" and "?" mean any year.
func parseYears(field string) ([]int, error) {
	if field == "*" || field == "?" {
		return nil, nil
	}

	set := map[int]struct{}{}
	for _, part := range strings.Split(field, ",") {
		rangePart, step := part, 1
		if i := strings.Index(part, "/"); i >= 0 {
			rangePart = part[:i]
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return nil, errors.Errorf("invalid year step in %q", part)
			}
			step = n
		}

		var from, to int
		switch {
		case rangePart == "*" || rangePart == "?":
			from, to = minYear, maxYear
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			lo, err1 := strconv.Atoi(bounds[0])
			hi, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || lo > hi {
				return nil, errors.Errorf("invalid year range %q", rangePart)
			}
			from, to = lo, hi
		default:
			y, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, errors.Errorf("invalid year %q", rangePart)
			}
			from, to = y, y
			if step > 1 {
				to = maxYear
			}
		}
		if from < minYear || to > maxYear {
			return nil, errors.Errorf("year %q outside %d-%d", rangePart, minYear, maxYear)
		}
		for y := from; y <= to; y += step {
			set[y] = struct{}{}
		}
	}

	years := make([]int, 0, len(set))
	for y := range set {
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}
