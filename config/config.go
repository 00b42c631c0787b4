// Package config loads the cronsd job file
package config

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/cronsd"
	"gopkg.in/yaml.v3"
)

// Supported database drivers
const (
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLServer = "sqlserver"
)

// Defaults applied to fields left out of the file
const (
	DefaultDriver      = DriverSQLite
	DefaultDSN         = "cronsd.db"
	DefaultMetricsAddr = ":3000"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as a Go duration string, e.g. "90s"
type Duration time.Duration

// UnmarshalYAML .
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*d = Duration(parsed)
	return nil
}

// Database selects the backing store
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Job is one job entry of the file
type Job struct {
	Name           string `yaml:"name"`
	Schedule       string `yaml:"schedule"`
	Command        string `yaml:"command"`
	Retries        uint   `yaml:"retries"`
	TimeoutSeconds uint   `yaml:"timeout_seconds"`
}

// Config is the whole job file
type Config struct {
	MaxConcurrency int64    `yaml:"max_concurrency"`
	LockMode       string   `yaml:"lock_mode"`
	Lease          Duration `yaml:"lease"`
	GracePeriod    Duration `yaml:"grace_period"`
	Heartbeat      Duration `yaml:"heartbeat"`
	Database       Database `yaml:"database"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	Jobs           []Job    `yaml:"jobs"`

	jobDefs  []cronsd.JobDef
	lockMode cronsd.LockMode
}

// Load reads and validates the file at path
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Read decodes the file at path without validating it, so settings can be overridden first
func Read(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse reads and validates a job file. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads a job file without validating it. Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return cfg, nil
}

// Validate fills in defaults and checks the settings and every job
func (c *Config) Validate() error {
	c.defaults()
	return c.validate()
}

func (c *Config) defaults() {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = cronsd.DefaultMaxConcurrency
	}
	if c.Lease == 0 {
		c.Lease = Duration(cronsd.DefaultLease)
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = Duration(cronsd.DefaultGracePeriod)
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = Duration(cronsd.DefaultHeartbeat)
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.DSN == "" && c.Database.Driver == DriverSQLite {
		c.Database.DSN = DefaultDSN
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
}

func (c *Config) validate() error {
	if c.MaxConcurrency < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.Lease < 0 || c.GracePeriod < 0 || c.Heartbeat < 0 {
		return errors.Wrap(ErrInvalidConfig, "durations must not be negative")
	}

	mode, err := cronsd.ParseLockMode(c.LockMode)
	if err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if mode == cronsd.LockModeAdvisory && c.Database.Driver != DriverPostgres {
		return errors.Wrapf(ErrInvalidConfig, "lock_mode advisory needs the postgres driver, not %s", c.Database.Driver)
	}
	c.lockMode = mode

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres, DriverMySQL, DriverSQLServer:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.Wrapf(ErrInvalidConfig, "database dsn is required for %s", c.Database.Driver)
	}

	if len(c.Jobs) == 0 {
		return errors.Wrap(ErrInvalidConfig, "no jobs defined")
	}

	seen := map[string]struct{}{}
	defs := make([]cronsd.JobDef, 0, len(c.Jobs))
	for i, job := range c.Jobs {
		def, err := cronsd.NewJob(job.Name, job.Schedule, job.Command, job.Retries, job.TimeoutSeconds)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "jobs[%d]: %s", i, err.Error())
		}
		if _, dup := seen[def.Name]; dup {
			return errors.Wrapf(ErrInvalidConfig, "jobs[%d]: %s: %q", i, cronsd.ErrDuplicateJob.Error(), def.Name)
		}
		seen[def.Name] = struct{}{}
		defs = append(defs, def)
	}
	c.jobDefs = defs
	return nil
}

// JobDefs returns the parsed jobs in file order
func (c *Config) JobDefs() []cronsd.JobDef {
	return append([]cronsd.JobDef{}, c.jobDefs...)
}

// Mode returns the parsed lock mode
func (c *Config) Mode() cronsd.LockMode {
	return c.lockMode
}

// Apply copies the service settings onto a CronsD and registers the jobs
func (c *Config) Apply(service *cronsd.CronsD) error {
	service.
		MaxConcurrency(c.MaxConcurrency).
		LockMode(c.lockMode).
		LeaseDuration(time.Duration(c.Lease)).
		GracePeriod(time.Duration(c.GracePeriod)).
		HeartbeatInterval(time.Duration(c.Heartbeat))

	for _, job := range c.jobDefs {
		if err := service.RegisterJob(job); err != nil {
			return err
		}
	}
	return nil
}
