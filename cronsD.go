package cronsd

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/simpleframeworks/cronsd/models"
	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Defaults used by New
const (
	DefaultMaxConcurrency = 4
	DefaultLockTimeout    = 5 * time.Second
	DefaultGracePeriod    = 30 * time.Second
)

// CronsD runs registered jobs on their cron schedules.
// Any number of instances can share one database; each fire runs on at most one of them.
type CronsD struct {
	log     logc.Logger
	db      *gorm.DB
	started bool

	id             string
	jobs           []JobDef
	jobNames       map[string]struct{}
	maxConcurrency int64
	lease          time.Duration
	lockMode       LockMode
	lockTimeout    time.Duration
	gracePeriod    time.Duration
	killWait       time.Duration
	heartbeat      time.Duration
	shell          []string
	dbMigrate      bool

	store    StateStore
	metrics  *Metrics
	locker   Locker
	limiter  *Limiter
	executor *Executor
	inflight *inflight
	instance *instance
	now      func() time.Time

	loopCtx        context.Context
	loopCancelFunc context.CancelFunc
	loopWait       sync.WaitGroup
	execCtx        context.Context
	execCancelFunc context.CancelFunc
}

// RegisterJob adds a job to run once the service is up
func (c *CronsD) RegisterJob(job JobDef) error {
	if c.started {
		return ErrAlreadyUp
	}
	if job.Name == "" || job.Schedule == nil || job.Command == "" {
		return errors.Wrapf(ErrInvalidJob, "job %q is incomplete, use NewJob", job.Name)
	}
	if _, exists := c.jobNames[job.Name]; exists {
		return errors.Wrapf(ErrDuplicateJob, "%q", job.Name)
	}

	if c.lockMode != LockModeAdvisory {
		if worst := job.worstCase(); worst > c.lease {
			job.logger(c.log).WithFields(logrus.Fields{
				"WorstCase": worst.String(),
				"Lease":     c.lease.String(),
			}).Warn("job can outlive its lease lock, another instance may start it while it runs")
		}
	}

	c.jobNames[job.Name] = struct{}{}
	c.jobs = append(c.jobs, job)
	return nil
}

// Jobs returns the registered jobs
func (c *CronsD) Jobs() []JobDef {
	return append([]JobDef{}, c.jobs...)
}

// Up starts the CronsD service instance
func (c *CronsD) Up() error {
	if c.started {
		c.log.Warn("the service is already up")
		return ErrAlreadyUp
	}

	c.log.Debug("bringing up the service - started")

	if c.dbMigrate {
		if err := c.db.AutoMigrate(models.All()...); err != nil {
			return errors.Wrap(err, "migrate cronsd tables")
		}
	}

	mode, err := c.lockMode.resolve(c.db)
	if err != nil {
		return err
	}
	if c.locker == nil {
		switch mode {
		case LockModeAdvisory:
			c.locker = NewAdvisoryLocker(c.db, c.id)
		default:
			c.locker = NewLeaseLocker(c.db, c.id, c.lease)
		}
	}
	if c.store == nil {
		c.store = NewGormStateStore(c.db)
	}

	c.log = c.log.WithField("Instance.ID", c.id)
	c.limiter = NewLimiter(c.maxConcurrency)
	c.executor = NewExecutor(c.store, c.metrics, c.log).Shell(c.shell...).KillWait(c.killWait)
	c.inflight = newInflight()

	names := make([]string, 0, len(c.jobs))
	for _, job := range c.jobs {
		names = append(names, job.Name)
	}
	c.instance = newInstance(c.db, c.id, c.log)
	c.instance.setup(mode, c.maxConcurrency, names)
	if err := c.instance.save(context.Background()); err != nil {
		return err
	}

	c.started = true
	c.loopCtx, c.loopCancelFunc = context.WithCancel(context.Background())
	c.execCtx, c.execCancelFunc = context.WithCancel(context.Background())
	c.loopWait = sync.WaitGroup{}

	for _, job := range c.jobs {
		c.loopWait.Add(1)
		go c.jobLoop(job)
	}
	c.instance.startHeartbeat(c.heartbeat)

	c.log.WithFields(logrus.Fields{
		"LockMode":       string(mode),
		"MaxConcurrency": c.maxConcurrency,
		"Jobs":           len(c.jobs),
	}).Info("service is up")
	c.log.Debug("bringing up the service - completed")
	return nil
}

// Down shuts down the CronsD service instance.
// Running executions get the grace period to finish, then they are killed.
func (c *CronsD) Down() error {
	if !c.started {
		return nil
	}

	c.log.Debug("shutting down the service - started")

	c.loopCancelFunc()
	c.loopWait.Wait()

	if !c.inflight.wait(c.gracePeriod) {
		c.log.WithField("Running", c.inflight.count()).Warn("grace period over, killing running jobs")
		c.execCancelFunc()
		if !c.inflight.wait(c.killWait) {
			c.log.WithField("Running", c.inflight.count()).Error("jobs still running after kill")
		}
	}
	c.execCancelFunc()

	c.instance.stopHeartbeat()
	c.started = false

	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()
	err := c.instance.stopped(ctx)

	c.log.Debug("shutting down the service - completed")
	return err
}

// JobState returns the stored state of a job, nil if it has none
func (c *CronsD) JobState(ctx context.Context, name string) (*models.JobState, error) {
	return c.stateStore().JobState(ctx, name)
}

// JobStates returns the stored state of every job
func (c *CronsD) JobStates(ctx context.Context) ([]models.JobState, error) {
	return c.stateStore().JobStates(ctx)
}

func (c *CronsD) stateStore() StateStore {
	if c.store == nil {
		return NewGormStateStore(c.db)
	}
	return c.store
}

// Running is the number of executions in progress in this instance
func (c *CronsD) Running() int {
	if c.inflight == nil {
		return 0
	}
	return c.inflight.count()
}

// InstanceRecord returns the last saved record of this instance
func (c *CronsD) InstanceRecord() models.Instance {
	if c.instance == nil {
		return models.Instance{ID: c.id}
	}
	return c.instance.snapshot()
}

// GetID returns the instance id used as the lock owner
func (c *CronsD) GetID() string {
	return c.id
}

// GetDB returns the db
func (c *CronsD) GetDB() *gorm.DB {
	return c.db
}

// GetLogger returns the logger
func (c *CronsD) GetLogger() logc.Logger {
	return c.log
}

// GetMetrics returns the metrics the service reports to
func (c *CronsD) GetMetrics() *Metrics {
	return c.metrics
}

// MaxConcurrency sets how many commands may run at once in this instance
func (c *CronsD) MaxConcurrency(max int64) *CronsD {
	if !c.started && max > 0 {
		c.maxConcurrency = max
	}
	return c
}

// LeaseDuration sets the lease lock length
func (c *CronsD) LeaseDuration(lease time.Duration) *CronsD {
	if !c.started && lease > 0 {
		c.lease = lease
	}
	return c
}

// LockMode sets how job locks are taken
func (c *CronsD) LockMode(mode LockMode) *CronsD {
	if !c.started {
		c.lockMode = mode
	}
	return c
}

// Locker replaces the lock implementation picked by the lock mode
func (c *CronsD) Locker(locker Locker) *CronsD {
	if !c.started {
		c.locker = locker
	}
	return c
}

// LockTimeout bounds a single lock attempt
func (c *CronsD) LockTimeout(timeout time.Duration) *CronsD {
	if !c.started && timeout > 0 {
		c.lockTimeout = timeout
	}
	return c
}

// GracePeriod sets how long Down waits for running jobs before killing them
func (c *CronsD) GracePeriod(grace time.Duration) *CronsD {
	if !c.started && grace >= 0 {
		c.gracePeriod = grace
	}
	return c
}

// KillWait sets how long Down waits for killed jobs
func (c *CronsD) KillWait(wait time.Duration) *CronsD {
	if !c.started && wait > 0 {
		c.killWait = wait
	}
	return c
}

// HeartbeatInterval sets how often the instance record is refreshed
func (c *CronsD) HeartbeatInterval(interval time.Duration) *CronsD {
	if !c.started && interval > 0 {
		c.heartbeat = interval
	}
	return c
}

// Shell sets the interpreter commands run with, e.g. "bash", "-c"
func (c *CronsD) Shell(shell ...string) *CronsD {
	if !c.started && len(shell) > 0 {
		c.shell = shell
	}
	return c
}

// InstanceID overrides the generated instance id
func (c *CronsD) InstanceID(id string) *CronsD {
	if !c.started && id != "" {
		c.id = id
	}
	return c
}

// StateStore replaces the database backed state store
func (c *CronsD) StateStore(store StateStore) *CronsD {
	if !c.started {
		c.store = store
	}
	return c
}

// Metrics replaces the metrics the service reports to
func (c *CronsD) Metrics(metrics *Metrics) *CronsD {
	if !c.started && metrics != nil {
		c.metrics = metrics
	}
	return c
}

// Migration turns auto-migration of the cronsd tables on or off
func (c *CronsD) Migration(migrate bool) *CronsD {
	if !c.started {
		c.dbMigrate = migrate
	}
	return c
}

// Logger sets the logger
func (c *CronsD) Logger(logger logc.Logger) *CronsD {
	if !c.started {
		c.log = logger.WithFields(logrus.Fields{
			"Service": "CronsD",
		})
	}
	return c
}

// New .
func New(db *gorm.DB) *CronsD {
	rtn := &CronsD{
		db:             db,
		id:             uuid.NewString(),
		jobNames:       map[string]struct{}{},
		maxConcurrency: DefaultMaxConcurrency,
		lease:          DefaultLease,
		lockMode:       LockModeAuto,
		lockTimeout:    DefaultLockTimeout,
		gracePeriod:    DefaultGracePeriod,
		killWait:       DefaultKillWait,
		heartbeat:      DefaultHeartbeat,
		shell:          defaultShell,
		dbMigrate:      true,
		metrics:        NewMetrics(),
		now:            time.Now,
	}

	rtn.Logger(logc.NewLogrus(logrus.New()))

	return rtn
}
