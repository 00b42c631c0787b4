package cronsd

import (
	"context"
	"database/sql"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/cronsd/models"
	"github.com/simpleframeworks/logc"
	"gorm.io/gorm"
)

// DefaultHeartbeat is how often an instance records that it is alive
const DefaultHeartbeat = 30 * time.Second

// instance keeps this process's row in cronsd_instances up to date
type instance struct {
	db  *gorm.DB
	log logc.Logger
	now func() time.Time

	mx     sync.Mutex
	record models.Instance

	runsStarted   int64
	runsSucceeded int64
	runsFailed    int64
	lockSkips     int64

	stop chan struct{}
	wait sync.WaitGroup
}

func newInstance(db *gorm.DB, id string, logger logc.Logger) *instance {
	host, _ := os.Hostname()
	return &instance{
		db:  db,
		log: logger,
		now: time.Now,
		record: models.Instance{
			ID:   id,
			Host: host,
		},
	}
}

func (i *instance) setup(mode LockMode, maxConcurrency int64, jobs []string) {
	sorted := append([]string{}, jobs...)
	sort.Strings(sorted)

	i.mx.Lock()
	defer i.mx.Unlock()
	i.record.LockMode = string(mode)
	i.record.MaxConcurrency = int(maxConcurrency)
	i.record.Jobs = strings.Join(sorted, ",")
}

func (i *instance) runStarted()  { atomic.AddInt64(&i.runsStarted, 1) }
func (i *instance) lockSkipped() { atomic.AddInt64(&i.lockSkips, 1) }

func (i *instance) runFinished(outcome Outcome) {
	if outcome.Status == models.StatusSuccess {
		atomic.AddInt64(&i.runsSucceeded, 1)
		return
	}
	atomic.AddInt64(&i.runsFailed, 1)
}

// save writes the record with the current counters
func (i *instance) save(ctx context.Context) error {
	i.mx.Lock()
	defer i.mx.Unlock()

	now := i.now()
	if i.record.StartedAt.IsZero() {
		i.record.StartedAt = now
	}
	i.record.LastSeenAt = now
	i.record.RunsStarted = atomic.LoadInt64(&i.runsStarted)
	i.record.RunsSucceeded = atomic.LoadInt64(&i.runsSucceeded)
	i.record.RunsFailed = atomic.LoadInt64(&i.runsFailed)
	i.record.LockSkips = atomic.LoadInt64(&i.lockSkips)

	tx := i.db.WithContext(ctx).Save(&i.record)
	return errors.Wrapf(tx.Error, "save instance %s", i.record.ID)
}

// startHeartbeat saves the record every interval until stopHeartbeat is called
func (i *instance) startHeartbeat(interval time.Duration) {
	i.stop = make(chan struct{})
	i.wait.Add(1)
	go func() {
		defer i.wait.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-i.stop:
				i.log.Trace("shutdown heartbeat")
				return
			case <-ticker.C:
			}
			if err := i.save(context.Background()); err != nil {
				i.log.WithError(err).Warn("failed to update instance status")
			}
		}
	}()
}

func (i *instance) stopHeartbeat() {
	if i.stop == nil {
		return
	}
	close(i.stop)
	i.wait.Wait()
	i.stop = nil
}

// stopped marks the record as shut down
func (i *instance) stopped(ctx context.Context) error {
	i.mx.Lock()
	i.record.StoppedAt = sql.NullTime{Valid: true, Time: i.now()}
	i.mx.Unlock()
	return i.save(ctx)
}

// snapshot returns a copy of the record as last saved
func (i *instance) snapshot() models.Instance {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.record
}
