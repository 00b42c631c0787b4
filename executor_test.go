//go:build !windows

package cronsd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/simpleframeworks/cronsd/models"
	"github.com/simpleframeworks/testc"
	"github.com/sirupsen/logrus"
)

// recordingStore keeps every state write in memory
type recordingStore struct {
	mx     sync.Mutex
	writes []models.JobState
	rows   map[string]models.JobState
}

func newRecordingStore() *recordingStore {
	return &recordingStore{rows: map[string]models.JobState{}}
}

func (s *recordingStore) UpsertJobState(ctx context.Context, state models.JobState) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	state.UpdatedAt = models.NewTimestamp(time.Now())
	s.writes = append(s.writes, state)
	s.rows[state.Name] = state
	return nil
}

func (s *recordingStore) MarkIdle(ctx context.Context, name string, nextRun time.Time) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	row, ok := s.rows[name]
	if !ok {
		row = models.JobState{Name: name}
	}
	if row.Status != models.StatusRunning {
		row.Status = models.StatusIdle
	}
	row.NextRun = models.NewTimestamp(nextRun)
	s.rows[name] = row
	return nil
}

func (s *recordingStore) JobState(ctx context.Context, name string) (*models.JobState, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	row, ok := s.rows[name]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *recordingStore) JobStates(ctx context.Context) ([]models.JobState, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	rtn := []models.JobState{}
	for _, row := range s.rows {
		rtn = append(rtn, row)
	}
	return rtn, nil
}

// history returns the writes for one job
func (s *recordingStore) history(name string) []models.JobState {
	s.mx.Lock()
	defer s.mx.Unlock()
	rtn := []models.JobState{}
	for _, w := range s.writes {
		if w.Name == name {
			rtn = append(rtn, w)
		}
	}
	return rtn
}

func statusesOf(writes []models.JobState) []string {
	rtn := []string{}
	for _, w := range writes {
		rtn = append(rtn, fmt.Sprintf("%s/%d", w.Status, w.Attempts))
	}
	return rtn
}

func testExecutor() (*Executor, *recordingStore, *Metrics) {
	store := newRecordingStore()
	metrics := NewMetrics()
	return NewExecutor(store, metrics, testSetupLogging(logrus.ErrorLevel)), store, metrics
}

func TestExecutorSuccessFirstAttempt(test *testing.T) {
	t := testc.New(test)

	t.Given("a job that succeeds and may retry twice")
	e, store, metrics := testExecutor()
	job := testMustJob("ok", "* * * * *", "echo hello", 2, 5)

	t.When("we execute it")
	outcome := e.Execute(context.Background(), job)

	t.Then("it succeeds on the first attempt")
	t.Equal(models.StatusSuccess, outcome.Status)
	t.Equal(uint(1), outcome.Attempts)
	t.Nil(outcome.LastError)

	t.Then("the state went running then success")
	t.Equal([]string{"running/0", "success/1"}, statusesOf(store.history("ok")))
	final := store.history("ok")[1]
	t.False(final.LastError.Valid)
	t.True(final.LastRun.Valid)
	t.True(final.NextRun.Valid)

	t.Then("one execution, no failures and one duration are reported")
	t.Equal(float64(1), testutil.ToFloat64(metrics.Executions.WithLabelValues("ok")))
	t.Equal(float64(0), testutil.ToFloat64(metrics.Failures.WithLabelValues("ok")))
	t.Equal(1, testutil.CollectAndCount(metrics.Duration))
	t.Equal(float64(0), testutil.ToFloat64(metrics.Running))
}

func TestExecutorRetriesExhausted(test *testing.T) {
	t := testc.New(test)

	t.Given("a job that always exits 3 and may retry twice")
	e, store, metrics := testExecutor()
	job := testMustJob("bad", "* * * * *", "exit 3", 2, 5)

	t.When("we execute it")
	outcome := e.Execute(context.Background(), job)

	t.Then("it fails after three attempts")
	t.Equal(models.StatusFailed, outcome.Status)
	t.Equal(uint(3), outcome.Attempts)
	t.NotNil(outcome.LastError)
	if outcome.LastError != nil {
		t.Equal("retries exhausted", *outcome.LastError)
	}

	t.Then("every attempt was recorded with its error")
	writes := store.history("bad")
	t.Equal([]string{"running/0", "running/1", "running/2", "running/3", "failed/3"}, statusesOf(writes))
	t.Equal("command failed: exit status 3", writes[1].LastError.String)
	t.Equal("command failed: exit status 3", writes[2].LastError.String)
	t.Equal("command failed: exit status 3", writes[3].LastError.String)
	t.Equal("retries exhausted", writes[4].LastError.String)

	t.Then("attempts never exceed retries plus one")
	for _, w := range writes {
		t.LessOrEqual(w.Attempts, job.MaxAttempts())
	}

	t.Then("three failures and no duration are reported")
	t.Equal(float64(1), testutil.ToFloat64(metrics.Executions.WithLabelValues("bad")))
	t.Equal(float64(3), testutil.ToFloat64(metrics.Failures.WithLabelValues("bad")))
	t.Equal(0, testutil.CollectAndCount(metrics.Duration))
	t.Equal(float64(0), testutil.ToFloat64(metrics.Running))
}

func TestExecutorRetryThenSuccess(test *testing.T) {
	t := testc.New(test)

	t.Given("a job that fails once then succeeds")
	e, store, _ := testExecutor()
	counter := filepath.Join(test.TempDir(), "count")
	cmd := fmt.Sprintf(`n=$(cat %[1]s 2>/dev/null || echo 0); n=$((n+1)); echo $n > %[1]s; [ $n -ge 2 ]`, counter)
	job := testMustJob("flaky", "* * * * *", cmd, 3, 5)

	t.When("we execute it")
	outcome := e.Execute(context.Background(), job)

	t.Then("it succeeds on the second attempt without using the rest")
	t.Equal(models.StatusSuccess, outcome.Status)
	t.Equal(uint(2), outcome.Attempts)
	t.Equal([]string{"running/0", "running/1", "success/2"}, statusesOf(store.history("flaky")))
}

func TestExecutorTimeoutKillsProcessGroup(test *testing.T) {
	t := testc.New(test)

	t.Given("a job that starts a background child and outlives its 1s timeout")
	e, store, metrics := testExecutor()
	pidFile := filepath.Join(test.TempDir(), "pid")
	cmd := fmt.Sprintf(`sleep 30 & echo $! > %s; wait`, pidFile)
	job := testMustJob("slow", "* * * * *", cmd, 0, 1)

	t.When("we execute it")
	started := time.Now()
	outcome := e.Execute(context.Background(), job)

	t.Then("it fails soon after the timeout")
	t.Less(time.Since(started), 5*time.Second)
	t.Equal(models.StatusFailed, outcome.Status)
	t.Equal(uint(1), outcome.Attempts)

	t.Then("the timeout was recorded before the final failure")
	writes := store.history("slow")
	t.Equal([]string{"running/0", "running/1", "failed/1"}, statusesOf(writes))
	t.Equal("command timed out after 1s", writes[1].LastError.String)
	t.Equal("retries exhausted", writes[2].LastError.String)
	t.Equal(float64(1), testutil.ToFloat64(metrics.Failures.WithLabelValues("slow")))

	t.Then("the background child was killed too")
	raw, err := os.ReadFile(pidFile)
	t.NoError(err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	t.NoError(err)
	t.Eventually(func() bool { return !processAlive(pid) }, 2*time.Second, 50*time.Millisecond)
}

func TestExecutorTimeoutError(test *testing.T) {
	t := testc.New(test)

	t.Given("a job that times out and may retry once")
	e, store, _ := testExecutor()
	job := testMustJob("sleepy", "* * * * *", "sleep 10", 1, 1)

	t.When("we execute it")
	outcome := e.Execute(context.Background(), job)

	t.Then("both attempts are recorded as timed out")
	t.Equal(models.StatusFailed, outcome.Status)
	t.Equal(uint(2), outcome.Attempts)
	writes := store.history("sleepy")
	t.Equal([]string{"running/0", "running/1", "running/2", "failed/2"}, statusesOf(writes))
	t.Equal("command timed out after 1s", writes[1].LastError.String)
	t.Equal("command timed out after 1s", writes[2].LastError.String)
}

func TestExecutorCancelled(test *testing.T) {
	t := testc.New(test)

	t.Given("a long job with retries left")
	e, store, _ := testExecutor()
	job := testMustJob("stopped", "* * * * *", "sleep 30", 3, 0)

	t.When("the execution is cancelled while it runs")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-time.After(200 * time.Millisecond)
		cancel()
	}()
	started := time.Now()
	outcome := e.Execute(ctx, job)

	t.Then("it stops at once without retrying")
	t.Less(time.Since(started), 5*time.Second)
	t.Equal(models.StatusFailed, outcome.Status)
	t.Equal(uint(1), outcome.Attempts)
	t.NotNil(outcome.LastError)
	if outcome.LastError != nil {
		t.Equal("execution cancelled", *outcome.LastError)
	}
	t.Equal([]string{"running/0", "running/1", "failed/1"}, statusesOf(store.history("stopped")))
}

func TestTailBuffer(test *testing.T) {
	t := testc.New(test)

	b := newTailBuffer(8)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	t.Equal("lo world", b.String())

	b.Write([]byte("0123456789"))
	t.Equal("23456789", b.String())
}

// processAlive reports whether pid exists and is not a zombie
func processAlive(pid int) bool {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// the state follows the parenthesised command name
	stat := string(raw)
	i := strings.LastIndex(stat, ")")
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] != 'Z'
}
