package cronsd

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/testc"
	"github.com/sirupsen/logrus"
)

func TestAdvisoryLockExclusive(test *testing.T) {
	if !usingPostgres() {
		test.Skip("advisory locks need CRONSD_DB=postgres")
	}
	t := testc.New(test)
	ctx := context.Background()

	c := testLeaseSetup(test)
	defer testTeardown(c)
	jobName := testJobName("advisory-exclusive")

	t.Given("two instances with advisory lockers")
	a := NewAdvisoryLocker(c.GetDB(), "instance-a")
	b := NewAdvisoryLocker(c.GetDB(), "instance-b")

	t.When("the first takes the job lock")
	lockA, ok, err := a.TryAcquire(ctx, jobName)
	t.NoError(err)
	t.True(ok)

	t.Then("the second cannot take it")
	_, ok, err = b.TryAcquire(ctx, jobName)
	t.NoError(err)
	t.False(ok)

	t.When("the first releases it")
	t.NoError(lockA.Release(ctx))
	t.NoError(lockA.Release(ctx))

	t.Then("the second can take it")
	lockB, ok, err := b.TryAcquire(ctx, jobName)
	t.NoError(err)
	t.True(ok)
	t.NoError(lockB.Release(ctx))
}

func TestAdvisoryLockKeys(test *testing.T) {
	if !usingPostgres() {
		test.Skip("advisory locks need CRONSD_DB=postgres")
	}
	t := testc.New(test)
	ctx := context.Background()

	c := testLeaseSetup(test)
	defer testTeardown(c)

	t.Given("two instances assigning keys for the same jobs")
	keysA := newJobKeys(c.GetDB(), "instance-a")
	keysB := newJobKeys(c.GetDB(), "instance-b")
	first, second := testJobName("keys-first"), testJobName("keys-second")

	t.When("each looks up the keys")
	a1, err := keysA.key(ctx, first)
	t.NoError(err)
	b1, err := keysB.key(ctx, first)
	t.NoError(err)
	a2, err := keysA.key(ctx, second)
	t.NoError(err)

	t.Then("a job gets the same key everywhere and jobs never share a key")
	t.Equal(a1, b1)
	t.NotEqual(a1, a2)
}

func TestLockModeResolve(test *testing.T) {
	t := testc.New(test)

	c := testSetup(logrus.ErrorLevel)
	defer testTeardown(c)

	t.When("the mode is auto")
	mode, err := LockModeAuto.resolve(c.GetDB())
	t.NoError(err)

	t.Then("postgres gets advisory locks and everything else lease locks")
	if usingPostgres() {
		t.Equal(LockModeAdvisory, mode)
	} else {
		t.Equal(LockModeLease, mode)
	}

	t.When("advisory is forced on a dialect without it")
	_, err = LockModeAdvisory.resolve(c.GetDB())

	t.Then("it is rejected")
	if !usingPostgres() {
		t.True(errors.Is(err, ErrUnsupportedLockMode))
	}

	t.When("we parse lock modes")
	parsed, err := ParseLockMode(" Lease ")
	t.NoError(err)
	t.Equal(LockModeLease, parsed)
	parsed, err = ParseLockMode("")
	t.NoError(err)
	t.Equal(LockModeAuto, parsed)
	_, err = ParseLockMode("mutex")
	t.True(errors.Is(err, ErrUnsupportedLockMode))
}

func TestAdvisoryLockPoolExhausted(test *testing.T) {
	if !usingPostgres() {
		test.Skip("advisory locks need CRONSD_DB=postgres")
	}
	t := testc.New(test)
	ctx := context.Background()

	c := testLeaseSetup(test)
	defer testTeardown(c)
	first, second := testJobName("advisory-pool-a"), testJobName("advisory-pool-b")

	t.Given("a pool of one connection and keys already assigned")
	l := NewAdvisoryLocker(c.GetDB(), "instance-a")
	_, err := l.keys.key(ctx, first)
	t.NoError(err)
	_, err = l.keys.key(ctx, second)
	t.NoError(err)
	sqlDB, err := c.GetDB().DB()
	t.NoError(err)
	sqlDB.SetMaxOpenConns(1)

	t.Given("a held lock pinning that connection")
	held, ok, err := l.TryAcquire(ctx, first)
	t.NoError(err)
	t.True(ok)

	t.When("another job tries its lock with a short deadline")
	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, ok, err = l.TryAcquire(short, second)

	t.Then("it gives up at the deadline instead of waiting for the pool")
	t.NotNil(err)
	t.False(ok)
	t.Less(time.Since(started), 2*time.Second)

	t.When("the held lock is released")
	t.NoError(held.Release(ctx))

	t.Then("the connection is back in the pool")
	lock, ok, err := l.TryAcquire(ctx, second)
	t.NoError(err)
	t.True(ok)
	t.NoError(lock.Release(ctx))
}
