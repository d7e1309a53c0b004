package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/models"
	"xthreadcraft/internal/poststore"
	"xthreadcraft/internal/poststore/poststoretest"
	"xthreadcraft/internal/storage/storagetest"
)

var baseTime = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repos *Repositories
	store *poststoretest.Fake
	exec  *Executor
	sched *Scheduler
	svc   *DeletionService
	clock *testClock
}

func newFixture(t *testing.T, tweak ...func(*config.SchedulerConfig)) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil, tweak...)
}

// newFixtureWithStore wires the services to wrap(fake), or to the fake itself when wrap is nil.
func newFixtureWithStore(t *testing.T, wrap func(*poststoretest.Fake) poststore.Store, tweak ...func(*config.SchedulerConfig)) *fixture {
	t.Helper()
	cfg := config.Default().Scheduler
	for _, fn := range tweak {
		fn(&cfg)
	}

	fake := poststoretest.New()
	var store poststore.Store = fake
	if wrap != nil {
		store = wrap(fake)
	}
	repos := NewRepositories(storagetest.NewDB(t))
	clock := &testClock{now: baseTime}

	exec := NewExecutor(repos, store, cfg)
	exec.now = clock.Now
	sched := NewScheduler(repos, exec, cfg)
	sched.now = clock.Now
	svc := NewDeletionService(repos, store, exec, cfg)
	svc.now = clock.Now

	return &fixture{repos: repos, store: fake, exec: exec, sched: sched, svc: svc, clock: clock}
}

func (f *fixture) schedule(t *testing.T, postID string, in time.Duration) *models.ScheduledDeletion {
	t.Helper()
	f.store.AddPost(poststore.Post{ID: postID, Text: "post " + postID})
	d, err := f.svc.ScheduleDeletion(context.Background(), "u1", postID, f.clock.Now().Add(in).Format(time.RFC3339), "")
	require.NoError(t, err)
	return d
}

func (f *fixture) get(t *testing.T, id string) *models.ScheduledDeletion {
	t.Helper()
	d, err := f.repos.Deletions.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f *fixture) tick(t *testing.T) TickReport {
	t.Helper()
	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	return report
}

func (f *fixture) historyCount(t *testing.T, postID string) int64 {
	t.Helper()
	n, err := f.repos.History.CountByPost(context.Background(), postID)
	require.NoError(t, err)
	return n
}
