package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/models"
	"xthreadcraft/internal/poststore"
)

func TestScheduledDeletionExecutesWhenDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.schedule(t, "42", time.Hour)

	list, err := f.svc.ListScheduledDeletions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusPending, list[0].Status)
	assert.Equal(t, "post 42", list[0].PostText)

	// nothing is due yet
	report := f.tick(t)
	assert.Zero(t, report.Dispatched)
	assert.Zero(t, f.store.DeleteCalls("42"))

	before := testutil.ToFloat64(deletionsTotal.WithLabelValues(pathScheduled, string(OutcomeSuccess)))
	f.clock.Advance(time.Hour + time.Second)
	report = f.tick(t)
	assert.Equal(t, 1, report.Succeeded)
	assert.InDelta(t, before+1, testutil.ToFloat64(deletionsTotal.WithLabelValues(pathScheduled, string(OutcomeSuccess))), 0.0001)

	got := f.get(t, d.ID)
	assert.Equal(t, models.StatusExecuted, got.Status)
	assert.Equal(t, int64(1), f.historyCount(t, "42"))

	history, total, err := f.svc.ListDeletedHistory(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, history, 1)
	assert.Equal(t, "post 42", history[0].PostText)
	assert.True(t, history[0].Metrics.Known())
}

func TestCancelledDeletionIsNeverAttempted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.schedule(t, "43", time.Hour)
	ok, err := f.svc.CancelScheduledDeletion(ctx, "u1", d.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock.Advance(2 * time.Hour)
	report := f.tick(t)
	assert.Zero(t, report.Due)
	assert.Zero(t, f.store.DeleteCalls("43"))
	assert.Equal(t, models.StatusCancelled, f.get(t, d.ID).Status)
}

func TestRateLimitedDeletionRetriesOnLaterTick(t *testing.T) {
	f := newFixture(t)

	d := f.schedule(t, "44", time.Minute)
	f.store.ScriptDelete("44", &poststore.RateLimitError{})

	f.clock.Advance(2 * time.Minute)
	report := f.tick(t)
	assert.Equal(t, 1, report.Retried)

	got := f.get(t, d.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextAttemptAt)
	assert.Zero(t, f.historyCount(t, "44"))

	// still backing off
	report = f.tick(t)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, f.store.DeleteCalls("44"))

	f.clock.Advance(time.Minute)
	report = f.tick(t)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, models.StatusExecuted, f.get(t, d.ID).Status)
	assert.Equal(t, int64(1), f.historyCount(t, "44"))
	assert.Equal(t, 2, f.store.DeleteCalls("44"))
}

func TestCancelRacingClaimHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		postID := fmt.Sprintf("race-%d", i)
		d := f.schedule(t, postID, time.Minute)
		f.clock.Advance(2 * time.Minute)

		var (
			wg        sync.WaitGroup
			cancelErr error
			execErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = f.svc.CancelScheduledDeletion(ctx, "u1", d.ID)
		}()
		go func() {
			defer wg.Done()
			_, execErr = f.exec.Execute(ctx, d)
		}()
		wg.Wait()

		cancelled := cancelErr == nil
		claimed := !errors.Is(execErr, models.ErrConflict)
		assert.True(t, cancelled != claimed, "post %s: cancel=%v exec=%v", postID, cancelErr, execErr)

		got := f.get(t, d.ID)
		if cancelled {
			assert.Equal(t, models.StatusCancelled, got.Status)
			assert.Zero(t, f.store.DeleteCalls(postID))
		} else {
			assert.True(t, errors.Is(cancelErr, models.ErrAlreadyExecuting) || errors.Is(cancelErr, models.ErrConflict), "%v", cancelErr)
			assert.Equal(t, models.StatusExecuted, got.Status)
			assert.Equal(t, 1, f.store.DeleteCalls(postID))
		}
	}
}

func TestAlreadyGonePostCountsAsExecuted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// the post is not on the platform, so the text must be given
	d, err := f.svc.ScheduleDeletion(ctx, "u1", "45", baseTime.Add(time.Minute).Format(time.RFC3339), "gone already")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	report := f.tick(t)
	assert.Equal(t, 1, report.AlreadyGone)
	assert.Equal(t, models.StatusExecuted, f.get(t, d.ID).Status)
	assert.Equal(t, int64(1), f.historyCount(t, "45"))
	assert.Zero(t, f.store.Successes("45"))
}

func TestConcurrentTicksExecuteOnce(t *testing.T) {
	f := newFixture(t)
	f.store.SetDelay(20 * time.Millisecond)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, f.schedule(t, fmt.Sprintf("p%d", i), time.Minute).ID)
	}
	f.clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sched.RunOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i, id := range ids {
		postID := fmt.Sprintf("p%d", i)
		assert.Equal(t, 1, f.store.Successes(postID), postID)
		assert.Equal(t, 1, f.store.DeleteCalls(postID), postID)
		assert.Equal(t, models.StatusExecuted, f.get(t, id).Status)
		assert.Equal(t, int64(1), f.historyCount(t, postID))
	}
}

func TestExpiredLeaseIsRedispatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.schedule(t, "42", time.Minute)
	f.clock.Advance(2 * time.Minute)

	// an executor that claimed and then died
	_, err := f.repos.Deletions.Claim(ctx, d.ID, "dead", f.clock.Now(), f.clock.Now().Add(time.Minute))
	require.NoError(t, err)

	report := f.tick(t)
	assert.Zero(t, report.Dispatched)

	f.clock.Advance(2 * time.Minute)
	report = f.tick(t)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, models.StatusExecuted, f.get(t, d.ID).Status)
}

func TestRateLimitedOwnerIsCooledDown(t *testing.T) {
	f := newFixture(t)

	a := f.schedule(t, "a", time.Minute)
	b := f.schedule(t, "b", 2*time.Minute)
	f.store.ScriptDelete("a", &poststore.RateLimitError{RetryAt: baseTime.Add(10 * time.Minute)})

	f.clock.Advance(90 * time.Second)
	report := f.tick(t)
	assert.Equal(t, 1, report.Retried)

	f.clock.Advance(90 * time.Second)
	report = f.tick(t)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, f.store.DeleteCalls("b"))

	f.clock.Advance(10 * time.Minute)
	report = f.tick(t)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, models.StatusExecuted, f.get(t, a.ID).Status)
	assert.Equal(t, models.StatusExecuted, f.get(t, b.ID).Status)
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	f := newFixture(t, func(c *config.SchedulerConfig) { c.Interval = 10 * time.Millisecond })
	f.schedule(t, "42", time.Minute)
	f.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.store.Successes("42") == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestBackedOffOwnerDoesNotStarveOthers(t *testing.T) {
	f := newFixture(t, func(c *config.SchedulerConfig) { c.BatchSize = 2 })
	ctx := context.Background()

	a := f.schedule(t, "a", time.Minute)
	b := f.schedule(t, "b", 2*time.Minute)
	f.store.ScriptDelete("a", &poststore.RateLimitError{RetryAt: baseTime.Add(5 * time.Hour)})
	f.store.ScriptDelete("b", &poststore.RateLimitError{RetryAt: baseTime.Add(5 * time.Hour)})

	f.store.AddPost(poststore.Post{ID: "c", Text: "post c"})
	c, err := f.svc.ScheduleDeletion(ctx, "u2", "c", baseTime.Add(3*time.Minute).Format(time.RFC3339), "")
	require.NoError(t, err)

	f.clock.Advance(150 * time.Second)
	report := f.tick(t)
	assert.Equal(t, 2, report.Retried)

	f.clock.Advance(30 * time.Minute)
	report = f.tick(t)
	assert.Equal(t, 3, report.Due)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, f.store.DeleteCalls("c"))
	assert.Equal(t, models.StatusExecuted, f.get(t, c.ID).Status)

	for i := 0; i < 4; i++ {
		f.clock.Advance(30 * time.Minute)
		report = f.tick(t)
		assert.Zero(t, report.Dispatched)
	}
	assert.Equal(t, 1, f.store.DeleteCalls("a"))
	assert.Equal(t, 1, f.store.DeleteCalls("b"))
	assert.Equal(t, models.StatusPending, f.get(t, a.ID).Status)
	assert.Equal(t, models.StatusPending, f.get(t, b.ID).Status)
}

func TestStaleSnapshotCannotClaimBackedOffRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.schedule(t, "42", time.Minute)
	f.store.ScriptDelete("42", &poststore.RateLimitError{RetryAt: baseTime.Add(time.Hour)})
	f.clock.Advance(2 * time.Minute)

	// a second scheduler read the row before the first attempt finished
	snapshot := *f.get(t, d.ID)

	outcome, err := f.exec.Execute(ctx, d)
	assert.Equal(t, OutcomeRetryable, outcome)
	assert.True(t, errors.Is(err, models.ErrRetryableExternal))

	_, err = f.exec.Execute(ctx, &snapshot)
	assert.True(t, errors.Is(err, ErrNotClaimed))
	assert.True(t, errors.Is(err, models.ErrConflict))
	assert.Equal(t, 1, f.store.DeleteCalls("42"))
	assert.Equal(t, 1, f.get(t, d.ID).Attempts)
}
