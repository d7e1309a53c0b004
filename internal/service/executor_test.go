package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/models"
	"xthreadcraft/internal/poststore"
	"xthreadcraft/internal/poststore/poststoretest"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err     error
		outcome Outcome
		wrapped error
	}{
		{nil, OutcomeSuccess, nil},
		{poststore.ErrPostNotFound, OutcomeAlreadyGone, nil},
		{fmt.Errorf("%w: gone", poststore.ErrPostNotFound), OutcomeAlreadyGone, nil},
		{&poststore.RateLimitError{}, OutcomeRetryable, models.ErrRetryableExternal},
		{poststore.ErrTransient, OutcomeRetryable, models.ErrRetryableExternal},
		{context.DeadlineExceeded, OutcomeRetryable, models.ErrRetryableExternal},
		{errors.New("something odd"), OutcomeRetryable, models.ErrRetryableExternal},
		{poststore.ErrUnauthorized, OutcomeFatal, models.ErrFatalExternal},
		{poststore.ErrRejected, OutcomeFatal, models.ErrFatalExternal},
	}
	for _, tc := range cases {
		outcome, err := classify(tc.err)
		assert.Equal(t, tc.outcome, outcome, "%v", tc.err)
		if tc.wrapped == nil {
			assert.NoError(t, err)
			continue
		}
		assert.True(t, errors.Is(err, tc.wrapped), "%v", tc.err)
		// the raw store error does not escape the executor
		assert.False(t, errors.Is(err, tc.err), "%v", tc.err)
	}
}

func TestNextAttemptBackoff(t *testing.T) {
	e := &Executor{cfg: config.SchedulerConfig{BackoffBase: 30 * time.Second, BackoffMax: 30 * time.Minute}}

	assert.Equal(t, baseTime.Add(30*time.Second), e.nextAttempt(1, baseTime, poststore.ErrTransient))
	assert.Equal(t, baseTime.Add(time.Minute), e.nextAttempt(2, baseTime, poststore.ErrTransient))
	assert.Equal(t, baseTime.Add(2*time.Minute), e.nextAttempt(3, baseTime, poststore.ErrTransient))
	assert.Equal(t, baseTime.Add(30*time.Minute), e.nextAttempt(12, baseTime, poststore.ErrTransient))
	assert.Equal(t, baseTime.Add(30*time.Minute), e.nextAttempt(200, baseTime, poststore.ErrTransient))

	reset := baseTime.Add(15 * time.Minute)
	assert.Equal(t, reset, e.nextAttempt(1, baseTime, &poststore.RateLimitError{RetryAt: reset}))
	// an earlier reset never shortens the backoff
	assert.Equal(t, baseTime.Add(2*time.Minute), e.nextAttempt(3, baseTime, &poststore.RateLimitError{RetryAt: baseTime.Add(time.Second)}))
}

func TestFatalErrorMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.schedule(t, "42", time.Minute)
	f.store.ScriptDelete("42", fmt.Errorf("%w: token revoked", poststore.ErrUnauthorized))
	f.clock.Advance(2 * time.Minute)

	outcome, err := f.exec.Execute(ctx, d)
	assert.Equal(t, OutcomeFatal, outcome)
	assert.True(t, errors.Is(err, models.ErrFatalExternal))

	got := f.get(t, d.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "token revoked")
	assert.Nil(t, got.ClaimToken)
	assert.Zero(t, f.historyCount(t, "42"))

	// failures are visible in the listing
	failed, err := f.svc.ListScheduledDeletions(ctx, "u1", models.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// and terminal
	report := f.tick(t)
	assert.Zero(t, report.Due)
	_, err = f.exec.Execute(ctx, got)
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestRetriesExhaustAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(c *config.SchedulerConfig) { c.MaxAttempts = 2 })

	d := f.schedule(t, "42", time.Minute)
	f.store.ScriptDelete("42", poststore.ErrTransient, poststore.ErrTransient)

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.tick(t).Retried)
	assert.Equal(t, models.StatusPending, f.get(t, d.ID).Status)

	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.tick(t).Failed)
	got := f.get(t, d.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Contains(t, got.LastError, "gave up after 2 attempts")
}

func TestRetriesExhaustAfterMaxAge(t *testing.T) {
	f := newFixture(t, func(c *config.SchedulerConfig) { c.MaxAge = time.Hour })

	d := f.schedule(t, "42", time.Minute)
	f.store.ScriptDelete("42", poststore.ErrTransient)

	f.clock.Advance(3 * time.Hour)
	assert.Equal(t, 1, f.tick(t).Failed)
	assert.Equal(t, models.StatusFailed, f.get(t, d.ID).Status)
}

func TestTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, func(c *config.SchedulerConfig) { c.CallTimeout = 20 * time.Millisecond })
	f.store.SetDelay(time.Second)

	d := f.schedule(t, "42", time.Minute)
	f.clock.Advance(2 * time.Minute)

	outcome, err := f.exec.Execute(context.Background(), d)
	assert.Equal(t, OutcomeRetryable, outcome)
	assert.True(t, errors.Is(err, models.ErrRetryableExternal))

	got := f.get(t, d.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Zero(t, f.store.Successes("42"))
}

type panickingStore struct {
	*poststoretest.Fake
}

func (panickingStore) DeletePost(ctx context.Context, ownerID, postID string) error {
	panic("boom")
}

func TestPanickingStoreIsRetryable(t *testing.T) {
	f := newFixtureWithStore(t, func(fake *poststoretest.Fake) poststore.Store { return panickingStore{fake} })

	d := f.schedule(t, "42", time.Minute)
	f.clock.Advance(2 * time.Minute)

	report := f.tick(t)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, models.StatusPending, f.get(t, d.ID).Status)
}

func TestExecuteImmediateWritesOnlyHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddPost(poststore.Post{ID: "42"})

	outcome, err := f.exec.ExecuteImmediate(ctx, "u1", "42", "hello")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	posts, _, err := f.svc.ListDeletedHistory(ctx, "u1", 0, 0)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "hello", posts[0].PostText)
	assert.Nil(t, posts[0].ScheduledDeletionID)
	assert.False(t, posts[0].Metrics.Known())

	// a second delete finds the post gone and keeps the first record
	outcome, err = f.exec.ExecuteImmediate(ctx, "u1", "42", "again")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyGone, outcome)
	assert.Equal(t, int64(1), f.historyCount(t, "42"))

	pending, err := f.repos.Deletions.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
