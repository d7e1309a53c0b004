package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xthreadcraft/internal/models"
	"xthreadcraft/internal/poststore"
	"xthreadcraft/internal/poststore/poststoretest"
)

func TestScheduleDeletionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddPost(poststore.Post{ID: "42"})

	cases := map[string]struct {
		postID string
		at     string
	}{
		"empty post":   {"", baseTime.Add(time.Hour).Format(time.RFC3339)},
		"garbled time": {"42", "tomorrow at noon"},
		"past time":    {"42", baseTime.Add(-time.Minute).Format(time.RFC3339)},
		"now":          {"42", baseTime.Format(time.RFC3339)},
		"unknown post": {"404", baseTime.Add(time.Hour).Format(time.RFC3339)},
	}
	for name, tc := range cases {
		_, err := f.svc.ScheduleDeletion(ctx, "u1", tc.postID, tc.at, "")
		assert.True(t, errors.Is(err, models.ErrValidation), "%s: %v", name, err)
	}
	// invalid requests never reach the platform, except to resolve the post
	assert.Equal(t, 1, f.store.FetchCalls())
}

func TestScheduleDeletionAcceptsOffsets(t *testing.T) {
	f := newFixture(t)
	f.store.AddPost(poststore.Post{ID: "42", Text: "hi"})

	d, err := f.svc.ScheduleDeletion(context.Background(), "u1", "42", "2026-05-04T12:30:00+02:00", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC), d.ScheduledTime)
	assert.Equal(t, "hi", d.PostText)
}

func TestScheduleDeletionRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.schedule(t, "42", time.Hour)
	_, err := f.svc.ScheduleDeletion(ctx, "u1", "42", baseTime.Add(2*time.Hour).Format(time.RFC3339), "")
	assert.True(t, errors.Is(err, models.ErrDuplicatePending))

	// the cached post answers the second lookup
	assert.Equal(t, 1, f.store.FetchCalls())

	_, err = f.svc.CancelScheduledDeletion(ctx, "u1", first.ID)
	require.NoError(t, err)
	_, err = f.svc.ScheduleDeletion(ctx, "u1", "42", baseTime.Add(2*time.Hour).Format(time.RFC3339), "")
	assert.NoError(t, err)
}

func TestScheduleDeletionDuplicateSkipsPostLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddPost(poststore.Post{ID: "42", Text: "live text"})

	_, err := f.svc.ScheduleDeletion(ctx, "u1", "42", baseTime.Add(time.Hour).Format(time.RFC3339), "given text")
	require.NoError(t, err)
	require.Zero(t, f.store.FetchCalls())

	_, err = f.svc.ScheduleDeletion(ctx, "u1", "42", baseTime.Add(2*time.Hour).Format(time.RFC3339), "")
	assert.True(t, errors.Is(err, models.ErrDuplicatePending))
	assert.Zero(t, f.store.FetchCalls())

	_, err = f.repos.Posts.Get(ctx, "42")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

type noFetchStore struct {
	*poststoretest.Fake
}

func (noFetchStore) FetchPost(ctx context.Context, ownerID, postID string) (*poststore.Post, error) {
	return nil, poststore.ErrFetchUnsupported
}

func TestScheduleDeletionWithoutFetchSupport(t *testing.T) {
	f := newFixtureWithStore(t, func(fake *poststoretest.Fake) poststore.Store { return noFetchStore{fake} })

	d, err := f.svc.ScheduleDeletion(context.Background(), "u1", "-1001:5", baseTime.Add(time.Hour).Format(time.RFC3339), "")
	require.NoError(t, err)
	assert.Empty(t, d.PostText)
}

func TestScheduleDeletionSurfacesStoreOutage(t *testing.T) {
	f := newFixtureWithStore(t, func(fake *poststoretest.Fake) poststore.Store { return outageStore{fake} })

	_, err := f.svc.ScheduleDeletion(context.Background(), "u1", "42", baseTime.Add(time.Hour).Format(time.RFC3339), "")
	assert.True(t, errors.Is(err, models.ErrRetryableExternal))
}

type outageStore struct {
	*poststoretest.Fake
}

func (outageStore) FetchPost(ctx context.Context, ownerID, postID string) (*poststore.Post, error) {
	return nil, poststore.ErrTransient
}

func TestCancelTwiceSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.schedule(t, "43", time.Hour)

	for i := 0; i < 2; i++ {
		ok, err := f.svc.CancelScheduledDeletion(ctx, "u1", d.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	_, err := f.svc.CancelScheduledDeletion(ctx, "u2", d.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestExecutedRequestStaysExecuted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.schedule(t, "42", time.Minute)
	f.clock.Advance(2 * time.Minute)
	f.tick(t)

	_, err := f.svc.CancelScheduledDeletion(ctx, "u1", d.ID)
	assert.True(t, errors.Is(err, models.ErrConflict))

	ok, err := f.svc.DeleteNow(ctx, "u1", "42")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, models.StatusExecuted, f.get(t, d.ID).Status)
	assert.Equal(t, int64(1), f.historyCount(t, "42"))
	assert.Equal(t, 1, f.store.Successes("42"))
}

func TestDeleteNowUsesPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.schedule(t, "42", time.Hour)

	ok, err := f.svc.DeleteNow(ctx, "u1", "42")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, models.StatusExecuted, f.get(t, d.ID).Status)
	posts, _, err := f.svc.ListDeletedHistory(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	require.NotNil(t, posts[0].ScheduledDeletionID)
	assert.Equal(t, d.ID, *posts[0].ScheduledDeletionID)

	// the scheduler finds nothing left to do
	f.clock.Advance(2 * time.Hour)
	assert.Zero(t, f.tick(t).Due)
	assert.Equal(t, 1, f.store.DeleteCalls("42"))
}

func TestDeleteNowWhileExecuting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.schedule(t, "42", time.Hour)

	_, err := f.repos.Deletions.ClaimNow(ctx, d.ID, "worker", f.clock.Now(), f.clock.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = f.svc.DeleteNow(ctx, "u1", "42")
	assert.True(t, errors.Is(err, models.ErrAlreadyExecuting))
	assert.Zero(t, f.store.DeleteCalls("42"))
}

func TestDeleteNowWithoutRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddPost(poststore.Post{ID: "42"})
	f.store.ScriptDelete("7", poststore.ErrTransient)

	ok, err := f.svc.DeleteNow(ctx, "u1", "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), f.historyCount(t, "42"))

	_, err = f.svc.DeleteNow(ctx, "u1", "7")
	assert.True(t, errors.Is(err, models.ErrRetryableExternal))
	assert.Zero(t, f.historyCount(t, "7"))

	_, err = f.svc.DeleteNow(ctx, "u1", " ")
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestDeleteMany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddPost(poststore.Post{ID: "1"})
	f.store.AddPost(poststore.Post{ID: "2"})
	f.store.AddPost(poststore.Post{ID: "3"})
	f.store.ScriptDelete("3", poststore.ErrUnauthorized)

	result, err := f.svc.DeleteMany(ctx, "u1", []string{"1", "2", "3", "1", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, result.Deleted)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "3", result.Failed[0].PostID)
	assert.NotEmpty(t, result.Failed[0].Error)

	_, err = f.svc.DeleteMany(ctx, "u1", nil)
	assert.True(t, errors.Is(err, models.ErrValidation))

	tooMany := make([]string, MaxBulkPosts+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("p%d", i)
	}
	_, err = f.svc.DeleteMany(ctx, "u1", tooMany)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestListDeletedHistoryValidation(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.ListDeletedHistory(context.Background(), "u1", -1, 0)
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, _, err = f.svc.ListDeletedHistory(context.Background(), "u1", 10, -1)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestDeleteNowIgnoresBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.schedule(t, "42", time.Minute)
	f.store.ScriptDelete("42", &poststore.RateLimitError{RetryAt: baseTime.Add(time.Hour)})
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.tick(t).Retried)

	ok, err := f.svc.DeleteNow(ctx, "u1", "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.StatusExecuted, f.get(t, d.ID).Status)
	assert.Equal(t, 2, f.store.DeleteCalls("42"))
}

// takeoverStore lets a test act between the claim and the platform call.
type takeoverStore struct {
	*poststoretest.Fake
	beforeDelete func(postID string)
}

func (s *takeoverStore) DeletePost(ctx context.Context, ownerID, postID string) error {
	if s.beforeDelete != nil {
		s.beforeDelete(postID)
	}
	return s.Fake.DeletePost(ctx, ownerID, postID)
}

func TestDeleteNowReportsRemovedWhenLeaseChangesHands(t *testing.T) {
	var store *takeoverStore
	f := newFixtureWithStore(t, func(fake *poststoretest.Fake) poststore.Store {
		store = &takeoverStore{Fake: fake}
		return store
	})
	ctx := context.Background()
	d := f.schedule(t, "42", time.Hour)

	later := f.clock.Now().Add(24 * time.Hour)
	store.beforeDelete = func(string) {
		// another executor considers the lease expired and takes the request over
		_, err := f.repos.Deletions.ClaimNow(ctx, d.ID, "other", later, later.Add(time.Minute))
		require.NoError(t, err)
	}

	ok, err := f.svc.DeleteNow(ctx, "u1", "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.store.Successes("42"))

	got := f.get(t, d.ID)
	assert.Equal(t, models.StatusExecuting, got.Status)
	require.NotNil(t, got.ClaimToken)
	assert.Equal(t, "other", *got.ClaimToken)
	assert.Zero(t, f.historyCount(t, "42"))
}
