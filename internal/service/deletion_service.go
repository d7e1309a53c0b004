package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/logger"
	"xthreadcraft/internal/models"
	"xthreadcraft/internal/poststore"
)

const (
	// MaxBulkPosts caps the posts accepted by one DeleteMany call.
	MaxBulkPosts = 100
	// MaxHistoryPage caps the page size of ListDeletedHistory.
	MaxHistoryPage = 200
)

// BulkFailure is one post DeleteMany could not remove.
type BulkFailure struct {
	PostID string `json:"id"`
	Error  string `json:"error"`
}

// BulkResult lists the outcome of DeleteMany, in request order.
type BulkResult struct {
	Deleted []string      `json:"deleted"`
	Failed  []BulkFailure `json:"failed"`
}

// DeletionService is the client-facing API. Every call acts on behalf of
// the owner passed in, which the caller has already authenticated.
type DeletionService struct {
	repos    *Repositories
	store    poststore.Store
	executor *Executor
	cfg      config.SchedulerConfig
	now      func() time.Time
}

// NewDeletionService creates the client-facing API.
func NewDeletionService(repos *Repositories, store poststore.Store, executor *Executor, cfg config.SchedulerConfig) *DeletionService {
	return &DeletionService{
		repos:    repos,
		store:    store,
		executor: executor,
		cfg:      cfg,
		now:      time.Now,
	}
}

// ScheduleDeletion records the intent to delete postID at scheduledTime, an
// RFC 3339 timestamp. Without postText the text is taken from the post
// cache or fetched from the post store; a post the store does not know is
// rejected as invalid.
func (s *DeletionService) ScheduleDeletion(ctx context.Context, ownerID, postID, scheduledTime, postText string) (*models.ScheduledDeletion, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return nil, fmt.Errorf("%w: post id is required", models.ErrValidation)
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(scheduledTime))
	if err != nil {
		return nil, fmt.Errorf("%w: scheduled time %q is not an RFC 3339 timestamp", models.ErrValidation, scheduledTime)
	}
	now := s.now().UTC()
	if !at.After(now) {
		return nil, fmt.Errorf("%w: scheduled time %s is not in the future", models.ErrValidation, at.UTC().Format(time.RFC3339))
	}

	if _, err := s.repos.Deletions.FindActiveByPost(ctx, ownerID, postID); err == nil {
		return nil, fmt.Errorf("%w: post %s", models.ErrDuplicatePending, postID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if postText == "" {
		postText, err = s.resolveText(ctx, ownerID, postID)
		if err != nil {
			return nil, err
		}
	}

	d := &models.ScheduledDeletion{
		OwnerID:       ownerID,
		PostID:        postID,
		PostText:      postText,
		ScheduledTime: at,
	}
	if err := s.repos.Deletions.Create(ctx, d, now); err != nil {
		return nil, err
	}
	logger.Infof("Owner %s scheduled deletion %s of post %s at %s", ownerID, d.ID, postID, d.ScheduledTime.Format(time.RFC3339))
	return d, nil
}

// resolveText returns the cached text of a post, fetching and caching the
// post when it is not known yet.
func (s *DeletionService) resolveText(ctx context.Context, ownerID, postID string) (string, error) {
	if cached, err := s.repos.Posts.Get(ctx, postID); err == nil {
		return cached.Text, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return "", err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	p, err := s.store.FetchPost(fetchCtx, ownerID, postID)
	externalCallSeconds.WithLabelValues("fetch").Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, poststore.ErrFetchUnsupported):
		return "", nil
	case errors.Is(err, poststore.ErrPostNotFound):
		return "", fmt.Errorf("%w: post %s cannot be resolved", models.ErrValidation, postID)
	case err != nil:
		_, classified := classify(err)
		return "", classified
	}

	cache := &models.Post{
		ID:          postID,
		OwnerID:     ownerID,
		Text:        p.Text,
		PostedAt:    p.CreatedAt,
		Impressions: p.Impressions,
		Likes:       p.Likes,
		Retweets:    p.Retweets,
		Replies:     p.Replies,
	}
	if err := s.repos.Posts.Upsert(ctx, cache); err != nil {
		logger.Warningf("Caching post %s failed: %v", postID, err)
	}
	return p.Text, nil
}

// CancelScheduledDeletion cancels a pending request. Cancelling twice succeeds.
func (s *DeletionService) CancelScheduledDeletion(ctx context.Context, ownerID, id string) (bool, error) {
	if err := s.repos.Deletions.Cancel(ctx, id, ownerID, s.now()); err != nil {
		return false, err
	}
	logger.Infof("Owner %s cancelled scheduled deletion %s", ownerID, id)
	return true, nil
}

// ListScheduledDeletions returns the owner's requests in the given statuses,
// all of them when none are given.
func (s *DeletionService) ListScheduledDeletions(ctx context.Context, ownerID string, statuses ...models.DeletionStatus) ([]models.ScheduledDeletion, error) {
	return s.repos.Deletions.ListByOwner(ctx, ownerID, statuses...)
}

// DeleteNow removes a post synchronously. A post with an active request is
// executed through that request, so the claim keeps both paths exclusive.
func (s *DeletionService) DeleteNow(ctx context.Context, ownerID, postID string) (bool, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return false, fmt.Errorf("%w: post id is required", models.ErrValidation)
	}

	active, err := s.repos.Deletions.FindActiveByPost(ctx, ownerID, postID)
	var outcome Outcome
	switch {
	case err == nil:
		outcome, err = s.executor.ExecuteNow(ctx, active)
		if errors.Is(err, ErrNotClaimed) {
			return false, fmt.Errorf("%w: post %s", models.ErrAlreadyExecuting, postID)
		}
		if err != nil && outcome.Removed() && errors.Is(err, models.ErrConflict) {
			// the lease was taken over after the delete went through; the new
			// holder finds the post gone and records it
			logger.Warningf("Post %s deleted but request %s changed hands: %v", postID, active.ID, err)
			err = nil
		}
	case errors.Is(err, models.ErrNotFound):
		outcome, err = s.executor.ExecuteImmediate(ctx, ownerID, postID, "")
	default:
		return false, err
	}
	if err != nil {
		return false, err
	}
	return outcome.Removed(), nil
}

// DeleteMany removes several posts in parallel, e.g. every post of a thread.
// Failures of single posts are reported in the result, not as an error.
func (s *DeletionService) DeleteMany(ctx context.Context, ownerID string, postIDs []string) (*BulkResult, error) {
	ids := make([]string, 0, len(postIDs))
	seen := make(map[string]bool, len(postIDs))
	for _, id := range postIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no post ids given", models.ErrValidation)
	}
	if len(ids) > MaxBulkPosts {
		return nil, fmt.Errorf("%w: at most %d posts per request", models.ErrValidation, MaxBulkPosts)
	}

	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for i, id := range ids {
		g.Go(func() error {
			_, errs[i] = s.DeleteNow(ctx, ownerID, id)
			return nil
		})
	}
	_ = g.Wait()

	result := &BulkResult{Deleted: []string{}, Failed: []BulkFailure{}}
	for i, id := range ids {
		if errs[i] != nil {
			result.Failed = append(result.Failed, BulkFailure{PostID: id, Error: errs[i].Error()})
			continue
		}
		result.Deleted = append(result.Deleted, id)
	}
	logger.Infof("Owner %s deleted %d of %d posts", ownerID, len(result.Deleted), len(ids))
	return result, nil
}

// ListDeletedHistory returns a page of the owner's history, newest first,
// and the total size of the history.
func (s *DeletionService) ListDeletedHistory(ctx context.Context, ownerID string, limit, offset int) ([]models.DeletedPost, int64, error) {
	if limit < 0 || offset < 0 {
		return nil, 0, fmt.Errorf("%w: limit and offset must not be negative", models.ErrValidation)
	}
	if limit > MaxHistoryPage {
		limit = MaxHistoryPage
	}
	posts, err := s.repos.History.List(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repos.History.Count(ctx, ownerID)
	if err != nil {
		return nil, 0, err
	}
	return posts, total, nil
}
