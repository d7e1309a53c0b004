package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/crash"
	"xthreadcraft/internal/logger"
	"xthreadcraft/internal/models"
	"xthreadcraft/internal/poststore"
)

// Outcome is the classified result of one deletion attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomeAlreadyGone means the post no longer existed; treated as success.
	OutcomeAlreadyGone Outcome = "already_gone"
	OutcomeRetryable   Outcome = "retryable"
	OutcomeFatal       Outcome = "fatal"
)

// ErrNotClaimed is returned when another executor holds the request or it
// is not eligible for an attempt; the post store was not called. It also
// matches models.ErrConflict.
var ErrNotClaimed = errors.New("scheduled deletion not claimed")

// Removed reports whether the post is known to be gone after the attempt.
func (o Outcome) Removed() bool {
	return o == OutcomeSuccess || o == OutcomeAlreadyGone
}

// Executor performs single deletion attempts and reconciles the request
// store and the history with the result. Errors returned by the post store
// never leave the executor unclassified: they wrap ErrRetryableExternal or
// ErrFatalExternal.
type Executor struct {
	repos     *Repositories
	store     poststore.Store
	cfg       config.SchedulerConfig
	cooldowns *models.CooldownList
	now       func() time.Time
}

// NewExecutor creates an executor using the retry policy in cfg.
func NewExecutor(repos *Repositories, store poststore.Store, cfg config.SchedulerConfig) *Executor {
	return &Executor{
		repos:     repos,
		store:     store,
		cfg:       cfg,
		cooldowns: models.NewCooldownList(),
		now:       time.Now,
	}
}

// Cooldowns exposes the owners currently rate limited by the post store.
func (e *Executor) Cooldowns() *models.CooldownList {
	return e.cooldowns
}

// Execute claims d for a scheduled attempt and runs it against the post
// store. A request that is not due, still backing off or held by another
// executor returns ErrNotClaimed without touching the post store.
func (e *Executor) Execute(ctx context.Context, d *models.ScheduledDeletion) (Outcome, error) {
	return e.claimAndAttempt(ctx, d, e.repos.Deletions.Claim)
}

// ExecuteNow is Execute for an explicit delete request: the scheduled time
// and any backoff of d are ignored.
func (e *Executor) ExecuteNow(ctx context.Context, d *models.ScheduledDeletion) (Outcome, error) {
	return e.claimAndAttempt(ctx, d, e.repos.Deletions.ClaimNow)
}

type claimFunc func(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.ScheduledDeletion, error)

func (e *Executor) claimAndAttempt(ctx context.Context, d *models.ScheduledDeletion, claim claimFunc) (Outcome, error) {
	now := e.now().UTC()
	token := uuid.NewString()
	claimed, err := claim(ctx, d.ID, token, now, now.Add(e.cfg.LeaseDuration))
	if errors.Is(err, models.ErrConflict) {
		return "", fmt.Errorf("%w: %w", ErrNotClaimed, err)
	}
	if err != nil {
		return "", err
	}
	if claimed.ClaimToken == nil || *claimed.ClaimToken != token {
		return "", fmt.Errorf("%w: %w: claim on %s taken over", ErrNotClaimed, models.ErrConflict, d.ID)
	}
	return e.attempt(ctx, claimed, token)
}

func (e *Executor) attempt(ctx context.Context, d *models.ScheduledDeletion, token string) (Outcome, error) {
	callErr := e.deletePost(ctx, d.OwnerID, d.PostID)
	outcome, classified := classify(callErr)

	// the post store call already happened; record its result even if ctx ends now
	ctx = context.WithoutCancel(ctx)
	finishedAt := e.now().UTC()

	switch outcome {
	case OutcomeSuccess, OutcomeAlreadyGone:
		record := e.historyRecord(ctx, d.OwnerID, d.PostID, d.PostText, finishedAt)
		record.ScheduledDeletionID = &d.ID
		if err := e.repos.Deletions.MarkExecuted(ctx, d.ID, token, record); err != nil {
			return outcome, fmt.Errorf("recording deletion of post %s: %w", d.PostID, err)
		}
		logger.Infof("Scheduled deletion %s of post %s executed (%s)", d.ID, d.PostID, outcome)

	case OutcomeRetryable:
		attempts := d.Attempts + 1
		if e.exhausted(d, attempts, finishedAt) {
			reason := fmt.Sprintf("gave up after %d attempts: %v", attempts, callErr)
			if err := e.repos.Deletions.MarkFailed(ctx, d.ID, token, attempts, reason, finishedAt); err != nil {
				return outcome, fmt.Errorf("marking deletion %s failed: %w", d.ID, err)
			}
			logger.Warningf("Scheduled deletion %s of post %s failed: %s", d.ID, d.PostID, reason)
			outcome = OutcomeFatal
			classified = fmt.Errorf("%w: %s", models.ErrFatalExternal, reason)
			break
		}

		next := e.nextAttempt(attempts, finishedAt, callErr)
		if errors.Is(callErr, poststore.ErrRateLimited) {
			e.cooldowns.Add(d.OwnerID, next)
		}
		if err := e.repos.Deletions.Release(ctx, d.ID, token, attempts, next, callErr.Error(), finishedAt); err != nil {
			return outcome, fmt.Errorf("releasing deletion %s: %w", d.ID, err)
		}
		logger.Infof("Scheduled deletion %s of post %s will retry at %s (attempt %d): %v",
			d.ID, d.PostID, next.Format(time.RFC3339), attempts, callErr)

	case OutcomeFatal:
		if err := e.repos.Deletions.MarkFailed(ctx, d.ID, token, d.Attempts+1, callErr.Error(), finishedAt); err != nil {
			return outcome, fmt.Errorf("marking deletion %s failed: %w", d.ID, err)
		}
		logger.Warningf("Scheduled deletion %s of post %s failed: %v", d.ID, d.PostID, callErr)
	}

	deletionsTotal.WithLabelValues(pathScheduled, string(outcome)).Inc()
	return outcome, classified
}

// ExecuteImmediate deletes a post that has no stored request. Only the
// history is written, and only when the post is gone afterwards.
func (e *Executor) ExecuteImmediate(ctx context.Context, ownerID, postID, postText string) (Outcome, error) {
	callErr := e.deletePost(ctx, ownerID, postID)
	outcome, classified := classify(callErr)
	deletionsTotal.WithLabelValues(pathImmediate, string(outcome)).Inc()
	if !outcome.Removed() {
		logger.Warningf("Immediate deletion of post %s for %s failed: %v", postID, ownerID, callErr)
		return outcome, classified
	}

	ctx = context.WithoutCancel(ctx)
	record := e.historyRecord(ctx, ownerID, postID, postText, e.now().UTC())
	if _, err := e.repos.History.Append(ctx, record); err != nil {
		return outcome, fmt.Errorf("recording deletion of post %s: %w", postID, err)
	}
	logger.Infof("Post %s of %s deleted immediately (%s)", postID, ownerID, outcome)
	return outcome, nil
}

func (e *Executor) deletePost(ctx context.Context, ownerID, postID string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := crash.SafeCall("delete-post-"+postID, func() error {
		return e.store.DeletePost(callCtx, ownerID, postID)
	})
	externalCallSeconds.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	return err
}

// historyRecord builds the audit row with whatever the post cache knows.
func (e *Executor) historyRecord(ctx context.Context, ownerID, postID, postText string, deletedAt time.Time) *models.DeletedPost {
	record := &models.DeletedPost{
		PostID:    postID,
		OwnerID:   ownerID,
		PostText:  postText,
		DeletedAt: deletedAt,
	}
	cached, err := e.repos.Posts.Get(ctx, postID)
	switch {
	case err == nil:
		record.Metrics = cached.Snapshot()
		if record.PostText == "" {
			record.PostText = cached.Text
		}
	case !errors.Is(err, models.ErrNotFound):
		logger.Warningf("Metrics snapshot for post %s unavailable: %v", postID, err)
	}
	return record
}

func (e *Executor) exhausted(d *models.ScheduledDeletion, attempts int, now time.Time) bool {
	if e.cfg.MaxAttempts > 0 && attempts >= e.cfg.MaxAttempts {
		return true
	}
	return e.cfg.MaxAge > 0 && now.Sub(d.ScheduledTime) > e.cfg.MaxAge
}

// nextAttempt doubles the base delay per attempt up to the configured cap,
// and never schedules before a rate limit reset announced by the store.
func (e *Executor) nextAttempt(attempts int, now time.Time, callErr error) time.Time {
	delay := e.cfg.BackoffBase
	for i := 1; i < attempts && delay < e.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if delay > e.cfg.BackoffMax {
		delay = e.cfg.BackoffMax
	}
	next := now.Add(delay)

	var rl *poststore.RateLimitError
	if errors.As(callErr, &rl) && rl.RetryAt.After(next) {
		next = rl.RetryAt.UTC()
	}
	return next
}

// classify maps a post store result onto an outcome. Anything not known to
// be permanent is retryable, including timeouts and unrecognised errors.
func classify(err error) (Outcome, error) {
	switch {
	case err == nil:
		return OutcomeSuccess, nil
	case errors.Is(err, poststore.ErrPostNotFound):
		return OutcomeAlreadyGone, nil
	case errors.Is(err, poststore.ErrUnauthorized), errors.Is(err, poststore.ErrRejected):
		return OutcomeFatal, fmt.Errorf("%w: %v", models.ErrFatalExternal, err)
	default:
		return OutcomeRetryable, fmt.Errorf("%w: %v", models.ErrRetryableExternal, err)
	}
}
