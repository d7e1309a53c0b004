package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xthreadcraft/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeletionRepository is the durable store of scheduled deletions. Every state
// change is a conditional UPDATE on the current status, so concurrent
// schedulers and API calls never overwrite each other.
type DeletionRepository struct {
	db *gorm.DB
}

// NewDeletionRepository creates a new DeletionRepository
func NewDeletionRepository(db *gorm.DB) *DeletionRepository {
	return &DeletionRepository{db: db}
}

// MigrateTable ensures the scheduled_deletions table exists
func (r *DeletionRepository) MigrateTable() error {
	return r.db.AutoMigrate(&models.ScheduledDeletion{})
}

// StatusCount is one row of CountByStatus.
type StatusCount struct {
	Status models.DeletionStatus
	Total  int64
}

// Create stores a new pending request. At most one active request may exist
// per (owner, post); a second one is rejected with ErrDuplicatePending.
func (r *DeletionRepository) Create(ctx context.Context, d *models.ScheduledDeletion, now time.Time) error {
	if err := d.Validate(now); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	key := models.PendingKeyFor(d.OwnerID, d.PostID)
	d.Status = models.StatusPending
	d.ScheduledTime = d.ScheduledTime.UTC()
	d.PendingKey = &key
	d.Attempts = 0
	d.NextAttemptAt = nil
	d.ClaimToken = nil
	d.ClaimedUntil = nil
	d.ExecutedAt = nil

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&models.ScheduledDeletion{}).Where("pending_key = ?", key).Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return gorm.ErrDuplicatedKey
		}
		// the unique index on pending_key still guards against a concurrent insert
		return tx.Create(d).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: post %s", models.ErrDuplicatePending, d.PostID)
	}
	return err
}

// Get loads one request by id.
func (r *DeletionRepository) Get(ctx context.Context, id string) (*models.ScheduledDeletion, error) {
	var d models.ScheduledDeletion
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: scheduled deletion %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FindActiveByPost returns the pending or executing request for a post, or ErrNotFound.
func (r *DeletionRepository) FindActiveByPost(ctx context.Context, ownerID, postID string) (*models.ScheduledDeletion, error) {
	var d models.ScheduledDeletion
	err := r.db.WithContext(ctx).Where("pending_key = ?", models.PendingKeyFor(ownerID, postID)).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no active scheduled deletion for post %s", models.ErrNotFound, postID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// cancelAttempts bounds the retries when the row changes under Cancel.
const cancelAttempts = 3

// Cancel moves a pending request of ownerID to cancelled. Cancelling an
// already cancelled request succeeds without change. A request held by an
// executor yields ErrAlreadyExecuting; one that already finished yields ErrConflict.
func (r *DeletionRepository) Cancel(ctx context.Context, id, ownerID string, now time.Time) error {
	for i := 0; i < cancelAttempts; i++ {
		res := r.db.WithContext(ctx).Model(&models.ScheduledDeletion{}).
			Where("id = ? AND owner_id = ? AND status = ?", id, ownerID, models.StatusPending).
			Updates(map[string]interface{}{
				"status":          models.StatusCancelled,
				"pending_key":     nil,
				"next_attempt_at": nil,
				"updated_at":      now.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}

		current, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.OwnerID != ownerID {
			return fmt.Errorf("%w: scheduled deletion %s", models.ErrNotFound, id)
		}
		switch current.Status {
		case models.StatusCancelled:
			return nil
		case models.StatusExecuting:
			return fmt.Errorf("%w: %s", models.ErrAlreadyExecuting, id)
		case models.StatusExecuted, models.StatusFailed:
			return fmt.Errorf("%w: scheduled deletion %s is already %s", models.ErrConflict, id, current.Status)
		}
		// pending again: an executor released it between our update and read
	}
	return fmt.Errorf("%w: scheduled deletion %s kept changing", models.ErrConflict, id)
}

// ListPending returns the owner's active requests, earliest first.
func (r *DeletionRepository) ListPending(ctx context.Context, ownerID string) ([]models.ScheduledDeletion, error) {
	return r.ListByOwner(ctx, ownerID, models.StatusPending, models.StatusExecuting)
}

// ListByOwner returns the owner's requests in the given statuses (all when
// none are given), earliest scheduled time first.
func (r *DeletionRepository) ListByOwner(ctx context.Context, ownerID string, statuses ...models.DeletionStatus) ([]models.ScheduledDeletion, error) {
	var list []models.ScheduledDeletion
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Order("scheduled_time ASC").Order("id ASC").Find(&list).Error
	return list, err
}

// ListDue returns pending requests whose scheduled time is at or before now.
// It only reads; exclusivity comes from Claim.
func (r *DeletionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDeletion, error) {
	var list []models.ScheduledDeletion
	q := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_time <= ?", models.StatusPending, now.UTC()).
		Order("scheduled_time ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&list).Error
	return list, err
}

// ListReady returns due pending requests that may be attempted at now: their
// backoff has passed and their owner is not in excludedOwners. The batch
// limit applies after these filters, so held-back requests never crowd out
// ready ones.
func (r *DeletionRepository) ListReady(ctx context.Context, now time.Time, excludedOwners []string, limit int) ([]models.ScheduledDeletion, error) {
	now = now.UTC()
	var list []models.ScheduledDeletion
	q := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_time <= ?", models.StatusPending, now).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now)
	if len(excludedOwners) > 0 {
		q = q.Where("owner_id NOT IN ?", excludedOwners)
	}
	q = q.Order("scheduled_time ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&list).Error
	return list, err
}

// CountDue returns how many pending requests are due at now.
func (r *DeletionRepository) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.ScheduledDeletion{}).
		Where("status = ? AND scheduled_time <= ?", models.StatusPending, now.UTC()).
		Count(&n).Error
	return n, err
}

// ListExpiredLeases returns executing requests whose lease ran out, i.e.
// whose executor died between claim and completion. Requests of
// excludedOwners are left out.
func (r *DeletionRepository) ListExpiredLeases(ctx context.Context, now time.Time, excludedOwners []string, limit int) ([]models.ScheduledDeletion, error) {
	var list []models.ScheduledDeletion
	q := r.db.WithContext(ctx).
		Where("status = ? AND claimed_until < ?", models.StatusExecuting, now.UTC())
	if len(excludedOwners) > 0 {
		q = q.Where("owner_id NOT IN ?", excludedOwners)
	}
	q = q.Order("claimed_until ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&list).Error
	return list, err
}

// Claim takes the lease on a request for a scheduled attempt. A pending
// request is claimed only when it is due and out of backoff at now; an
// executing request whose lease expired before now is taken over. Any other
// state returns ErrConflict. The returned row reflects the claimed state.
func (r *DeletionRepository) Claim(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.ScheduledDeletion, error) {
	now = now.UTC()
	return r.claim(ctx, id, token, now, leaseUntil,
		"id = ? AND ((status = ? AND scheduled_time <= ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (status = ? AND claimed_until < ?))",
		id, models.StatusPending, now, now, models.StatusExecuting, now)
}

// ClaimNow is Claim for an explicit delete request: a pending request is
// claimed regardless of its scheduled time and backoff.
func (r *DeletionRepository) ClaimNow(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.ScheduledDeletion, error) {
	now = now.UTC()
	return r.claim(ctx, id, token, now, leaseUntil,
		"id = ? AND (status = ? OR (status = ? AND claimed_until < ?))",
		id, models.StatusPending, models.StatusExecuting, now)
}

func (r *DeletionRepository) claim(ctx context.Context, id, token string, now, leaseUntil time.Time, cond string, args ...interface{}) (*models.ScheduledDeletion, error) {
	res := r.db.WithContext(ctx).Model(&models.ScheduledDeletion{}).
		Where(cond, args...).
		Updates(map[string]interface{}{
			"status":        models.StatusExecuting,
			"claim_token":   token,
			"claimed_until": leaseUntil.UTC(),
			"updated_at":    now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: claim on %s lost", models.ErrConflict, id)
	}
	return r.Get(ctx, id)
}
// MarkExecuted records the deletion in history and moves the request held
// under token to executed, in one transaction.
func (r *DeletionRepository) MarkExecuted(ctx context.Context, id, token string, history *models.DeletedPost) error {
	executedAt := history.DeletedAt.UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if history.ScheduledDeletionID == nil {
			history.ScheduledDeletionID = &id
		}
		if _, err := appendHistory(tx, history); err != nil {
			return err
		}
		res := tx.Model(&models.ScheduledDeletion{}).
			Where("id = ? AND status = ? AND claim_token = ?", id, models.StatusExecuting, token).
			Updates(map[string]interface{}{
				"status":        models.StatusExecuted,
				"claim_token":   nil,
				"claimed_until": nil,
				"pending_key":   nil,
				"executed_at":   executedAt,
				"last_error":    "",
				"updated_at":    executedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: lease on %s no longer held", models.ErrConflict, id)
		}
		return nil
	})
}

// MarkFailed moves the request held under token to failed.
func (r *DeletionRepository) MarkFailed(ctx context.Context, id, token string, attempts int, reason string, now time.Time) error {
	return r.finishClaim(ctx, id, token, map[string]interface{}{
		"status":          models.StatusFailed,
		"claim_token":     nil,
		"claimed_until":   nil,
		"pending_key":     nil,
		"next_attempt_at": nil,
		"attempts":        attempts,
		"last_error":      reason,
		"updated_at":      now.UTC(),
	})
}

// Release returns the request held under token to pending after a retryable
// failure, recording the attempt count and the earliest next attempt.
func (r *DeletionRepository) Release(ctx context.Context, id, token string, attempts int, nextAttemptAt time.Time, reason string, now time.Time) error {
	return r.finishClaim(ctx, id, token, map[string]interface{}{
		"status":          models.StatusPending,
		"claim_token":     nil,
		"claimed_until":   nil,
		"attempts":        attempts,
		"next_attempt_at": nextAttemptAt.UTC(),
		"last_error":      reason,
		"updated_at":      now.UTC(),
	})
}

func (r *DeletionRepository) finishClaim(ctx context.Context, id, token string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.ScheduledDeletion{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, models.StatusExecuting, token).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: lease on %s no longer held", models.ErrConflict, id)
	}
	return nil
}

// CountByStatus returns the number of requests per status across all owners.
func (r *DeletionRepository) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).Model(&models.ScheduledDeletion{}).
		Select("status, count(*) AS total").
		Group("status").
		Order("status").
		Scan(&counts).Error
	return counts, err
}
