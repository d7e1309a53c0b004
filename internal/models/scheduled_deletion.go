package models

import (
	"fmt"
	"strings"
	"time"
)

// DeletionStatus is the lifecycle state of a ScheduledDeletion.
type DeletionStatus string

const (
	StatusPending DeletionStatus = "pending"
	// StatusExecuting marks a request held under a lease by one executor.
	StatusExecuting DeletionStatus = "executing"
	StatusExecuted  DeletionStatus = "executed"
	StatusCancelled DeletionStatus = "cancelled"
	StatusFailed    DeletionStatus = "failed"
)

// IsTerminal reports whether no further transition may leave s.
func (s DeletionStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusCancelled || s == StatusFailed
}

// IsActive reports whether a request in state s still holds the per-post pending slot.
func (s DeletionStatus) IsActive() bool {
	return s == StatusPending || s == StatusExecuting
}

// ParseDeletionStatus validates a status name received from a caller.
func ParseDeletionStatus(raw string) (DeletionStatus, error) {
	s := DeletionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusExecuting, StatusExecuted, StatusCancelled, StatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
}

// ScheduledDeletion represents a post scheduled for unattended deletion.
type ScheduledDeletion struct {
	ID        string `gorm:"primaryKey;size:36"`
	CreatedAt time.Time
	UpdatedAt time.Time

	PostID        string         `gorm:"size:64;not null;index"`
	OwnerID       string         `gorm:"size:64;not null;index:idx_owner_status_time,priority:1"`
	PostText      string         `gorm:"type:text"`
	Status        DeletionStatus `gorm:"size:16;not null;default:pending;index:idx_owner_status_time,priority:2;index:idx_status_time,priority:1"`
	ScheduledTime time.Time      `gorm:"not null;index:idx_owner_status_time,priority:3;index:idx_status_time,priority:2"`

	Attempts      int `gorm:"not null;default:0"`
	NextAttemptAt *time.Time
	LastError     string `gorm:"type:text"`

	// ClaimToken and ClaimedUntil are set only while Status is executing.
	ClaimToken   *string `gorm:"size:36"`
	ClaimedUntil *time.Time

	// PendingKey is owner/post while the request is active and NULL once it is
	// terminal, so the unique index admits one active request per post.
	PendingKey *string `gorm:"size:160;uniqueIndex"`

	ExecutedAt *time.Time
}

// PendingKeyFor builds the value stored in ScheduledDeletion.PendingKey.
func PendingKeyFor(ownerID, postID string) string {
	return ownerID + "/" + postID
}

// ReadyForAttempt reports whether the retry backoff, if any, has elapsed at now.
func (d *ScheduledDeletion) ReadyForAttempt(now time.Time) bool {
	return d.NextAttemptAt == nil || !d.NextAttemptAt.After(now)
}

// IsDue reports whether the request is pending and its scheduled time has passed.
func (d *ScheduledDeletion) IsDue(now time.Time) bool {
	return d.Status == StatusPending && !d.ScheduledTime.After(now)
}

// Validate checks the fields required before the request is stored.
func (d *ScheduledDeletion) Validate(now time.Time) error {
	if strings.TrimSpace(d.PostID) == "" {
		return fmt.Errorf("%w: post id is required", ErrValidation)
	}
	if strings.TrimSpace(d.OwnerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	if d.ScheduledTime.IsZero() {
		return fmt.Errorf("%w: scheduled time is required", ErrValidation)
	}
	if !d.ScheduledTime.After(now) {
		return fmt.Errorf("%w: scheduled time %s is not in the future", ErrValidation, d.ScheduledTime.UTC().Format(time.RFC3339))
	}
	return nil
}
