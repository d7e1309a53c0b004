package models

import "time"

// MetricsSnapshot holds the last known engagement of a post. A nil field
// means the figure was not known when the post was removed.
type MetricsSnapshot struct {
	Impressions *int
	Likes       *int
	Retweets    *int
	Replies     *int
}

// Known reports whether at least one figure was captured.
func (m MetricsSnapshot) Known() bool {
	return m.Impressions != nil || m.Likes != nil || m.Retweets != nil || m.Replies != nil
}

// Engagement sums likes, retweets and replies, treating unknown figures as zero.
func (m MetricsSnapshot) Engagement() int {
	total := 0
	for _, v := range []*int{m.Likes, m.Retweets, m.Replies} {
		if v != nil {
			total += *v
		}
	}
	return total
}

// DeletedPost is an append-only history record of a post actually removed
// from the external store. Rows are never updated or deleted.
type DeletedPost struct {
	ID        string `gorm:"primaryKey;size:36"`
	CreatedAt time.Time

	PostID    string    `gorm:"size:64;not null;uniqueIndex"`
	OwnerID   string    `gorm:"size:64;not null;index:idx_history_owner_deleted,priority:1"`
	PostText  string    `gorm:"type:text"`
	DeletedAt time.Time `gorm:"not null;index:idx_history_owner_deleted,priority:2"`

	// ScheduledDeletionID is empty for immediate deletions.
	ScheduledDeletionID *string `gorm:"size:36"`

	Metrics MetricsSnapshot `gorm:"embedded;embeddedPrefix:metrics_"`
}
