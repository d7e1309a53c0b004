package models

import "time"

// Post caches a post and its last fetched public metrics.
type Post struct {
	ID       string    `gorm:"primaryKey;size:64"`
	OwnerID  string    `gorm:"size:64;index"`
	Text     string    `gorm:"type:text"`
	PostedAt time.Time

	Impressions int
	Likes       int
	Retweets    int
	Replies     int

	UpdatedAt time.Time
}

// Snapshot converts the cached figures into a history snapshot.
func (p *Post) Snapshot() MetricsSnapshot {
	impressions, likes, retweets, replies := p.Impressions, p.Likes, p.Retweets, p.Replies
	return MetricsSnapshot{
		Impressions: &impressions,
		Likes:       &likes,
		Retweets:    &retweets,
		Replies:     &replies,
	}
}
