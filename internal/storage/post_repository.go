package storage

import (
	"context"
	"errors"
	"fmt"

	"xthreadcraft/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostRepository caches posts and their last fetched metrics
type PostRepository struct {
	db *gorm.DB
}

// NewPostRepository creates a new PostRepository
func NewPostRepository(db *gorm.DB) *PostRepository {
	return &PostRepository{db: db}
}

// MigrateTable ensures the posts table exists
func (r *PostRepository) MigrateTable() error {
	return r.db.AutoMigrate(&models.Post{})
}

// Upsert stores the latest known version of a post.
func (r *PostRepository) Upsert(ctx context.Context, p *models.Post) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(p).Error
}

// Get retrieves a cached post.
func (r *PostRepository) Get(ctx context.Context, postID string) (*models.Post, error) {
	var p models.Post
	err := r.db.WithContext(ctx).Where("id = ?", postID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: post %s", models.ErrNotFound, postID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LastKnownMetrics returns the cached metrics of a post. An uncached post
// yields an empty snapshot, which history renders as unknown.
func (r *PostRepository) LastKnownMetrics(ctx context.Context, postID string) (models.MetricsSnapshot, error) {
	p, err := r.Get(ctx, postID)
	if errors.Is(err, models.ErrNotFound) {
		return models.MetricsSnapshot{}, nil
	}
	if err != nil {
		return models.MetricsSnapshot{}, err
	}
	return p.Snapshot(), nil
}
