package storage

import (
	"context"
	"fmt"

	"xthreadcraft/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoryRepository handles the append-only deleted_posts table
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new HistoryRepository
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// MigrateTable ensures the deleted_posts table exists
func (r *HistoryRepository) MigrateTable() error {
	return r.db.AutoMigrate(&models.DeletedPost{})
}

// Append records a removed post. The first record for a post id wins: a
// later append for the same post is a no-op and returns the stored record.
func (r *HistoryRepository) Append(ctx context.Context, p *models.DeletedPost) (*models.DeletedPost, error) {
	return appendHistory(r.db.WithContext(ctx), p)
}

func appendHistory(db *gorm.DB, p *models.DeletedPost) (*models.DeletedPost, error) {
	if p.PostID == "" || p.OwnerID == "" {
		return nil, fmt.Errorf("%w: history record needs post and owner", models.ErrValidation)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.DeletedAt = p.DeletedAt.UTC()

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "post_id"}},
		DoNothing: true,
	}).Create(p)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return p, nil
	}

	var existing models.DeletedPost
	if err := db.Where("post_id = ?", p.PostID).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

// DefaultHistoryLimit applies when List is called without a positive limit.
const DefaultHistoryLimit = 50

// List returns the owner's deleted posts, most recent first.
func (r *HistoryRepository) List(ctx context.Context, ownerID string, limit, offset int) ([]models.DeletedPost, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var posts []models.DeletedPost
	q := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("deleted_at DESC").Order("id DESC").
		Limit(limit)
	if offset > 0 {
		q = q.Offset(offset)
	}
	err := q.Find(&posts).Error
	return posts, err
}

// CountByPost returns how many history rows exist for a post id.
func (r *HistoryRepository) CountByPost(ctx context.Context, postID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.DeletedPost{}).Where("post_id = ?", postID).Count(&n).Error
	return n, err
}

// Count returns the size of the owner's history.
func (r *HistoryRepository) Count(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.DeletedPost{}).Where("owner_id = ?", ownerID).Count(&n).Error
	return n, err
}
