package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"xthreadcraft/internal/crash"
	"xthreadcraft/internal/logger"
	"xthreadcraft/internal/models"
	"xthreadcraft/internal/storage"
)

// Repositories bundles the stores shared by the services.
type Repositories struct {
	Deletions *storage.DeletionRepository
	History   *storage.HistoryRepository
	Posts     *storage.PostRepository
	Accounts  *storage.AccountRepository
}

// NewRepositories binds every repository to db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Deletions: storage.NewDeletionRepository(db),
		History:   storage.NewHistoryRepository(db),
		Posts:     storage.NewPostRepository(db),
		Accounts:  storage.NewAccountRepository(db),
	}
}

// MigrateTables creates or updates the tables behind each repository.
func (r *Repositories) MigrateTables() error {
	migrators := []struct {
		name string
		fn   func() error
	}{
		{"accounts", r.Accounts.MigrateTable},
		{"posts", r.Posts.MigrateTable},
		{"scheduled_deletions", r.Deletions.MigrateTable},
		{"deleted_posts", r.History.MigrateTable},
	}
	for _, m := range migrators {
		if err := m.fn(); err != nil {
			return fmt.Errorf("error migrating %s table: %w", m.name, err)
		}
	}
	return nil
}

// StartCooldownCleanup periodically drops expired owner cooldowns until ctx ends.
func StartCooldownCleanup(ctx context.Context, cooldowns *models.CooldownList, interval time.Duration) {
	if cooldowns == nil {
		logger.Warningf("Cooldown list is nil, cannot start cleanup")
		return
	}
	ticker := time.NewTicker(interval)

	crash.SafeGoroutine("cooldown-cleanup", func() {
		defer ticker.Stop()
		logger.Infof("Starting cooldown cleanup goroutine with interval: %v", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if dropped := cooldowns.Prune(now); dropped > 0 {
					logger.Debugf("Dropped %d expired owner cooldowns", dropped)
				}
			}
		}
	})
}
