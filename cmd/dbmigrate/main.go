package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/storage"

	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	action := flag.String("action", "migrate", "Action to perform (migrate, reset, status)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := storage.Initialize(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	switch *action {
	case "migrate":
		if err := migrateDatabase(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migration completed successfully")
	case "reset":
		if err := resetDatabase(db); err != nil {
			log.Fatalf("Reset failed: %v", err)
		}
		log.Println("Database reset completed successfully")
	case "status":
		if err := checkStatus(db); err != nil {
			log.Fatalf("Status check failed: %v", err)
		}
	default:
		log.Fatalf("Unknown action: %s", *action)
	}
}

func migrateDatabase(db *gorm.DB) error {
	fmt.Println("Migrating database...")
	return storage.Migrate(db)
}

// resetDatabase drops every table and recreates them
func resetDatabase(db *gorm.DB) error {
	fmt.Println("Resetting database...")

	fmt.Print("WARNING: This will delete all scheduled deletions and the deletion history! Are you sure? (y/N): ")
	var confirmation string
	fmt.Scanln(&confirmation)

	if confirmation != "y" && confirmation != "Y" {
		return fmt.Errorf("operation cancelled by user")
	}

	all := storage.AllModels()
	for i := len(all) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(all[i]); err != nil {
			return fmt.Errorf("failed to drop %T table: %w", all[i], err)
		}
	}

	return migrateDatabase(db)
}

func checkStatus(db *gorm.DB) error {
	fmt.Println("Checking database status...")

	for _, m := range storage.AllModels() {
		if !db.Migrator().HasTable(m) {
			fmt.Printf("❌ %T table does not exist\n", m)
			continue
		}
		var count int64
		if err := db.Model(m).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count %T: %w", m, err)
		}
		fmt.Printf("✅ %T table exists\n   - Contains %d records\n", m, count)
	}

	if !db.Migrator().HasTable(storage.AllModels()[2]) {
		return nil
	}
	counts, err := storage.NewDeletionRepository(db).CountByStatus(context.Background())
	if err != nil {
		return fmt.Errorf("failed to count scheduled deletions by status: %w", err)
	}
	for _, c := range counts {
		fmt.Printf("   - %s: %d\n", c.Status, c.Total)
	}
	return nil
}
