package storage

import (
	"fmt"
	"time"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/logger"
	"xthreadcraft/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// AllModels lists every table owned by this service in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Account{},
		&models.Post{},
		&models.ScheduledDeletion{},
		&models.DeletedPost{},
	}
}

// Initialize opens the database configured in cfg.Database
func Initialize(cfg *config.Config) (*gorm.DB, error) {
	dialector, target, err := dialectorFor(cfg.Database)
	if err != nil {
		return nil, err
	}

	logger.Infof("Connecting to %s database: %s", cfg.Database.Driver, target)

	gormLogger := NewCustomGormLogger(cfg.Database.LogLevel).(*CustomGormLogger)
	if cfg.Database.SQLLogFile {
		w, err := logger.GetRotatingLogWriter(cfg, "xthreadcraft-sql")
		if err != nil {
			return nil, err
		}
		gormLogger = gormLogger.WithOutput(w)
		logger.Infof("SQL statements are logged to a separate file in %s", cfg.Logger.Directory)
	}

	db, err := openWithLogger(dialector, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying SQL DB to configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get SQL DB: %w", err)
	}

	maxOpen := cfg.Database.MaxOpenConns
	if cfg.Database.Driver == "sqlite" {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY under the executor pool
		maxOpen = 1
	}
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	logger.Infof("Database connection established successfully")
	return db, nil
}

// Open wraps gorm.Open with the settings every repository relies on:
// driver errors translated to gorm sentinels, UTC timestamps, and SQL
// logs routed to the application logger.
func Open(dialector gorm.Dialector, logLevel string) (*gorm.DB, error) {
	return openWithLogger(dialector, NewCustomGormLogger(logLevel))
}

func openWithLogger(dialector gorm.Dialector, l gormlogger.Interface) (*gorm.DB, error) {
	return gorm.Open(dialector, &gorm.Config{
		Logger:         l,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
}

// Migrate creates or updates all tables
func Migrate(db *gorm.DB) error {
	for _, m := range AllModels() {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
	}
	return nil
}

func dialectorFor(dbCfg config.DatabaseConfig) (gorm.Dialector, string, error) {
	switch dbCfg.Driver {
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=UTC",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Charset,
			)
		}
		return mysql.Open(dsn), fmt.Sprintf("%s:%d/%s", dbCfg.Host, dbCfg.Port, dbCfg.DBName), nil
	case "postgres":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.DBName,
				dbCfg.SSLMode,
			)
		}
		return postgres.Open(dsn), fmt.Sprintf("%s:%d/%s", dbCfg.Host, dbCfg.Port, dbCfg.DBName), nil
	case "sqlite":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbCfg.Path)
		}
		return sqlite.Open(dsn), dsn, nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", dbCfg.Driver)
	}
}
