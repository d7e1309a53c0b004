package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/crash"
	"xthreadcraft/internal/handler"
	"xthreadcraft/internal/logger"
	"xthreadcraft/internal/poststore"
	"xthreadcraft/internal/server"
	"xthreadcraft/internal/service"
	"xthreadcraft/internal/storage"
)

const cooldownCleanupInterval = 10 * time.Minute

func main() {
	// log any panic with its stack before exiting
	defer crash.RecoverWithStackAndExit("main")
	crash.SetupCrashHandler()

	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single scheduler tick and exit")
	tokenFor := flag.String("token-for", "", "Print an API token for the given owner id and exit")
	tokenTTL := flag.Duration("token-ttl", 0, "Lifetime of the token printed by -token-for (0 never expires)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatalf("auth.jwt_secret is required")
	}

	if *tokenFor != "" {
		token, err := handler.IssueToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, *tokenFor, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	if err := logger.Setup(cfg); err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	db, err := storage.Initialize(cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	repos := service.NewRepositories(db)
	if err := repos.MigrateTables(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	logger.Info("Database connection established and repositories initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := newPostStore(ctx, cfg, repos)
	if err != nil {
		logger.Fatalf("Failed to initialize %s post store: %v", cfg.Platform, err)
	}

	executor := service.NewExecutor(repos, store, cfg.Scheduler)
	scheduler := service.NewScheduler(repos, executor, cfg.Scheduler)

	if *once {
		report, err := scheduler.RunOnce(ctx)
		if err != nil {
			logger.Fatalf("Scheduler tick failed: %v", err)
		}
		logger.Infof("Tick complete: %+v", report)
		return
	}

	svc := service.NewDeletionService(repos, store, executor, cfg.Scheduler)
	srv := server.New(cfg.Server, handler.NewRouter(cfg.Auth, svc, pinger(db)))

	crash.SafeGoroutine("http-server", func() {
		if err := srv.Start(); err != nil {
			logger.Fatalf("HTTP server error: %v", err)
		}
	})

	service.StartCooldownCleanup(ctx, executor.Cooldowns(), cooldownCleanupInterval)

	schedulerDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		crash.SafeGoroutine("scheduler", func() {
			defer close(schedulerDone)
			scheduler.Run(ctx)
		})
	} else {
		logger.Info("Scheduler is disabled; scheduled deletions will not be executed by this instance")
		close(schedulerDone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-sigChan
	logger.Infof("Received signal: %v, shutting down...", sig)
	cancel()

	logger.Info("Waiting for in-flight deletions to complete...")
	select {
	case <-schedulerDone:
		logger.Info("Scheduler stopped")
	case <-time.After(30 * time.Second):
		// unfinished requests keep their lease and are picked up again once it expires
		logger.Warning("Timeout waiting for scheduler, proceeding with shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	logger.Info("Server gracefully stopped")
}

func newPostStore(ctx context.Context, cfg *config.Config, repos *service.Repositories) (poststore.Store, error) {
	switch cfg.Platform {
	case config.PlatformTelegram:
		return poststore.NewTelegramStore(ctx, cfg.Telegram.Token, cfg.Telegram.APIServer, cfg.Telegram.DefaultChannel)
	default:
		return poststore.NewTwitterStore(poststore.TwitterOptions{
			BaseURL:        cfg.Twitter.APIBaseURL,
			ConsumerKey:    cfg.Twitter.ConsumerKey,
			ConsumerSecret: cfg.Twitter.ConsumerSecret,
			Token:          cfg.Twitter.UserToken,
			Secret:         cfg.Twitter.UserSecret,
			Timeout:        cfg.Twitter.Timeout,
		}, repos.Accounts), nil
	}
}

func pinger(db *gorm.DB) handler.Pinger {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
