package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AzielCF/az-gateway/core/config"
	"github.com/AzielCF/az-gateway/core/database"
	"github.com/AzielCF/az-gateway/domains/queue"
	"github.com/AzielCF/az-gateway/infrastructure/calendar"
	infraLLM "github.com/AzielCF/az-gateway/infrastructure/llm"
	"github.com/AzielCF/az-gateway/infrastructure/platform"
	"github.com/AzielCF/az-gateway/infrastructure/store"
	"github.com/AzielCF/az-gateway/infrastructure/valkey"
	"github.com/AzielCF/az-gateway/pkg/utils"
	"github.com/AzielCF/az-gateway/repository"
	"github.com/AzielCF/az-gateway/ui/rest"
	"github.com/AzielCF/az-gateway/ui/rest/middleware"
	"github.com/AzielCF/az-gateway/usecase"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the message processing core and ops REST surface",
	Run:   runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalln("Failed to load configuration:", err)
	}
	if p := viper.GetString("app_port"); p != "" {
		cfg.App.Port = p
	}
	if viper.GetBool("app_debug") {
		cfg.App.Debug = true
	}

	serverID := utils.PersistentServerID(cfg.App.ServerID, cfg.App.BaseDir)
	logrus.WithField("server_id", serverID).Infof("[DAEMON] Starting az-gateway %s", cfg.App.Version)

	db, err := database.NewDatabase(cfg)
	if err != nil {
		logrus.Fatalln("Failed to connect database:", err)
	}
	repo, err := repository.NewGormRepository(db)
	if err != nil {
		logrus.Fatalln("Failed to initialize repository:", err)
	}

	storeOpts := store.Options{
		LeaseTTL: cfg.Worker.LeaseTTL(),
		DedupTTL: time.Duration(cfg.Dedup.TTLSeconds) * time.Second,
	}

	var msgStore queue.MessageStore
	var vkClient *valkey.Client
	if cfg.Database.ValkeyEnabled {
		vkClient, err = valkey.NewClient(valkey.Config{
			Address:   cfg.Database.ValkeyAddress,
			Password:  cfg.Database.ValkeyPassword,
			DB:        cfg.Database.ValkeyDB,
			KeyPrefix: cfg.Database.ValkeyKeyPrefix,
		})
		if err != nil {
			logrus.Fatalln("Failed to connect Valkey:", err)
		}
		msgStore = store.NewValkeyStore(vkClient, storeOpts)
		logrus.Info("[DAEMON] Using Valkey message store")
	} else {
		msgStore = store.NewMemoryStore(storeOpts)
		logrus.Info("[DAEMON] Using in-memory message store")
	}

	llmClient := infraLLM.NewClient(infraLLM.Options{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Timeout:     cfg.LLM.Timeout(),
		MaxAttempts: cfg.LLM.MaxRetries,
	})

	hub := platform.NewWebchatHub()
	sender := platform.NewGraphClient(cfg.Platform.GraphBaseURL, cfg.Platform.Timeout(), hub)

	calClient := calendar.NewClient(calendar.Options{
		BaseURL:      cfg.Calendar.BaseURL,
		TokenURL:     cfg.Calendar.TokenURL,
		ClientID:     cfg.Calendar.ClientID,
		ClientSecret: cfg.Calendar.ClientSecret,
		Timeout:      cfg.Calendar.Timeout(),
	})

	ledger := usecase.NewCreditsService(msgStore, repo)
	booker := usecase.NewBookerService(repo, calClient, usecase.BookerMessages{
		NoCredentials: cfg.Calendar.NoCredsMessage,
		Failed:        cfg.Calendar.FailedMessage,
	})
	persister := usecase.NewPersister(repo, ledger,
		cfg.Persistence.Workers, cfg.Persistence.QueueSize, cfg.Persistence.Retries)

	deps := usecase.WorkerDeps{
		Store:     msgStore,
		Session:   usecase.NewSessionService(msgStore, repo),
		Credits:   ledger,
		LLM:       llmClient,
		Sender:    sender,
		Booker:    booker,
		Persister: persister,
	}
	settings := usecase.WorkerSettings{
		LockTTL:     cfg.Worker.LockTTL(),
		LockRetries: cfg.Worker.LockRetries,
		RateLimit:   cfg.RateLimit,
	}

	manager := usecase.NewManager(msgStore, deps, settings, cfg.Manager, cfg.Worker.Concurrency)
	manager.Start()

	app := fiber.New(fiber.Config{
		AppName:               "Az-Gateway " + cfg.App.Version,
		DisableStartupMessage: !cfg.App.Debug,
	})
	app.Use(requestid.New())
	app.Use(cors.New())
	app.Use(middleware.Recovery())
	if cfg.App.Debug {
		app.Use(logger.New())
	}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	api := app.Group("/api")
	rest.InitRestOps(api, rest.OpsDeps{
		Store:   msgStore,
		DB:      repo,
		LLM:     llmClient,
		Fleet:   manager,
		Version: cfg.App.Version,
	})
	rest.InitRestWebchat(api, hub)
	rest.InitRestFallback(app)

	go func() {
		if err := app.Listen(":" + cfg.App.Port); err != nil {
			logrus.WithError(err).Fatal("[REST] Server stopped")
		}
	}()
	logrus.Infof("[DAEMON] Ops surface listening on :%s", cfg.App.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("[DAEMON] Termination signal received, shutting down gracefully...")

	if err := app.Shutdown(); err != nil {
		logrus.WithError(err).Error("[DAEMON] Fiber shutdown failed")
	}

	manager.Shutdown()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Manager.DrainTimeout())
	defer cancel()
	if err := persister.Shutdown(drainCtx); err != nil {
		logrus.WithError(err).Warn("[DAEMON] Persistence executor did not drain in time")
	}

	msgStore.Close()
	if vkClient != nil {
		vkClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logrus.Info("[DAEMON] Shutdown complete")
}
