// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main is the entry point for the recon control-plane server.
// It initializes all dependencies, configures the server, and starts the
// HTTP service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basaltsec/recon/backend/internal/handler"
	"github.com/basaltsec/recon/backend/internal/kvb"
	"github.com/basaltsec/recon/backend/internal/middleware"
	"github.com/basaltsec/recon/backend/internal/models"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
	"github.com/basaltsec/recon/backend/internal/router"
	"github.com/basaltsec/recon/backend/internal/scanner"
	"github.com/basaltsec/recon/backend/internal/service"
	"github.com/basaltsec/recon/backend/internal/types"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Build information, injected via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the root command for the CLI application.
var rootCmd = &cobra.Command{
	Use:   "recon-server",
	Short: "Recon control plane - network scan orchestration with live streaming",
	Long: `A control plane for network reconnaissance: accepts scan submissions,
dispatches them to an external scanner, follows progress over a Redis bus,
classifies results into findings, and streams live output to WebSocket
clients.`,
	Run: runServer,
}

// init initializes command-line flags and environment variable bindings.
func init() {
	rootCmd.Flags().String("host", "0.0.0.0", "Server host")
	rootCmd.Flags().IntP("port", "p", 8080, "Server port")
	rootCmd.Flags().String("db-url", "", "Postgres connection URL (empty = in-memory storage)")
	rootCmd.Flags().Int("db-max-conns", 10, "Maximum Postgres pool connections")
	rootCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	rootCmd.Flags().String("redis-password", "", "Redis password")
	rootCmd.Flags().Int("redis-db", 0, "Redis database number")
	rootCmd.Flags().String("scanner-url", "", "External scanner submit endpoint (e.g., http://port-scanner:8080/scan)")
	rootCmd.Flags().String("callback-url", "", "Base URL the scanner calls back on (e.g., http://recon-server:8080)")
	rootCmd.Flags().Int("scanner-timeout", 30, "Scanner submission timeout in seconds")
	rootCmd.Flags().Int("max-workers", 64, "Maximum concurrent scan watchers")
	rootCmd.Flags().Duration("watcher-poll-interval", 1500*time.Millisecond, "Interval between scan status polls")
	rootCmd.Flags().Duration("watcher-receive-timeout", time.Second, "Watcher pub/sub receive timeout")
	rootCmd.Flags().Duration("watcher-inactivity-timeout", 2*time.Minute, "Progress silence before a running scan is failed")
	rootCmd.Flags().StringSlice("cors-allowed-origins", []string{"*"}, "CORS allowed origins")
	rootCmd.Flags().String("oidc-client-id", "", "OIDC client ID")
	rootCmd.Flags().String("oidc-client-secret", "", "OIDC client secret")
	rootCmd.Flags().String("oidc-issuer", "", "OIDC issuer URL")
	rootCmd.Flags().String("oidc-redirect-url", "", "OIDC redirect URL")
	rootCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")

	viper.BindPFlags(rootCmd.Flags())

	// Set environment variable prefix to "RECON"
	viper.SetEnvPrefix("RECON")
	viper.AutomaticEnv()
	// Replace hyphens with underscores in environment variable names
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// runServer is the main server execution function.
func runServer(cmd *cobra.Command, args []string) {
	oidcClientID := viper.GetString("oidc-client-id")
	oidcClientSecret := viper.GetString("oidc-client-secret")
	oidcIssuer := viper.GetString("oidc-issuer")

	cfg := &types.Config{
		Server: types.ServerConfig{
			Host: viper.GetString("host"),
			Port: viper.GetInt("port"),
		},
		Database: types.DatabaseConfig{
			URL:      viper.GetString("db-url"),
			MaxConns: viper.GetInt("db-max-conns"),
		},
		Redis: types.RedisConfig{
			Addr:     viper.GetString("redis-addr"),
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
		},
		Scanner: types.ScannerConfig{
			URL:           viper.GetString("scanner-url"),
			CallbackURL:   viper.GetString("callback-url"),
			SubmitTimeout: time.Duration(viper.GetInt("scanner-timeout")) * time.Second,
			MaxWorkers:    viper.GetInt("max-workers"),
		},
		Watcher: types.WatcherConfig{
			PollInterval:      viper.GetDuration("watcher-poll-interval"),
			ReceiveTimeout:    viper.GetDuration("watcher-receive-timeout"),
			InactivityTimeout: viper.GetDuration("watcher-inactivity-timeout"),
		},
		CORS: types.CORSConfig{
			AllowedOrigins: viper.GetStringSlice("cors-allowed-origins"),
		},
		OIDC: types.OIDCConfig{
			ClientID:     oidcClientID,
			ClientSecret: oidcClientSecret,
			Issuer:       oidcIssuer,
			RedirectURL:  viper.GetString("oidc-redirect-url"),
			Enabled:      oidcClientID != "" && oidcClientSecret != "" && oidcIssuer != "",
		},
		Log: types.LogConfig{
			Level: viper.GetString("log-level"),
		},
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting recon control-plane server")
	log.Info("  Version: %s (%s, built %s)", version, commit, date)
	log.Info("=================================")

	log.Info("Scanner configuration:")
	log.Info("  Scanner URL: %s", cfg.Scanner.URL)
	log.Info("  Callback URL: %s", cfg.Scanner.CallbackURL)
	log.Info("  Submit timeout: %s", cfg.Scanner.SubmitTimeout)
	log.Info("  Max watchers: %d", cfg.Scanner.MaxWorkers)

	if cfg.OIDC.Enabled {
		log.Info("OIDC authentication: ENABLED")
		log.Info("  Issuer: %s", cfg.OIDC.Issuer)
		log.Info("  Client ID: %s", cfg.OIDC.ClientID)
		log.Info("  Redirect URL: %s", cfg.OIDC.RedirectURL)
	} else {
		log.Info("OIDC authentication: DISABLED (all requests run as %q)", "anonymous")
	}

	ctx := context.Background()

	// Initialize storage
	var repos *repository.Repositories
	if cfg.Database.URL == "" {
		log.Info("Database: in-memory repositories (no --db-url given)")
		repos = repository.NewInMemoryRepositories()
	} else {
		log.Info("Database: Postgres (max conns: %d)", cfg.Database.MaxConns)
		pool, err := repository.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			log.Error("Failed to connect to Postgres: %v", err)
			return
		}
		defer pool.Close()
		if err := repository.Bootstrap(ctx, pool); err != nil {
			log.Error("Failed to bootstrap database schema: %v", err)
			return
		}
		repos = repository.NewPostgresRepositories(pool)
	}

	// Initialize the key-value bus
	log.Info("Connecting to Redis at %s (db %d)", cfg.Redis.Addr, cfg.Redis.DB)
	bus, err := kvb.NewRedisBus(ctx, &cfg.Redis)
	if err != nil {
		log.Error("Failed to connect to Redis: %v", err)
		return
	}
	defer bus.Close()

	// Initialize the OIDC provider, shared by the auth handler and middleware
	var provider *oidc.Provider
	if cfg.OIDC.Enabled {
		provider, err = oidc.NewProvider(ctx, cfg.OIDC.Issuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider: %v", err)
			return
		}
	}

	// Initialize services
	scannerClient := scanner.NewHTTPClient(&cfg.Scanner, log)
	scanService := service.NewScanService(repos, bus, scannerClient, cfg.Watcher, cfg.Scanner.MaxWorkers, log)
	streamService := service.NewStreamService(repos, bus, log)
	targetService := service.NewTargetService(repos, log)
	findingService := service.NewFindingService(repos, log)
	dashboardService := service.NewDashboardService(repos, log)
	reportService := service.NewReportService(repos, log)
	presetService := service.NewPresetService(bus, log)
	sessionService := service.NewSessionService(7 * 24 * time.Hour) // 7 days session TTL

	// Start the watcher pool and resume scans orphaned by a restart
	scanService.Start()
	defer scanService.Stop()

	// Initialize HTTP handlers
	scanHandler := handler.NewScanHandler(scanService, log)
	streamHandler := handler.NewStreamHandler(streamService, scanService, log)
	targetHandler := handler.NewTargetHandler(targetService, log)
	findingHandler := handler.NewFindingHandler(findingService, log)
	dashboardHandler := handler.NewDashboardHandler(dashboardService, log)
	reportHandler := handler.NewReportHandler(reportService, log)
	presetHandler := handler.NewPresetHandler(presetService, log)
	authHandler := handler.NewAuthHandler(&cfg.OIDC, provider, sessionService, repos.Users, log)
	versionHandler := handler.NewVersionHandler(models.VersionInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	})

	auth := middleware.NewAuthenticator(&cfg.OIDC, provider, sessionService, repos.Users, log)

	// Set up router and middleware
	r := router.New(
		scanHandler,
		streamHandler,
		targetHandler,
		findingHandler,
		dashboardHandler,
		reportHandler,
		presetHandler,
		authHandler,
		versionHandler,
		auth,
	)
	engine := r.Setup(cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	// Set up graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Info("=================================")
	log.Info("Server listening on %s", addr)
	log.Info("Press Ctrl+C to stop")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed: %v", err)
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Forced shutdown: %v", err)
	}

	log.Info("Goodbye!")
}

// main is the application entry point.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
