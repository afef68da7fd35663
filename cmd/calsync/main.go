package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/bizblasts/calsync/internal/auth"
	"github.com/bizblasts/calsync/internal/caldav"
	"github.com/bizblasts/calsync/internal/config"
	"github.com/bizblasts/calsync/internal/coordinator"
	"github.com/bizblasts/calsync/internal/crypto"
	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/health"
	"github.com/bizblasts/calsync/internal/notify"
	"github.com/bizblasts/calsync/internal/scheduler"
	"github.com/bizblasts/calsync/internal/validator"
	"github.com/bizblasts/calsync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second

	// Outbound calls to calendar providers.
	providerTimeout = 30 * time.Second
)

// version is set at build time.
var version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting calsync...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	if err := cfg.Validate(ctx); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	database, err := db.New(cfg.Database.Path, encryptor)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	checks := map[string]health.Pinger{"database": database}

	// Nonces live in Redis when configured so every instance shares them.
	var nonces auth.NonceStore
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Printf("Error closing redis: %v", err)
			}
		}()
		nonces = auth.NewRedisNonceStore(rdb)
		checks["redis"] = health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		log.Println("Using redis nonce store")
	} else {
		nonces = auth.NewMemoryNonceStore(nil)
	}

	signer, err := auth.NewStateSigner(cfg.Security.StateSigningKey, nil)
	if err != nil {
		log.Fatalf("Failed to initialize state signer: %v", err)
	}

	var validatorOpts []validator.Option
	if cfg.CalDAV.AllowPrivateIPs {
		validatorOpts = append(validatorOpts, validator.WithAllowPrivateIPs())
	}
	urlValidator := validator.New(validatorOpts...)
	httpClient := urlValidator.HTTPClient(providerTimeout)

	caldavFactory := caldav.NewFactory(cfg.CalDAV.ICloudURL)
	caldavFactory.HTTPClient = httpClient

	oauthCfg := auth.Config{
		BaseURL:    cfg.Server.BaseURL,
		Signer:     signer,
		Nonces:     nonces,
		Store:      database,
		HTTPClient: httpClient,
		Accounts: &auth.ProviderAccounts{
			Google:     auth.NewGoogleIdentity(auth.GoogleIssuer, httpClient),
			HTTPClient: httpClient,
		},
	}
	if cfg.Google.Enabled() {
		oauthCfg.Google = &auth.ClientCredentials{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
		}
	}
	if cfg.Microsoft.Enabled() {
		oauthCfg.Microsoft = &auth.ClientCredentials{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
		}
		oauthCfg.MicrosoftTenant = cfg.Microsoft.Tenant
	}
	oauthHandler := auth.NewOAuthHandler(oauthCfg)

	notifyOpts := []notify.Option{notify.WithStaffDirectory(database)}
	if cfg.Alerts.ResendAPIKey != "" {
		notifyOpts = append(notifyOpts, notify.WithEmailSender(
			notify.NewResendSender(cfg.Alerts.ResendAPIKey, cfg.Alerts.EmailFrom),
		))
	}
	notifier := notify.New(cfg.Notify(), notifyOpts...)
	defer notifier.Wait()

	if notifier.IsEnabled() {
		log.Printf("Reconnect alerts enabled (webhook: %v, email: %v, cooldown: %s)",
			cfg.Alerts.WebhookURL != "", cfg.Alerts.ResendAPIKey != "", cfg.Alerts.Cooldown)
	}

	providers := coordinator.NewProviderFactory(coordinator.Providers{
		CalDAV:    caldavFactory,
		Refresher: oauthHandler,
	})
	coord := coordinator.New(database, providers, coordinator.WithAlerter(notifier))

	sched := scheduler.New(database, coord, scheduler.Config{
		RetrySchedule: cfg.Sync.RetrySchedule,
		RetryLimit:    cfg.Sync.RetryLimit,
		Workers:       cfg.Sync.Workers,
	})

	healthChecker := health.NewChecker(version, checks)

	handlers := web.NewHandlers(web.Deps{
		Config:      cfg,
		Store:       database,
		OAuth:       oauthHandler,
		Flows:       auth.NewFlowSessions(cfg.Security.SessionSecret, cfg.IsProduction()),
		CalDAV:      caldavFactory,
		Validator:   urlValidator,
		Coordinator: coord,
		Scheduler:   sched,
		Notifier:    notifier,
		Health:      healthChecker,
	})

	templates, err := web.LoadTemplates()
	if err != nil {
		log.Fatalf("Failed to load templates: %v", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())
	router.SetHTMLTemplate(templates)

	web.SetupRoutes(router, handlers)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	sched.Stop()

	log.Println("Server stopped")
}
