// Package main implements a Cloud Run service that reports badminton court
// availability from a ClubWise booking site by replaying a recorded browser session.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"clubwise-courts/booking"
	"clubwise-courts/clubwise"
	"clubwise-courts/email"
	"clubwise-courts/poll"
	"clubwise-courts/recorder"
	"clubwise-courts/server"
	"clubwise-courts/storage"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	// Default to local development mode if no bucket specified
	if cfg.Bucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", cfg.LocalStorage)
	}

	var storageClient *gcs.Client
	if cfg.LocalStorage != "" {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o700); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
	} else {
		var err error
		storageClient, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize storage client: %w", err)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}
	store := storage.New(storageClient, cfg.Bucket, cfg.LocalStorage, logger)

	rec := recorder.New(&recorder.Config{
		Logger:    logger,
		LoginURL:  cfg.LoginURL,
		Email:     cfg.Email,
		Password:  cfg.Password,
		Activity:  cfg.Activity,
		ExecPath:  cfg.ChromePath,
		NextSteps: cfg.NextSteps,
		Settle:    cfg.Settle,
		Timeout:   cfg.RecordTimeout,
		Headless:  cfg.Headless,
		NoSandbox: cfg.NoSandbox,
	})

	replayer, err := clubwise.New(&clubwise.Config{
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.ReplayTimeout,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create replay client: %w", err)
	}

	svc := booking.New(&booking.Config{
		Store:    store,
		Recorder: rec,
		Replayer: replayer,
		Alerter:  newAlerter(ctx, cfg, logger),
		Logger:   logger,
		CacheTTL: cfg.CacheTTL,
	})

	if cfg.WarmInterval > 0 {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return fmt.Errorf("load timezone: %w", err)
		}
		go poll.New(svc, logger, cfg.WarmInterval, loc).Run(ctx)
	}

	srv := server.New(&server.Config{
		Availability:   svc,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateBurst:      cfg.RateBurst,
		RefreshToken:   cfg.RefreshToken,
	})
	return srv.ListenAndServe(ctx, cfg.Port)
}

// newAlerter picks an email provider for operator alerts, or returns nil when
// no operator address is configured.
func newAlerter(ctx context.Context, cfg *config, logger *slog.Logger) booking.Alerter {
	if cfg.AlertTo == "" {
		logger.Info("No ALERT_EMAIL set, capture failures will only be logged")
		return nil
	}

	var provider email.Provider
	switch {
	case cfg.BrevoAPIKey != "":
		logger.Info("Using Brevo for operator alerts")
		provider = email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.AlertFrom, "Court Availability", logger)
	default:
		gmailService, err := initGmailService(ctx)
		if err != nil {
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			provider = email.NewMockProvider(logger)
		} else {
			logger.Info("Using Gmail for operator alerts")
			provider = email.NewGmailProvider(gmailService, logger)
		}
	}
	return email.New(provider, logger, cfg.AlertTo, cfg.BaseURL)
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Cloud Run provides Application Default Credentials; the service account
	// needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
