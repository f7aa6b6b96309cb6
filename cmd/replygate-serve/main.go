// replygate-serve is the push-notification server: it receives
// mailbox change notifications and runs the auto-reply pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/awarman/replygate/internal/directory"
	"github.com/awarman/replygate/internal/dispatch"
	"github.com/awarman/replygate/internal/filter"
	"github.com/awarman/replygate/internal/generate"
	"github.com/awarman/replygate/internal/mailbox"
	"github.com/awarman/replygate/internal/rate"
	"github.com/awarman/replygate/internal/respond"
	"github.com/awarman/replygate/internal/runtime"
	"github.com/awarman/replygate/internal/server"
)

type serveConfig struct {
	port           int
	projectID      string
	secretName     string
	topic          string
	model          string
	location       string
	alias          string
	maxAgeHours    int
	allowedSenders []string
	labelName      string
	primaryFrom    string
	usePrimaryFrom bool
	directoryURL   string
	directoryKey   string
	rps            int
	testMode       bool
}

func main() {
	cfg := loadConfig()
	if err := run(cfg); err != nil {
		runtime.DefaultLogger().Error("replygate-serve failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() serveConfig {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", 8080)
	v.SetDefault("SECRET_NAME", "gmail-oauth-token")
	v.SetDefault("VERTEX_MODEL", generate.DefaultModel)
	v.SetDefault("VERTEX_LOCATION", "us-central1")
	v.SetDefault("MAX_EMAIL_AGE_HOURS", 24)
	v.SetDefault("AUTO_REPLY_LABEL", "Auto-Replied")
	v.SetDefault("RPS", 4)

	return serveConfig{
		port:           v.GetInt("PORT"),
		projectID:      v.GetString("PROJECT_ID"),
		secretName:     v.GetString("SECRET_NAME"),
		topic:          v.GetString("PUBSUB_TOPIC"),
		model:          v.GetString("VERTEX_MODEL"),
		location:       v.GetString("VERTEX_LOCATION"),
		alias:          v.GetString("ALLOWED_EMAIL_ADDRESS"),
		maxAgeHours:    v.GetInt("MAX_EMAIL_AGE_HOURS"),
		allowedSenders: splitList(v.GetString("ALLOWED_SENDERS")),
		labelName:      v.GetString("AUTO_REPLY_LABEL"),
		primaryFrom:    v.GetString("PRIMARY_FROM"),
		usePrimaryFrom: v.GetBool("USE_PRIMARY_FROM"),
		directoryURL:   v.GetString("DIRECTORY_API_URL"),
		directoryKey:   v.GetString("DIRECTORY_API_KEY"),
		rps:            v.GetInt("RPS"),
		testMode:       v.GetBool("TEST_MODE"),
	}
}

func run(cfg serveConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := runtime.DefaultLogger()
	if cfg.alias == "" && !cfg.testMode {
		return errors.New("ALLOWED_EMAIL_ADDRESS must be set")
	}
	if cfg.topic == "" && cfg.projectID != "" {
		cfg.topic = fmt.Sprintf("projects/%s/topics/new-email", cfg.projectID)
	}

	var gen generate.Generator = generate.Static(generate.FallbackText)
	if !cfg.testMode && cfg.projectID != "" {
		vertex, err := generate.NewVertex(ctx, cfg.projectID, cfg.location, cfg.model, logger)
		if err != nil {
			return fmt.Errorf("create generator: %w", err)
		}
		gen = vertex
	}

	var dir *directory.Client
	if cfg.directoryURL != "" {
		dir = directory.New(cfg.directoryURL, cfg.directoryKey, logger)
	}

	limiter := rate.PerSecond(cfg.rps)
	respondCfg := respond.Config{
		Filter: filter.Config{
			Alias:          cfg.alias,
			MaxAge:         time.Duration(cfg.maxAgeHours) * time.Hour,
			AllowedDomains: cfg.allowedSenders,
		},
		Dispatch: dispatch.Config{
			Alias:          cfg.alias,
			PrimaryFrom:    cfg.primaryFrom,
			UsePrimaryFrom: cfg.usePrimaryFrom,
		},
		LabelName: cfg.labelName,
	}

	srv := &server.Server{
		Logger:   logger,
		Topic:    cfg.topic,
		TestMode: cfg.testMode,
		NewClient: func(ctx context.Context) (mailbox.Client, error) {
			return runtime.NewSecretClient(ctx, cfg.projectID, cfg.secretName)
		},
		NewResponder: func(client mailbox.Client) *respond.Service {
			return respond.NewService(client, limiter, logger, gen, dir, respondCfg)
		},
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr, "test_mode", cfg.testMode)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func splitList(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
