// replygate-run processes the current mailbox state once from the
// local machine: it reads the profile cursor, lets the backfill scan
// surface recent unread mail, and runs each candidate through the
// pipeline. Useful for development and for catching up after downtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/awarman/replygate/internal/dispatch"
	"github.com/awarman/replygate/internal/filter"
	"github.com/awarman/replygate/internal/generate"
	"github.com/awarman/replygate/internal/rate"
	"github.com/awarman/replygate/internal/respond"
	"github.com/awarman/replygate/internal/runtime"
)

type runConfig struct {
	cfgDir    string
	alias     string
	maxAge    time.Duration
	domains   string
	labelName string
	replyText string
	projectID string
	location  string
	model     string
	rps       int
	dryRun    bool
}

func main() {
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		runtime.DefaultLogger().Error("replygate-run failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() runConfig {
	cfgDir := flag.String("config", os.ExpandEnv("$HOME/.gmailctl"), "gmailctl auth directory")
	alias := flag.String("alias", "", "monitored receiving address (required)")
	maxAge := flag.Duration("max-age", filter.DefaultMaxAge, "reply window")
	domains := flag.String("allowed-domains", "", "comma separated sender domain whitelist")
	labelName := flag.String("label", "Auto-Replied", "reply-marker label name")
	replyText := flag.String("reply-text", "", "fixed reply text; skips model generation")
	projectID := flag.String("project", "", "cloud project for model generation")
	location := flag.String("location", "us-central1", "model region")
	model := flag.String("model", generate.DefaultModel, "generation model")
	rps := flag.Int("rps", 4, "max requests per second")
	dryRun := flag.Bool("dry-run", false, "log decisions; send nothing")
	flag.Parse()

	return runConfig{
		cfgDir:    *cfgDir,
		alias:     *alias,
		maxAge:    *maxAge,
		domains:   *domains,
		labelName: *labelName,
		replyText: *replyText,
		projectID: *projectID,
		location:  *location,
		model:     *model,
		rps:       *rps,
		dryRun:    *dryRun,
	}
}

func run(cfg runConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.alias == "" {
		return fmt.Errorf("-alias is required")
	}
	logger := runtime.DefaultLogger()

	client, err := runtime.NewLocalClient(ctx, cfg.cfgDir)
	if err != nil {
		return fmt.Errorf("create mailbox client: %w", err)
	}

	var gen generate.Generator
	switch {
	case cfg.replyText != "":
		gen = generate.Static(cfg.replyText)
	case cfg.projectID != "":
		gen, err = generate.NewVertex(ctx, cfg.projectID, cfg.location, cfg.model, logger)
		if err != nil {
			return fmt.Errorf("create generator: %w", err)
		}
	default:
		gen = generate.Static(generate.FallbackText)
	}

	svc := respond.NewService(client, rate.PerSecond(cfg.rps), logger, gen, nil, respond.Config{
		Filter: filter.Config{
			Alias:          cfg.alias,
			MaxAge:         cfg.maxAge,
			AllowedDomains: splitList(cfg.domains),
		},
		Dispatch:  dispatch.Config{Alias: cfg.alias},
		LabelName: cfg.labelName,
		DryRun:    cfg.dryRun,
	})

	// The profile cursor is the newest position in the change stream,
	// so the history tiers come back empty and the backfill scan does
	// the discovery.
	profile, err := client.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	logger.Info("scanning mailbox", "account", profile.EmailAddress, "dry_run", cfg.dryRun)

	candidates, err := svc.Fetcher.Candidates(ctx, profile.History)
	if err != nil {
		return fmt.Errorf("fetch candidates: %w", err)
	}
	for _, meta := range candidates {
		outcome, err := svc.ProcessMessage(ctx, meta)
		if err != nil {
			logger.Error("candidate failed", "id", meta.ID, "error", err)
			continue
		}
		if outcome.Replied {
			logger.Info("replied", "id", meta.ID, "sent", outcome.Sent)
		} else {
			logger.Info("skipped", "id", meta.ID, "reason", outcome.Reason.String())
		}
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
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
