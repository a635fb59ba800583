// Command docveille runs one monitoring pass over the configured sites:
// it navigates each site, extracts the listed documents, diffs them
// against the previous run, downloads and validates changed files, and
// reports changes to Telegram.
//
// Usage:
//
//	docveille -config-file docveille.yaml
//	docveille -dry-run                      # no state write, no notifications
//	docveille -dry-run -notify              # no state write, but do notify
//	docveille -site-id ministry-x           # restrict to one site
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/docveille/docveille/browser"
	"github.com/docveille/docveille/config"
	"github.com/docveille/docveille/download"
	"github.com/docveille/docveille/history"
	"github.com/docveille/docveille/monitor"
	"github.com/docveille/docveille/notify"
	"github.com/docveille/docveille/state"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "skip state persistence and notifications")
	forceNotify := flag.Bool("notify", false, "send notifications even in dry-run")
	siteID := flag.String("site-id", "", "restrict the run to one site id")
	configFile := flag.String("config-file", "docveille.yaml", "path to the configuration file")
	configJSON := flag.String("config-json", "", "inline configuration (overrides -config-file)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Credentials may live in a .env next to the config.
	godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configFile, *configJSON, monitor.Options{
		DryRun:      *dryRun,
		ForceNotify: *forceNotify,
		SiteID:      *siteID,
	}); err != nil {
		logger.Error("docveille: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configFile, configJSON string, opts monitor.Options) error {
	var cfg *config.Config
	var err error
	if configJSON != "" {
		cfg, err = config.Parse([]byte(configJSON))
	} else {
		cfg, err = config.Load(configFile)
	}
	if err != nil {
		return err
	}

	st, err := state.Load(cfg.StateFile)
	if err != nil {
		return err
	}

	notifier, err := notify.New(cfg.Notification, logger)
	if err != nil {
		return err
	}

	var hist *history.Log
	if cfg.HistoryFile != "" {
		hist, err = history.Open(cfg.HistoryFile)
		if err != nil {
			return err
		}
		defer hist.Close()
	}

	mgr := browser.NewManager(browser.Config{
		RemoteURL: cfg.Browser.Remote,
		Headless:  cfg.Browser.HeadlessEnabled(),
		Logger:    logger,
	})
	if err := mgr.Start(); err != nil {
		return err
	}
	defer mgr.Close()

	validator := download.NewValidator(download.Config{
		Dir:       cfg.DownloadDir,
		UserAgent: cfg.Browser.UserAgent,
		Logger:    logger,
	})

	open := func(ctx context.Context, url string) (browser.Session, error) {
		return browser.Open(ctx, mgr, url)
	}

	runner := monitor.NewRunner(cfg, st, notifier, validator, hist, open, opts, logger)
	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	ok := 0
	for _, s := range summary.Sites {
		if s.Err == nil {
			ok++
		}
	}
	fmt.Fprintf(os.Stdout, "docveille: %d/%d sites ok\n", ok, len(summary.Sites))
	return nil
}
