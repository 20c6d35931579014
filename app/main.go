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

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/lysyi3m/feed-poller/app/api"
	"github.com/lysyi3m/feed-poller/app/backoff"
	"github.com/lysyi3m/feed-poller/app/cfg"
	"github.com/lysyi3m/feed-poller/app/database"
	"github.com/lysyi3m/feed-poller/app/feed"
	"github.com/lysyi3m/feed-poller/app/reconcile"
	"github.com/lysyi3m/feed-poller/app/subscription"
	"github.com/lysyi3m/feed-poller/app/tasks"
)

type App struct {
	cfg.Options

	Poll    PollCommand    `command:"poll" description:"Poll due feeds and reconcile their entries"`
	Archive ArchiveCommand `command:"archive" description:"Archive stale entries on each feed's archive clock"`
	Serve   ServeCommand   `command:"serve" description:"Serve the HTTP API, health and metrics endpoints"`
	Migrate MigrateCommand `command:"migrate" description:"Apply pending database migrations and exit"`
}

var app App

func main() {
	parser := flags.NewParser(&app, flags.HelpFlag|flags.PassDoubleDash)

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				fmt.Println(flagsErr.Message)
				return
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore connects to the configured database and applies migrations.
func openStore(ctx context.Context, opts *cfg.Options) (*database.DB, error) {
	setupLogger(opts.Debug)

	if err := opts.ValidateDriver(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyTimezone(opts.Timezone); err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", opts.Timezone, err)
	}

	db, err := database.Open(ctx, database.Dialect(opts.Driver), opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("Database ready", "driver", opts.Driver, "migration_version", version, "dirty", dirty)

	return db, nil
}

type runtime struct {
	db        *database.DB
	config    cfg.SchedulerConfig
	worker    *tasks.Worker
	scheduler *tasks.Scheduler
}

func setup(ctx context.Context, opts *cfg.Options) (*runtime, error) {
	config, err := opts.SchedulerConfig()
	if err != nil {
		return nil, err
	}

	policy, err := backoff.NewFromConfig(config)
	if err != nil {
		return nil, err
	}

	db, err := openStore(ctx, opts)
	if err != nil {
		return nil, err
	}
	db.SetClaimTTL(config.ClaimTTL)

	fetcher := feed.NewFetcher(&http.Client{}, feed.NewHostLimiter(config.HostInterval),
		config.UserAgent, config.FetchTimeout, config.MaxResponseBytes)
	parser := feed.NewParser(feed.NewSanitizer())
	reconciler := reconcile.New(feed.NewLanguageDetector())

	worker := tasks.NewWorker(db, fetcher, parser, reconciler, policy)

	return &runtime{
		db:        db,
		config:    config,
		worker:    worker,
		scheduler: tasks.NewScheduler(db, worker, config),
	}, nil
}

type PollCommand struct {
	FeedURL   string `long:"feed-url" description:"Process only this feed now, registering it if unknown"`
	FeedUUID  string `long:"feed-uuid" description:"Process only the feed with this UUID now"`
	FeedsFile string `long:"feeds-file" env:"FEEDS_FILE" description:"YAML file of feeds to register before polling"`
}

func (c *PollCommand) Execute(args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := setup(ctx, &app.Options)
	if err != nil {
		return err
	}
	defer rt.db.Close()

	slog.Info("Starting feed poller", "version", cfg.GetVersion())

	if c.FeedsFile != "" {
		if err := registerSeeds(ctx, rt.worker, c.FeedsFile); err != nil {
			return err
		}
	}

	switch {
	case c.FeedURL != "":
		return pollURL(ctx, rt, c.FeedURL)
	case c.FeedUUID != "":
		id, err := uuid.Parse(c.FeedUUID)
		if err != nil {
			return &cfg.ConfigurationError{Field: "feed-uuid", Reason: err.Error()}
		}
		f, err := database.NewFeedRepository(rt.db).GetFeedByUUID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to find feed %s: %w", id, err)
		}
		return pollFeed(ctx, rt, f)
	default:
		return rt.scheduler.Run(ctx)
	}
}

// registerSeeds makes sure every feed in the seed file is known. Feeds
// that cannot be fetched yet are logged and skipped.
func registerSeeds(ctx context.Context, worker *tasks.Worker, path string) error {
	seeds, err := feed.LoadSeeds(path)
	if err != nil {
		return err
	}

	registered := 0
	for _, seed := range seeds {
		if ctx.Err() != nil {
			break
		}

		f, err := worker.Discover(ctx, seed.URL)
		if errors.Is(err, tasks.ErrStoreUnavailable) {
			return err
		}
		if err != nil {
			slog.Warn("Failed to register feed", "url", seed.URL, "name", seed.Name, "error", err)
			continue
		}

		slog.Debug("Registered feed", "url", f.URL, "uuid", f.UUID, "title", f.Title)
		registered++
	}

	slog.Info("Feeds registered", "registered", registered, "total", len(seeds))
	return nil
}

func pollURL(ctx context.Context, rt *runtime, rawURL string) error {
	url, err := feed.CanonicalURL(rawURL)
	if err != nil {
		return &cfg.ConfigurationError{Field: "feed-url", Reason: err.Error()}
	}

	f, err := database.NewFeedRepository(rt.db).GetFeedByURL(ctx, url)
	if errors.Is(err, database.ErrNotFound) {
		created, err := rt.worker.Discover(ctx, url)
		if errors.Is(err, tasks.ErrStoreUnavailable) {
			return err
		}
		if err != nil {
			slog.Warn("Feed could not be registered", "url", url, "error", err)
			return nil
		}
		slog.Info("Feed registered", "url", created.URL, "uuid", created.UUID, "next_fetch_at", created.NextFetchAt)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", tasks.ErrStoreUnavailable, err)
	}

	return pollFeed(ctx, rt, f)
}

func pollFeed(ctx context.Context, rt *runtime, f *database.Feed) error {
	res, err := rt.scheduler.RunFeed(ctx, f.ID)
	if errors.Is(err, tasks.ErrFeedBusy) {
		slog.Warn("Feed is being processed by another worker", "feed", f.URL)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("Feed processed", "feed", res.URL, "outcome", res.Outcome.String(), "next_fetch_at", res.NextFetchAt)
	return nil
}

type ArchiveCommand struct{}

func (c *ArchiveCommand) Execute(args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := setup(ctx, &app.Options)
	if err != nil {
		return err
	}
	defer rt.db.Close()

	return tasks.NewSweeper(rt.db, rt.config).Run(ctx)
}

type ServeCommand struct {
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`
}

func (c *ServeCommand) Execute(args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := setup(ctx, &app.Options)
	if err != nil {
		return err
	}
	defer rt.db.Close()

	handler := api.NewHandler(rt.db, rt.worker, rt.scheduler, subscription.NewService(rt.db, rt.config))
	httpServer := &http.Server{
		Addr:         ":" + c.Port,
		Handler:      api.NewServer(handler, c.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * rt.config.FetchTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", c.Port, "version", cfg.GetVersion())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case serveErr = <-serverErrChan:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	return serveErr
}

type MigrateCommand struct{}

func (c *MigrateCommand) Execute(args []string) error {
	ctx, stop := signalContext()
	defer stop()

	db, err := openStore(ctx, &app.Options)
	if err != nil {
		return err
	}
	return db.Close()
}
