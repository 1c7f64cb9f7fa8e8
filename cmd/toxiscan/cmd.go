package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/robfig/cron/v3"
	"github.com/schollz/progressbar/v3"

	"github.com/mfaure/toxiscan/internal/models"
	"github.com/mfaure/toxiscan/pkg/classifier"
	"github.com/mfaure/toxiscan/pkg/config"
	"github.com/mfaure/toxiscan/pkg/dedup"
	"github.com/mfaure/toxiscan/pkg/extractor"
	"github.com/mfaure/toxiscan/pkg/fetcher"
	"github.com/mfaure/toxiscan/pkg/pipeline"
	"github.com/mfaure/toxiscan/pkg/store"
)

type Options struct {
	ConfigPath    string
	Sources       string
	DBUrl         string
	ClassifierURL string
	Deadline      time.Duration
	RateLimit     float64
	Concurrency   int
	CronSpec      string
	Verbose       bool
}

func parseFlags() Options {
	var opts Options

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&opts.Sources, "sources", os.Getenv("SITES"), "Comma-separated subset of source ids to run (default: all)")
	flag.StringVar(&opts.DBUrl, "db-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	flag.StringVar(&opts.ClassifierURL, "classifier-url", os.Getenv("CLASSIFIER_URL"), "Toxicity classification service URL")
	flag.DurationVar(&opts.Deadline, "deadline", 0, "Overall run deadline (0 = none)")
	flag.Float64Var(&opts.RateLimit, "rate-limit", 0, "Override per-source rate limit (req/s)")
	flag.IntVar(&opts.Concurrency, "max-concurrency", 0, "Override per-source max concurrency")
	flag.StringVar(&opts.CronSpec, "cron", "", "Cron spec for repeated runs (default: run once)")
	flag.BoolVar(&opts.Verbose, "v", false, "Verbose logging")
	flag.Parse()

	return opts
}

func run(opts Options) (int, error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return 1, err
	}
	applyOverrides(cfg, opts)

	sources, rules, err := selectSources(cfg, opts.Sources)
	if err != nil {
		return 1, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recordStore, err := store.NewWithConfig(ctx, store.RecordStoreConfig{
		ConnString: cfg.Database.URL,
		TableName:  cfg.Database.TableName,
		Timeout:    cfg.Database.Timeout.Std(),
		MaxRetries: cfg.Database.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return 1, err
	}
	defer recordStore.Close()

	// Dedup durability is exactly what storage contains.
	index := dedup.New()
	fingerprints, err := recordStore.Fingerprints(ctx)
	if err != nil {
		return 1, fmt.Errorf("failed to seed dedup index: %w", err)
	}
	index.Seed(fingerprints)
	logger.Info("dedup index seeded", "fingerprints", len(fingerprints))

	var renderer fetcher.Renderer
	if needsRenderer(sources) {
		browser, err := fetcher.NewBrowser(fetcher.BrowserConfig{
			Timeout: cfg.Fetcher.RenderTimeout.Std(),
		})
		if err != nil {
			return 1, err
		}
		defer browser.Close()
		renderer = browser
	}

	registry := extractor.NewRegistry()
	for id, r := range rules {
		registry.Register(id, extractor.NewSelectorStrategy(id, r))
	}

	client := classifier.NewWithConfig(classifier.ClientConfig{
		Endpoint:      cfg.Classifier.Endpoint,
		ModelVersion:  cfg.Classifier.ModelVersion,
		MaxBatchSize:  cfg.Classifier.MaxBatchSize,
		BatchWindow:   cfg.Classifier.BatchWindow.Std(),
		Timeout:       cfg.Classifier.Timeout.Std(),
		RetryAttempts: cfg.Classifier.RetryAttempts,
		Logger:        logger,
	})

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.BlueString("Scraping sources")),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
	)

	deadline := opts.Deadline
	if deadline == 0 {
		deadline = cfg.Pipeline.Deadline.Std()
	}

	orch := pipeline.New(pipeline.Config{
		QueueSize:   cfg.Pipeline.QueueSize,
		Deadline:    deadline,
		GracePeriod: cfg.Pipeline.GracePeriod.Std(),
		OnProgress: func(sourceID, target string) {
			_ = bar.Add(1)
		},
	}, pipeline.Deps{
		Fetcher: fetcher.NewWithConfig(fetcher.FetcherConfig{
			Timeout:       cfg.Fetcher.Timeout.Std(),
			RetryAttempts: cfg.Fetcher.RetryAttempts,
			UserAgent:     cfg.Fetcher.UserAgent,
			Logger:        logger,
		}, renderer),
		Strategies: registry,
		Deduper:    index,
		Classifier: client,
		Store:      recordStore,
		Logger:     logger,
	})

	runOnce := func() (int, error) {
		summary, err := orch.Run(ctx, sources)
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return 1, err
		}

		printSummary(summary)

		if summary.AllSourcesFailed() {
			return 1, nil
		}
		if summary.AnySourceFailed() {
			return 2, nil
		}
		return 0, nil
	}

	if opts.CronSpec == "" {
		return runOnce()
	}

	// Scheduled mode: run immediately, then on the cron cadence until
	// interrupted. Each run is independent and idempotent.
	if code, err := runOnce(); err != nil || code == 1 {
		return code, err
	}

	sched := cron.New()
	if _, err := sched.AddFunc(opts.CronSpec, func() {
		if _, err := runOnce(); err != nil {
			logger.Error("scheduled run failed", "err", err)
		}
	}); err != nil {
		return 1, fmt.Errorf("invalid cron spec %q: %w", opts.CronSpec, err)
	}
	sched.Start()
	defer sched.Stop()

	<-ctx.Done()
	return 0, nil
}

func applyOverrides(cfg *config.Config, opts Options) {
	if opts.DBUrl != "" {
		cfg.Database.URL = opts.DBUrl
	}
	if opts.ClassifierURL != "" {
		cfg.Classifier.Endpoint = opts.ClassifierURL
	}
	for i := range cfg.Sources {
		if opts.RateLimit > 0 {
			cfg.Sources[i].RateLimit = opts.RateLimit
		}
		if opts.Concurrency > 0 {
			cfg.Sources[i].MaxConcurrency = opts.Concurrency
		}
	}
}

// selectSources converts configured sources (optionally narrowed by the
// -sources flag) into pipeline descriptors plus their selector rules.
func selectSources(cfg *config.Config, selection string) ([]models.Source, map[string]extractor.SelectorRules, error) {
	wanted := map[string]bool{}
	for _, id := range strings.Split(selection, ",") {
		if id = strings.TrimSpace(strings.ToLower(id)); id != "" {
			wanted[id] = true
		}
	}

	var sources []models.Source
	rules := map[string]extractor.SelectorRules{}

	for _, sc := range cfg.Sources {
		if len(wanted) > 0 && !wanted[strings.ToLower(sc.ID)] {
			continue
		}
		sources = append(sources, models.Source{
			ID:             sc.ID,
			Name:           sc.Name,
			BaseURLs:       sc.URLs,
			Strategy:       models.FetchStrategy(sc.Strategy),
			RatePerSec:     sc.RateLimit,
			Burst:          sc.Burst,
			MaxConcurrency: sc.MaxConcurrency,
			MaxArticles:    sc.MaxArticles,
		})
		rules[sc.ID] = extractor.SelectorRules{
			Links:      sc.Selectors.Links,
			Title:      sc.Selectors.Title,
			Content:    sc.Selectors.Content,
			Date:       sc.Selectors.Date,
			DateLayout: sc.Selectors.DateLayout,
		}
	}

	if len(sources) == 0 {
		return nil, nil, fmt.Errorf("no sources selected (selection: %q)", selection)
	}
	return sources, rules, nil
}

func needsRenderer(sources []models.Source) bool {
	for _, src := range sources {
		if src.Strategy == models.StrategyRendered {
			return true
		}
	}
	return false
}

func printSummary(summary *models.RunSummary) {
	color.Cyan("Run finished in %s\n", summary.Elapsed().Round(time.Millisecond))

	ids := make([]string, 0, len(summary.PerSource))
	for id := range summary.PerSource {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := summary.PerSource[id]
		line := fmt.Sprintf("  %-20s found=%-4d skipped=%-4d deduped=%-4d stored=%-4d failed=%-4d",
			id, st.ItemsFound, st.ItemsSkipped, st.ItemsDeduped, st.ItemsStored, st.ItemsFailed)
		if st.TotalFailure() {
			color.Red("%s [FAILED]", line)
		} else {
			color.Green("%s", line)
		}
	}

	if len(summary.Errors) > 0 {
		color.Yellow("\n%d errors:", len(summary.Errors))
		for _, e := range summary.Errors {
			color.Yellow("  - %s", e.Error())
		}
	}
}
