// Command crawlcore is the reference CLI over the crawl core: it loads
// configuration, wires storage/session/autoscale/navigation, applies the
// configured XPath extraction rules through the processing pipeline, and
// runs to completion. Grounded on the teacher's cmd/webstalk/main.go
// (cobra command layout, config/CLI-flag precedence, signal handling) with
// the scraper-product surface (search/ai-crawl subcommands) dropped in
// favor of the one "crawl" operation the core actually schedules.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlcore/crawlcore/internal/autoscale"
	"github.com/crawlcore/crawlcore/internal/config"
	"github.com/crawlcore/crawlcore/internal/crawler"
	"github.com/crawlcore/crawlcore/internal/events"
	"github.com/crawlcore/crawlcore/internal/fetcher"
	"github.com/crawlcore/crawlcore/internal/observability"
	"github.com/crawlcore/crawlcore/internal/parser"
	"github.com/crawlcore/crawlcore/internal/pipeline"
	"github.com/crawlcore/crawlcore/internal/requestsrc"
	"github.com/crawlcore/crawlcore/internal/session"
	"github.com/crawlcore/crawlcore/internal/snapshot"
	"github.com/crawlcore/crawlcore/internal/stats"
	"github.com/crawlcore/crawlcore/internal/storage"
	"github.com/crawlcore/crawlcore/internal/types"
)

var (
	cfgFile        string
	verbose        bool
	outputPath     string
	outputType     string
	depth          int
	concurrent     int
	delay          string
	userAgent      string
	maxRequests    int
	maxRetries     int
	allowedDomains string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crawlcore",
		Short: "crawlcore — a deduplicated, autoscaled crawl scheduler",
		Long: `crawlcore schedules a bounded-concurrency crawl: a deduplicated request
queue, a rotating session pool, and an autoscaled worker pool sized off live
CPU/memory/event-loop-latency/client-error samples.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func crawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [url]...",
		Short: "Run a crawl from one or more seed URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCrawl,
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "./output", "output directory (local storage) or unused for memory/redis/mongo")
	cmd.Flags().StringVarP(&outputType, "storage", "s", "", "storage backend: local, memory, redis, mongo")
	cmd.Flags().IntVarP(&depth, "depth", "d", 3, "maximum crawl depth")
	cmd.Flags().IntVarP(&concurrent, "max-concurrency", "n", 0, "autoscale max concurrency (0 = use config default)")
	cmd.Flags().StringVar(&delay, "delay", "", "politeness delay between requests per domain")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "custom User-Agent string")
	cmd.Flags().IntVarP(&maxRequests, "max-requests", "m", 0, "maximum total requests (0 = unlimited)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "max retries per failed request (-1 = use config default)")
	cmd.Flags().StringVar(&allowedDomains, "allowed-domains", "", "comma-separated domains to stay within")

	return cmd
}

func runCrawl(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, rawURL := range args {
		if err := config.ValidateURL(rawURL); err != nil {
			return fmt.Errorf("invalid URL %q: %w", rawURL, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("starting crawl",
		"seeds", args,
		"max_depth", cfg.Engine.MaxDepth,
		"max_concurrency", cfg.Autoscale.MaxConcurrency,
		"storage", cfg.Storage.Type,
	)

	store, err := storage.Open(ctx, &cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	kv, err := store.KeyValueStores().GetOrCreate(ctx, "default")
	if err != nil {
		return fmt.Errorf("open key-value store: %w", err)
	}
	queueBackend, err := store.RequestQueues().GetOrCreate(ctx, "default")
	if err != nil {
		return fmt.Errorf("open request queue: %w", err)
	}
	queue, err := requestsrc.NewRequestQueue(queueBackend)
	if err != nil {
		return fmt.Errorf("wrap request queue: %w", err)
	}

	var dataset storage.Dataset
	if datasets := store.Datasets(); datasets != nil {
		if ds, err := datasets.GetOrCreate(ctx, "items"); err == nil {
			dataset = ds
		} else {
			logger.Warn("dataset unavailable, extracted items will not be persisted", "error", err)
		}
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(cfg, logger)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	defer httpFetcher.Close()

	sessionPool := session.NewPool(session.PoolConfig{
		MaxPoolSize: cfg.SessionPool.MaxPoolSize,
		SessionConfig: session.Config{
			MaxUsageCount:     cfg.SessionPool.MaxUsageCount,
			MaxErrorScore:     cfg.SessionPool.MaxErrorScore,
			MaxAgeSeconds:     cfg.SessionPool.MaxAgeSeconds,
			RequestsPerSecond: cfg.SessionPool.RequestsPerSecond,
		},
		ProxyURLs:          cfg.SessionPool.ProxyURLs,
		ProxyRotation:      cfg.SessionPool.ProxyRotation,
		BlockedStatusCodes: cfg.Crawler.BlockedStatusCodes,
	}, kv)

	snap := snapshot.New(
		snapshot.WithThresholds(snapshot.Thresholds{
			MaxUsedCPURatio:    cfg.Snapshotter.MaxUsedCPURatio,
			MaxUsedMemoryRatio: cfg.Snapshotter.MaxUsedMemoryRatio,
			MaxBlockedMillis:   float64(cfg.Snapshotter.MaxBlockedMillis),
			MaxClientErrors:    cfg.Snapshotter.MaxClientErrors,
		}),
		snapshot.WithIntervals(snapshot.Intervals{
			CPU:     cfg.Snapshotter.CPUInterval,
			Memory:  cfg.Snapshotter.MemoryInterval,
			Latency: cfg.Snapshotter.LatencyInterval,
			Client:  cfg.Snapshotter.ClientInterval,
		}),
	)
	snap.Start()
	defer snap.Stop()

	status := snapshot.NewSystemStatus(snap,
		snapshot.WithMaxOverloadedRatio(cfg.Snapshotter.MaxOverloadedRatio),
		snapshot.WithWindows(cfg.Snapshotter.CurrentWindow, cfg.Snapshotter.HistoricalWindow),
	)

	pool := autoscale.New(autoscale.Config{
		MinConcurrency:     cfg.Autoscale.MinConcurrency,
		MaxConcurrency:     cfg.Autoscale.MaxConcurrency,
		ScaleUpStepRatio:   cfg.Autoscale.ScaleUpStepRatio,
		ScaleDownStepRatio: cfg.Autoscale.ScaleDownStepRatio,
		TickInterval:       cfg.Autoscale.TickInterval,
	}, status)

	st := stats.New(kv)
	bus := events.New()

	extractor := parser.NewExtractor(logger, effectiveRules(cfg))
	pipe := buildPipeline(logger, cfg)

	hooks := crawler.Hooks{
		RequestHandler: buildRequestHandler(logger, extractor, pipe, dataset, st),
	}
	if cfg.Engine.RespectRobotsTxt {
		robots := fetcher.NewRobotsManager(true)
		hooks.AddPreNavigationHook(robots.PreNavigationHook())
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(logger, st, pool, status)
		if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	bc := crawler.New(crawler.Config{
		RequestQueue:               queue,
		SessionPool:                sessionPool,
		Navigation:                 httpFetcher,
		Hooks:                      hooks,
		Stats:                      st,
		Events:                     bus,
		Pool:                       pool,
		Logger:                     logger,
		MaxRequestsPerCrawl:        cfg.Crawler.MaxRequestsPerCrawl,
		MaxRequestRetries:          &cfg.Crawler.MaxRequestRetries,
		RequestHandlerTimeout:      time.Duration(cfg.Crawler.RequestHandlerTimeoutMillis) * time.Millisecond,
		InternalTimeout:            time.Duration(cfg.Crawler.InternalTimeoutMillis) * time.Millisecond,
		BlockedStatusCodes:         cfg.Crawler.BlockedStatusCodes,
		PersistStateIntervalMillis: cfg.Crawler.PersistStateIntervalMillis,
		StatePersistenceName:       cfg.Crawler.StatePersistenceName,
	})

	var seedsAdded int
	for _, rawURL := range args {
		req, err := types.NewRequest(rawURL)
		if err != nil {
			logger.Warn("seed skipped", "url", rawURL, "reason", err)
			continue
		}
		if _, err := queue.AddRequest(ctx, req, false); err != nil {
			logger.Warn("seed skipped", "url", rawURL, "reason", err)
			continue
		}
		seedsAdded++
	}
	if seedsAdded == 0 {
		return fmt.Errorf("all seeds were filtered or invalid — check URLs")
	}

	start := time.Now()
	if err := bc.Run(ctx); err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}
	elapsed := time.Since(start)

	snapStats := st.Snapshot()
	logger.Info("crawl complete",
		"elapsed", elapsed,
		"finished", snapStats.RequestsFinished,
		"failed", snapStats.RequestsFailed,
		"retried", snapStats.RequestsRetried,
		"items", snapStats.ItemsPersisted,
	)
	fmt.Printf("crawl complete in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  requests: %d finished, %d failed, %d retried\n", snapStats.RequestsFinished, snapStats.RequestsFailed, snapStats.RequestsRetried)
	fmt.Printf("  items:    %d persisted\n", snapStats.ItemsPersisted)

	return nil
}

// buildRequestHandler extracts an item from every navigated response via
// the configured rules, runs it through the pipeline, and persists whatever
// survives to the dataset.
func buildRequestHandler(logger *slog.Logger, extractor *parser.Extractor, pipe *pipeline.Pipeline, dataset storage.Dataset, st *stats.Statistics) crawler.RequestHandler {
	return func(ctx context.Context, cc *crawler.Context) error {
		if cc.Response == nil {
			return nil
		}

		item, err := extractor.Extract(cc.Response)
		if err != nil {
			cc.Log.Warn("extraction failed", "url", cc.Response.Request.URLString(), "error", err)
			return nil
		}

		processed, err := pipe.Process(item)
		if err != nil {
			cc.Log.Warn("pipeline stage failed", "url", cc.Response.Request.URLString(), "error", err)
			return nil
		}
		if processed == nil {
			return nil
		}

		if dataset != nil {
			if err := dataset.PushItems(ctx, []any{processed.Fields}); err != nil {
				cc.Log.Warn("failed to persist item", "error", err)
			} else if st != nil {
				st.RecordItemsPersisted(1)
			}
		}
		return nil
	}
}

// effectiveRules returns the configured extraction rules, falling back to
// the built-in title/h1 rule set when none are configured.
func effectiveRules(cfg *config.Config) []parser.Rule {
	if len(cfg.Parser.Rules) > 0 {
		return cfg.Parser.Rules
	}
	return []parser.Rule{
		{Name: "title", XPath: "//title"},
		{Name: "h1", XPath: "//h1"},
	}
}

// buildPipeline assembles a processing pipeline from config, defaulting to
// a trim stage when no middlewares are configured.
func buildPipeline(logger *slog.Logger, cfg *config.Config) *pipeline.Pipeline {
	pipe := pipeline.New(logger)
	if len(cfg.Pipeline.Middlewares) == 0 {
		pipe.Use(&pipeline.TrimMiddleware{})
		return pipe
	}
	for _, mwCfg := range cfg.Pipeline.Middlewares {
		switch mwCfg.Type {
		case "trim":
			pipe.Use(&pipeline.TrimMiddleware{})
		case "required_fields":
			var fields []string
			if raw, ok := mwCfg.Options["fields"].([]any); ok {
				for _, f := range raw {
					if s, ok := f.(string); ok {
						fields = append(fields, s)
					}
				}
			}
			pipe.Use(&pipeline.RequiredFieldsMiddleware{Fields: fields})
		case "dedup":
			key, _ := mwCfg.Options["key"].(string)
			if key == "" {
				key = "url"
			}
			pipe.Use(pipeline.NewDedupMiddleware(key))
		default:
			logger.Warn("unknown pipeline middleware type, skipping", "name", mwCfg.Name, "type", mwCfg.Type)
		}
	}
	return pipe
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crawlcore %s\n", config.Version)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Engine:\n")
			fmt.Printf("  Concurrency:        %d\n", cfg.Engine.Concurrency)
			fmt.Printf("  Max Depth:          %d\n", cfg.Engine.MaxDepth)
			fmt.Printf("  Respect robots.txt: %v\n", cfg.Engine.RespectRobotsTxt)
			fmt.Printf("\nAutoscale:\n")
			fmt.Printf("  Min/Max Concurrency: %d/%d\n", cfg.Autoscale.MinConcurrency, cfg.Autoscale.MaxConcurrency)
			fmt.Printf("\nFetcher:\n")
			fmt.Printf("  Type:               %s\n", cfg.Fetcher.Type)
			fmt.Printf("\nStorage:\n")
			fmt.Printf("  Type:               %s\n", cfg.Storage.Type)
			fmt.Printf("  Output Path:        %s\n", cfg.Storage.OutputPath)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:            %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:               %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func applyCLIOverrides(cfg *config.Config) {
	cfg.Engine.MaxDepth = depth
	if concurrent > 0 {
		cfg.Autoscale.MaxConcurrency = concurrent
	}
	if delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			cfg.Engine.PolitenessDelay = d
		}
	}
	if userAgent != "" {
		cfg.Engine.UserAgents = []string{userAgent}
	}
	if outputPath != "" {
		cfg.Storage.OutputPath = outputPath
	}
	if outputType != "" {
		cfg.Storage.Type = strings.ToLower(outputType)
	}
	if maxRequests > 0 {
		cfg.Crawler.MaxRequestsPerCrawl = maxRequests
	}
	if maxRetries >= 0 {
		cfg.Crawler.MaxRequestRetries = maxRetries
	}
	if allowedDomains != "" {
		var domains []string
		for _, d := range strings.Split(allowedDomains, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		cfg.Engine.AllowedDomains = domains
	}
}
