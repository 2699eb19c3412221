// Package crawlcore is the public embedding surface for the crawl engine:
// wire seed URLs, a response handler, and storage, then Run. It composes
// the lower-level internal packages (requestsrc, session, autoscale,
// snapshot, crawler) the same way cmd/crawlcore's CLI does, so library
// users get the same BasicCrawler lifecycle without touching internals.
//
// Example usage:
//
//	crawler := crawlcore.New(
//	    crawlcore.WithConcurrency(1, 50),
//	    crawlcore.WithMaxDepth(3),
//	    crawlcore.WithOutput("local", "./output"),
//	)
//
//	crawler.OnHTML("h1", func(e *crawlcore.Element) {
//	    e.Item.Set("title", e.Text())
//	})
//
//	crawler.OnHTML("a[href]", func(e *crawlcore.Element) {
//	    e.Follow(e.Attr("href"))
//	})
//
//	err := crawler.Run(context.Background(), "https://example.com")
package crawlcore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/crawlcore/crawlcore/internal/autoscale"
	"github.com/crawlcore/crawlcore/internal/config"
	"github.com/crawlcore/crawlcore/internal/crawler"
	"github.com/crawlcore/crawlcore/internal/events"
	"github.com/crawlcore/crawlcore/internal/fetcher"
	"github.com/crawlcore/crawlcore/internal/requestsrc"
	"github.com/crawlcore/crawlcore/internal/session"
	"github.com/crawlcore/crawlcore/internal/snapshot"
	"github.com/crawlcore/crawlcore/internal/stats"
	"github.com/crawlcore/crawlcore/internal/storage"
	"github.com/crawlcore/crawlcore/internal/types"
)

// Crawler is the high-level API for embedding crawlcore as a library.
type Crawler struct {
	cfg       *config.Config
	logger    *slog.Logger
	htmlRules map[string]HTMLCallback

	basic   *crawler.BasicCrawler
	stats   *stats.Statistics
	dataset storage.Dataset
}

// HTMLCallback is called for each element matching a CSS selector.
type HTMLCallback func(e *Element)

// Element represents a matched DOM element in a callback.
type Element struct {
	Selection   *goquery.Selection
	Item        *types.Item
	Response    *types.Response
	newRequests []string
}

func (e *Element) Text() string { return e.Selection.Text() }

func (e *Element) Attr(name string) string {
	val, _ := e.Selection.Attr(name)
	return val
}

func (e *Element) HTML() string {
	html, _ := e.Selection.Html()
	return html
}

// Follow queues rawURL to be enqueued as a follow-up request once the
// current handler returns.
func (e *Element) Follow(rawURL string) {
	e.newRequests = append(e.newRequests, rawURL)
}

// Option configures a Crawler.
type Option func(*config.Config)

func WithConcurrency(min, max int) Option {
	return func(c *config.Config) {
		c.Autoscale.MinConcurrency = min
		c.Autoscale.MaxConcurrency = max
	}
}

func WithMaxDepth(depth int) Option {
	return func(c *config.Config) { c.Engine.MaxDepth = depth }
}

func WithOutput(storageType, path string) Option {
	return func(c *config.Config) {
		c.Storage.Type = storageType
		c.Storage.OutputPath = path
	}
}

func WithUserAgent(ua string) Option {
	return func(c *config.Config) { c.Engine.UserAgents = []string{ua} }
}

func WithAllowedDomains(domains ...string) Option {
	return func(c *config.Config) { c.Engine.AllowedDomains = domains }
}

func WithProxy(urls ...string) Option {
	return func(c *config.Config) {
		c.Proxy.Enabled = true
		c.Proxy.URLs = urls
		c.SessionPool.ProxyURLs = urls
	}
}

func WithRobotsRespect(respect bool) Option {
	return func(c *config.Config) { c.Engine.RespectRobotsTxt = respect }
}

func WithMaxRequests(n int) Option {
	return func(c *config.Config) { c.Crawler.MaxRequestsPerCrawl = n }
}

func WithVerbose() Option {
	return func(c *config.Config) { c.Logging.Level = "debug" }
}

// New creates a new Crawler with the given options applied over defaults.
func New(opts ...Option) *Crawler {
	cfg := config.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return &Crawler{
		cfg:       cfg,
		logger:    logger,
		htmlRules: make(map[string]HTMLCallback),
	}
}

// FromConfig builds a Crawler from an already-assembled config.Config, for
// callers (such as the CLI) that load configuration from a file/flags
// rather than functional options.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{cfg: cfg, logger: logger, htmlRules: make(map[string]HTMLCallback)}
}

// OnHTML registers a callback for elements matching the CSS selector.
func (c *Crawler) OnHTML(selector string, cb HTMLCallback) {
	c.htmlRules[selector] = cb
}

// Run builds the crawl stack (storage, session pool, snapshotter,
// autoscaled pool, request queue, BasicCrawler) and runs to completion
// from the given seed URLs.
func (c *Crawler) Run(ctx context.Context, seedURLs ...string) error {
	store, err := storage.Open(ctx, &c.cfg.Storage, c.logger)
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

	if datasets := store.Datasets(); datasets != nil {
		if ds, err := datasets.GetOrCreate(ctx, "items"); err == nil {
			c.dataset = ds
		} else {
			c.logger.Warn("dataset unavailable, extracted items will not be persisted", "error", err)
		}
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	defer httpFetcher.Close()

	sessionPool := session.NewPool(session.PoolConfig{
		MaxPoolSize: c.cfg.SessionPool.MaxPoolSize,
		SessionConfig: session.Config{
			MaxUsageCount:     c.cfg.SessionPool.MaxUsageCount,
			MaxErrorScore:     c.cfg.SessionPool.MaxErrorScore,
			MaxAgeSeconds:     c.cfg.SessionPool.MaxAgeSeconds,
			RequestsPerSecond: c.cfg.SessionPool.RequestsPerSecond,
		},
		ProxyURLs:          c.cfg.SessionPool.ProxyURLs,
		ProxyRotation:      c.cfg.SessionPool.ProxyRotation,
		BlockedStatusCodes: c.cfg.Crawler.BlockedStatusCodes,
	}, kv)

	snap := snapshot.New(
		snapshot.WithThresholds(snapshot.Thresholds{
			MaxUsedCPURatio:    c.cfg.Snapshotter.MaxUsedCPURatio,
			MaxUsedMemoryRatio: c.cfg.Snapshotter.MaxUsedMemoryRatio,
			MaxBlockedMillis:   float64(c.cfg.Snapshotter.MaxBlockedMillis),
			MaxClientErrors:    c.cfg.Snapshotter.MaxClientErrors,
		}),
		snapshot.WithIntervals(snapshot.Intervals{
			CPU:     c.cfg.Snapshotter.CPUInterval,
			Memory:  c.cfg.Snapshotter.MemoryInterval,
			Latency: c.cfg.Snapshotter.LatencyInterval,
			Client:  c.cfg.Snapshotter.ClientInterval,
		}),
	)
	snap.Start()
	defer snap.Stop()

	status := snapshot.NewSystemStatus(snap,
		snapshot.WithMaxOverloadedRatio(c.cfg.Snapshotter.MaxOverloadedRatio),
		snapshot.WithWindows(c.cfg.Snapshotter.CurrentWindow, c.cfg.Snapshotter.HistoricalWindow),
	)

	pool := autoscale.New(autoscale.Config{
		MinConcurrency:     c.cfg.Autoscale.MinConcurrency,
		MaxConcurrency:      c.cfg.Autoscale.MaxConcurrency,
		ScaleUpStepRatio:   c.cfg.Autoscale.ScaleUpStepRatio,
		ScaleDownStepRatio: c.cfg.Autoscale.ScaleDownStepRatio,
		TickInterval:       c.cfg.Autoscale.TickInterval,
	}, status)

	st := stats.New(kv)
	c.stats = st
	bus := events.New()

	hooks := crawler.Hooks{
		RequestHandler: c.buildRequestHandler(),
	}
	if c.cfg.Engine.RespectRobotsTxt {
		robots := fetcher.NewRobotsManager(true)
		hooks.AddPreNavigationHook(robots.PreNavigationHook())
	}

	bc := crawler.New(crawler.Config{
		RequestQueue:               queue,
		SessionPool:                sessionPool,
		Navigation:                 httpFetcher,
		Hooks:                      hooks,
		Stats:                      st,
		Events:                     bus,
		Pool:                       pool,
		Logger:                     c.logger,
		MaxRequestsPerCrawl:        c.cfg.Crawler.MaxRequestsPerCrawl,
		MaxRequestRetries:          &c.cfg.Crawler.MaxRequestRetries,
		RequestHandlerTimeout:      time.Duration(c.cfg.Crawler.RequestHandlerTimeoutMillis) * time.Millisecond,
		InternalTimeout:            time.Duration(c.cfg.Crawler.InternalTimeoutMillis) * time.Millisecond,
		BlockedStatusCodes:         c.cfg.Crawler.BlockedStatusCodes,
		PersistStateIntervalMillis: c.cfg.Crawler.PersistStateIntervalMillis,
		StatePersistenceName:       c.cfg.Crawler.StatePersistenceName,
	})
	c.basic = bc

	var seedsAdded int
	for _, u := range seedURLs {
		req, err := types.NewRequest(u)
		if err != nil {
			c.logger.Warn("seed skipped", "url", u, "reason", err)
			continue
		}
		if _, err := queue.AddRequest(ctx, req, false); err != nil {
			c.logger.Warn("seed skipped", "url", u, "reason", err)
			continue
		}
		seedsAdded++
	}
	if seedsAdded == 0 && len(seedURLs) > 0 {
		return fmt.Errorf("all %d seed(s) were filtered or invalid", len(seedURLs))
	}

	return bc.Run(ctx)
}

// buildRequestHandler wraps the registered OnHTML callbacks into a single
// crawler.RequestHandler that extracts items and enqueues follow-up links.
func (c *Crawler) buildRequestHandler() crawler.RequestHandler {
	return func(ctx context.Context, cc *crawler.Context) error {
		if len(c.htmlRules) == 0 || cc.Response == nil {
			return nil
		}
		doc, err := cc.Response.Document()
		if err != nil {
			return err
		}

		var followURLs []string
		var items []any
		for selector, cb := range c.htmlRules {
			doc.Find(selector).Each(func(i int, sel *goquery.Selection) {
				item := types.NewItem(cc.Response.Request.URLString())
				elem := &Element{Selection: sel, Item: item, Response: cc.Response}
				cb(elem)
				followURLs = append(followURLs, elem.newRequests...)
				if len(item.Fields) > 0 {
					items = append(items, item.Fields)
				}
			})
		}

		if len(items) > 0 && c.dataset != nil {
			if err := c.dataset.PushItems(ctx, items); err != nil {
				cc.Log.Warn("failed to persist extracted items", "error", err)
			} else if c.stats != nil {
				c.stats.RecordItemsPersisted(len(items))
			}
		}

		if len(followURLs) > 0 && cc.EnqueueLinks != nil {
			return cc.EnqueueLinks(ctx, followURLs)
		}
		return nil
	}
}

// Stats returns a point-in-time snapshot of crawl statistics.
func (c *Crawler) Stats() stats.Snapshot {
	if c.stats == nil {
		return stats.Snapshot{}
	}
	return c.stats.Snapshot()
}

