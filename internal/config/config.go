package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for crawlcore.
type Config struct {
	Engine      EngineConfig      `mapstructure:"engine"       yaml:"engine"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"      yaml:"crawler"`
	SessionPool SessionPoolConfig `mapstructure:"session_pool" yaml:"session_pool"`
	Autoscale   AutoscaleConfig   `mapstructure:"autoscale"    yaml:"autoscale"`
	Snapshotter SnapshotterConfig `mapstructure:"snapshotter"  yaml:"snapshotter"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"      yaml:"fetcher"`
	Proxy       ProxyConfig       `mapstructure:"proxy"        yaml:"proxy"`
	Parser      ParserConfig      `mapstructure:"parser"       yaml:"parser"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"     yaml:"pipeline"`
	Storage     StorageConfig     `mapstructure:"storage"      yaml:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"      yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"      yaml:"metrics"`
}

// EngineConfig controls the crawl's scope and politeness knobs.
type EngineConfig struct {
	Concurrency        int           `mapstructure:"concurrency"          yaml:"concurrency"`
	MaxDepth           int           `mapstructure:"max_depth"            yaml:"max_depth"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"      yaml:"request_timeout"`
	PolitenessDelay    time.Duration `mapstructure:"politeness_delay"     yaml:"politeness_delay"`
	RespectRobotsTxt   bool          `mapstructure:"respect_robots_txt"   yaml:"respect_robots_txt"`
	MaxRetries         int           `mapstructure:"max_retries"          yaml:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"          yaml:"retry_delay"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"  yaml:"checkpoint_interval"`
	UserAgents         []string      `mapstructure:"user_agents"          yaml:"user_agents"`
	AllowedDomains     []string      `mapstructure:"allowed_domains"      yaml:"allowed_domains"`
	DisallowedDomains  []string      `mapstructure:"disallowed_domains"   yaml:"disallowed_domains"`
	AllowedURLPatterns []string      `mapstructure:"allowed_url_patterns" yaml:"allowed_url_patterns"`
	MaxRequests        int           `mapstructure:"max_requests"         yaml:"max_requests"`
	MaxItems           int           `mapstructure:"max_items"            yaml:"max_items"`
}

// CrawlerConfig controls BasicCrawler's per-request lifecycle (spec §4.7):
// retry budget, handler/internal timeouts, and the state-persistence
// cadence used when MIGRATING/ABORTING fires.
type CrawlerConfig struct {
	MaxRequestsPerCrawl        int           `mapstructure:"max_requests_per_crawl"         yaml:"max_requests_per_crawl"`
	MaxRequestRetries          int           `mapstructure:"max_request_retries"            yaml:"max_request_retries"`
	RequestHandlerTimeoutMillis int          `mapstructure:"request_handler_timeout_millis" yaml:"request_handler_timeout_millis"`
	InternalTimeoutMillis      int           `mapstructure:"internal_timeout_millis"        yaml:"internal_timeout_millis"`
	PersistStateIntervalMillis int           `mapstructure:"persist_state_interval_millis"  yaml:"persist_state_interval_millis"`
	StatePersistenceName       string        `mapstructure:"state_persistence_name"         yaml:"state_persistence_name"`
	BlockedStatusCodes         []int         `mapstructure:"blocked_status_codes"           yaml:"blocked_status_codes"`
}

// SessionPoolConfig mirrors session.PoolConfig/session.Config.
type SessionPoolConfig struct {
	MaxPoolSize       int      `mapstructure:"max_pool_size"        yaml:"max_pool_size"`
	MaxUsageCount     int      `mapstructure:"max_usage_count"      yaml:"max_usage_count"`
	MaxErrorScore     int      `mapstructure:"max_error_score"      yaml:"max_error_score"`
	MaxAgeSeconds     int      `mapstructure:"max_age_seconds"      yaml:"max_age_seconds"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"  yaml:"requests_per_second"`
	ProxyURLs         []string `mapstructure:"proxy_urls"           yaml:"proxy_urls"`
	ProxyRotation     string   `mapstructure:"proxy_rotation"       yaml:"proxy_rotation"`
}

// AutoscaleConfig mirrors autoscale.Config.
type AutoscaleConfig struct {
	MinConcurrency     int           `mapstructure:"min_concurrency"       yaml:"min_concurrency"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"       yaml:"max_concurrency"`
	ScaleUpStepRatio   float64       `mapstructure:"scale_up_step_ratio"   yaml:"scale_up_step_ratio"`
	ScaleDownStepRatio float64       `mapstructure:"scale_down_step_ratio" yaml:"scale_down_step_ratio"`
	TickInterval       time.Duration `mapstructure:"tick_interval"         yaml:"tick_interval"`
}

// SnapshotterConfig mirrors snapshot.Thresholds/snapshot.Intervals plus
// SystemStatus's overload-ratio and window knobs.
type SnapshotterConfig struct {
	MaxUsedCPURatio    float64       `mapstructure:"max_used_cpu_ratio"    yaml:"max_used_cpu_ratio"`
	MaxUsedMemoryRatio float64       `mapstructure:"max_used_memory_ratio" yaml:"max_used_memory_ratio"`
	MaxBlockedMillis   int           `mapstructure:"max_blocked_millis"    yaml:"max_blocked_millis"`
	MaxClientErrors    int64         `mapstructure:"max_client_errors"     yaml:"max_client_errors"`

	CPUInterval     time.Duration `mapstructure:"cpu_interval"     yaml:"cpu_interval"`
	MemoryInterval  time.Duration `mapstructure:"memory_interval"  yaml:"memory_interval"`
	LatencyInterval time.Duration `mapstructure:"latency_interval" yaml:"latency_interval"`
	ClientInterval  time.Duration `mapstructure:"client_interval"  yaml:"client_interval"`

	MaxOverloadedRatio float64       `mapstructure:"max_overloaded_ratio" yaml:"max_overloaded_ratio"`
	CurrentWindow      time.Duration `mapstructure:"current_window"      yaml:"current_window"`
	HistoricalWindow   time.Duration `mapstructure:"historical_window"   yaml:"historical_window"`
}

// FetcherConfig controls the request fetcher.
type FetcherConfig struct {
	Type            string        `mapstructure:"type"              yaml:"type"`
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
}

// ProxyConfig controls proxy rotation.
type ProxyConfig struct {
	Enabled      bool     `mapstructure:"enabled"       yaml:"enabled"`
	Rotation     string   `mapstructure:"rotation"      yaml:"rotation"`
	URLs         []string `mapstructure:"urls"           yaml:"urls"`
	HealthCheck  bool     `mapstructure:"health_check"   yaml:"health_check"`
	RotateOnFail bool     `mapstructure:"rotate_on_fail" yaml:"rotate_on_fail"`
}

// ParserConfig controls the example extraction handler cmd/crawlcore wires
// up over a navigated page.
type ParserConfig struct {
	Rules []ParseRule `mapstructure:"rules" yaml:"rules"`
}

// ParseRule defines a single XPath extraction rule the parser.Extractor
// evaluates against a navigated page.
type ParseRule struct {
	Name      string `mapstructure:"name"      yaml:"name"`
	XPath     string `mapstructure:"xpath"     yaml:"xpath"`
	Attribute string `mapstructure:"attribute" yaml:"attribute"`
}

// PipelineConfig controls the processing pipeline.
type PipelineConfig struct {
	Middlewares []MiddlewareConfig `mapstructure:"middlewares" yaml:"middlewares"`
}

// MiddlewareConfig defines a single pipeline middleware.
type MiddlewareConfig struct {
	Name    string         `mapstructure:"name"    yaml:"name"`
	Type    string         `mapstructure:"type"    yaml:"type"`
	Options map[string]any `mapstructure:"options" yaml:"options"`
}

// StorageConfig selects and configures the storage backend (spec §6).
type StorageConfig struct {
	Type       string `mapstructure:"type"        yaml:"type"` // local, memory, redis, mongo
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	BatchSize  int    `mapstructure:"batch_size"  yaml:"batch_size"`

	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"   yaml:"redis_db"`

	MongoURI string `mapstructure:"mongo_uri" yaml:"mongo_uri"`
	MongoDB  string `mapstructure:"mongo_db"  yaml:"mongo_db"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Concurrency:        10,
			MaxDepth:           5,
			RequestTimeout:     30 * time.Second,
			PolitenessDelay:    1 * time.Second,
			RespectRobotsTxt:   true,
			MaxRetries:         3,
			RetryDelay:         2 * time.Second,
			CheckpointInterval: 60 * time.Second,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
		},
		Crawler: CrawlerConfig{
			MaxRequestsPerCrawl:         0,
			MaxRequestRetries:           3,
			RequestHandlerTimeoutMillis: 60_000,
			InternalTimeoutMillis:       5 * 60_000,
			PersistStateIntervalMillis:  60_000,
			StatePersistenceName:        "crawler-state",
			BlockedStatusCodes:          []int{401, 403, 429},
		},
		SessionPool: SessionPoolConfig{
			MaxPoolSize:       1000,
			MaxUsageCount:     50,
			MaxErrorScore:     3,
			MaxAgeSeconds:     3000,
			RequestsPerSecond: 0,
			ProxyRotation:     "round_robin",
		},
		Autoscale: AutoscaleConfig{
			MinConcurrency:     1,
			MaxConcurrency:     200,
			ScaleUpStepRatio:   0.05,
			ScaleDownStepRatio: 0.05,
			TickInterval:       500 * time.Millisecond,
		},
		Snapshotter: SnapshotterConfig{
			MaxUsedCPURatio:    0.95,
			MaxUsedMemoryRatio: 0.90,
			MaxBlockedMillis:   50,
			MaxClientErrors:    3,
			CPUInterval:        1 * time.Second,
			MemoryInterval:     1 * time.Second,
			LatencyInterval:    500 * time.Millisecond,
			ClientInterval:     1 * time.Second,
			MaxOverloadedRatio: 0.4,
			CurrentWindow:      5 * time.Second,
			HistoricalWindow:   30 * time.Second,
		},
		Fetcher: FetcherConfig{
			Type:            "http",
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
		},
		Proxy: ProxyConfig{
			Enabled:      false,
			Rotation:     "round_robin",
			HealthCheck:  true,
			RotateOnFail: true,
		},
		Parser: ParserConfig{
		},
		Storage: StorageConfig{
			Type:       "local",
			OutputPath: "./output",
			BatchSize:  100,
			RedisDB:    0,
			MongoDB:    "crawlcore",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
