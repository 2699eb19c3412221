package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment over the defaults.
// Priority (highest to lowest): env vars > config file > defaults. CLI flags
// are not read here; the caller applies them to the returned Config.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from struct
	setDefaults(v, cfg)

	// Environment variable support
	v.SetEnvPrefix("CRAWLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search default locations
		v.SetConfigName("crawlcore")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".crawlcore"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.concurrency", cfg.Engine.Concurrency)
	v.SetDefault("engine.max_depth", cfg.Engine.MaxDepth)
	v.SetDefault("engine.request_timeout", cfg.Engine.RequestTimeout)
	v.SetDefault("engine.politeness_delay", cfg.Engine.PolitenessDelay)
	v.SetDefault("engine.respect_robots_txt", cfg.Engine.RespectRobotsTxt)
	v.SetDefault("engine.max_retries", cfg.Engine.MaxRetries)
	v.SetDefault("engine.retry_delay", cfg.Engine.RetryDelay)
	v.SetDefault("engine.checkpoint_interval", cfg.Engine.CheckpointInterval)
	v.SetDefault("engine.user_agents", cfg.Engine.UserAgents)

	v.SetDefault("crawler.max_requests_per_crawl", cfg.Crawler.MaxRequestsPerCrawl)
	v.SetDefault("crawler.max_request_retries", cfg.Crawler.MaxRequestRetries)
	v.SetDefault("crawler.request_handler_timeout_millis", cfg.Crawler.RequestHandlerTimeoutMillis)
	v.SetDefault("crawler.internal_timeout_millis", cfg.Crawler.InternalTimeoutMillis)
	v.SetDefault("crawler.persist_state_interval_millis", cfg.Crawler.PersistStateIntervalMillis)
	v.SetDefault("crawler.state_persistence_name", cfg.Crawler.StatePersistenceName)
	v.SetDefault("crawler.blocked_status_codes", cfg.Crawler.BlockedStatusCodes)

	v.SetDefault("session_pool.max_pool_size", cfg.SessionPool.MaxPoolSize)
	v.SetDefault("session_pool.max_usage_count", cfg.SessionPool.MaxUsageCount)
	v.SetDefault("session_pool.max_error_score", cfg.SessionPool.MaxErrorScore)
	v.SetDefault("session_pool.max_age_seconds", cfg.SessionPool.MaxAgeSeconds)
	v.SetDefault("session_pool.requests_per_second", cfg.SessionPool.RequestsPerSecond)
	v.SetDefault("session_pool.proxy_urls", cfg.SessionPool.ProxyURLs)
	v.SetDefault("session_pool.proxy_rotation", cfg.SessionPool.ProxyRotation)

	v.SetDefault("autoscale.min_concurrency", cfg.Autoscale.MinConcurrency)
	v.SetDefault("autoscale.max_concurrency", cfg.Autoscale.MaxConcurrency)
	v.SetDefault("autoscale.scale_up_step_ratio", cfg.Autoscale.ScaleUpStepRatio)
	v.SetDefault("autoscale.scale_down_step_ratio", cfg.Autoscale.ScaleDownStepRatio)
	v.SetDefault("autoscale.tick_interval", cfg.Autoscale.TickInterval)

	v.SetDefault("snapshotter.max_used_cpu_ratio", cfg.Snapshotter.MaxUsedCPURatio)
	v.SetDefault("snapshotter.max_used_memory_ratio", cfg.Snapshotter.MaxUsedMemoryRatio)
	v.SetDefault("snapshotter.max_blocked_millis", cfg.Snapshotter.MaxBlockedMillis)
	v.SetDefault("snapshotter.max_client_errors", cfg.Snapshotter.MaxClientErrors)
	v.SetDefault("snapshotter.cpu_interval", cfg.Snapshotter.CPUInterval)
	v.SetDefault("snapshotter.memory_interval", cfg.Snapshotter.MemoryInterval)
	v.SetDefault("snapshotter.latency_interval", cfg.Snapshotter.LatencyInterval)
	v.SetDefault("snapshotter.client_interval", cfg.Snapshotter.ClientInterval)
	v.SetDefault("snapshotter.max_overloaded_ratio", cfg.Snapshotter.MaxOverloadedRatio)
	v.SetDefault("snapshotter.current_window", cfg.Snapshotter.CurrentWindow)
	v.SetDefault("snapshotter.historical_window", cfg.Snapshotter.HistoricalWindow)

	v.SetDefault("fetcher.type", cfg.Fetcher.Type)
	v.SetDefault("fetcher.follow_redirects", cfg.Fetcher.FollowRedirects)
	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)

	v.SetDefault("proxy.enabled", cfg.Proxy.Enabled)
	v.SetDefault("proxy.rotation", cfg.Proxy.Rotation)
	v.SetDefault("proxy.health_check", cfg.Proxy.HealthCheck)
	v.SetDefault("proxy.rotate_on_fail", cfg.Proxy.RotateOnFail)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.output_path", cfg.Storage.OutputPath)
	v.SetDefault("storage.batch_size", cfg.Storage.BatchSize)
	v.SetDefault("storage.redis_addr", cfg.Storage.RedisAddr)
	v.SetDefault("storage.redis_db", cfg.Storage.RedisDB)
	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("storage.mongo_db", cfg.Storage.MongoDB)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
