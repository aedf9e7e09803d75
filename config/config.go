// Package config loads the daemon's runtime knobs from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable through STORE_BACKEND.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// Config holds every tunable the daemon reads at startup.
type Config struct {
	// Checkpointing
	ThreadID      string        `json:"thread_id"`
	CheckpointTTL time.Duration `json:"checkpoint_ttl"` // zero keeps everything

	// Persistence
	StoreBackend string `json:"store_backend"` // memory|file|sqlite|mysql
	StorePath    string `json:"store_path"`    // file dir or sqlite path
	MySQLDSN     string `json:"mysql_dsn,omitempty"`

	// Collection
	Watchlist             []string      `json:"watchlist"`
	SocialQueries         []string      `json:"social_queries"`
	WatchedAccounts       []string      `json:"watched_accounts"`
	VideoWatchlist        []string      `json:"video_watchlist,omitempty"`
	MarketChangeThreshold float64       `json:"market_change_threshold"`
	EngagementThreshold   int           `json:"engagement_threshold"`
	MonitorInterval       time.Duration `json:"monitor_interval"`

	// Detection
	PatternTimeframe     time.Duration `json:"pattern_timeframe"`
	PatternMinConfidence float64       `json:"pattern_min_confidence"`
	EmotionalMinChange   float64       `json:"emotional_min_change"`

	// Assessment and narration
	ThreadThreshold float64 `json:"significance_threshold_thread"`
	BridgeThreshold float64 `json:"significance_threshold_bridge"`

	// Causal analysis
	CausalCacheTTL time.Duration `json:"causal_cache_ttl"`

	// Rate limiting and error tolerance
	RateLimitMinInterval   time.Duration `json:"rate_limit_min_interval"`
	CriticalErrorTolerance int           `json:"critical_error_tolerance"`

	// Outbound platform
	SelfUserID   string `json:"self_user_id,omitempty"`
	PostQueueCap int    `json:"post_queue_cap"`

	// LLM
	LLMProvider     string `json:"llm_provider"` // anthropic|openai|google|none
	LLMModel        string `json:"llm_model,omitempty"`
	AnthropicAPIKey string `json:"-"`
	OpenAIAPIKey    string `json:"-"`
	GeminiAPIKey    string `json:"-"`

	// Observability
	LogLevel    string `json:"log_level"`  // debug|info|warn|error
	LogFormat   string `json:"log_format"` // json or console
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// Load builds a Config from defaults overridden by environment variables.
// Malformed numeric values are ignored in favor of the default, the way a
// long-running daemon should shrug off a typo rather than refuse to start;
// Validate catches combinations that cannot work at all.
func Load() *Config {
	cfg := &Config{
		ThreadID:               "driftwatch",
		StoreBackend:           BackendMemory,
		StorePath:              "driftwatch.db",
		MarketChangeThreshold:  0.05,
		EngagementThreshold:    100,
		MonitorInterval:        60 * time.Second,
		PatternTimeframe:       time.Hour,
		PatternMinConfidence:   0.6,
		EmotionalMinChange:     0.3,
		ThreadThreshold:        0.8,
		BridgeThreshold:        0.6,
		CausalCacheTTL:         time.Hour,
		RateLimitMinInterval:   1100 * time.Millisecond,
		CriticalErrorTolerance: 3,
		PostQueueCap:           100,
		LLMProvider:            "none",
		LogLevel:               "info",
		LogFormat:              "json",
	}

	if v := os.Getenv("THREAD_ID"); v != "" {
		cfg.ThreadID = v
	}
	if v := os.Getenv("CHECKPOINT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CheckpointTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.ToLower(v)
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.MySQLDSN = v
	}
	if v := os.Getenv("WATCHLIST"); v != "" {
		cfg.Watchlist = splitList(v)
	}
	if v := os.Getenv("SOCIAL_QUERIES"); v != "" {
		cfg.SocialQueries = splitList(v)
	}
	if v := os.Getenv("WATCHED_ACCOUNTS"); v != "" {
		cfg.WatchedAccounts = splitList(v)
	}
	if v := os.Getenv("VIDEO_WATCHLIST"); v != "" {
		cfg.VideoWatchlist = splitList(v)
	}
	if v := os.Getenv("MARKET_CHANGE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MarketChangeThreshold = f
		}
	}
	if v := os.Getenv("ENGAGEMENT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EngagementThreshold = n
		}
	}
	if v := os.Getenv("MONITOR_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MonitorInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("PATTERN_TIMEFRAME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PatternTimeframe = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("PATTERN_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PatternMinConfidence = f
		}
	}
	if v := os.Getenv("EMOTIONAL_MIN_INTENSITY_CHANGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.EmotionalMinChange = f
		}
	}
	if v := os.Getenv("SIGNIFICANCE_THRESHOLD_THREAD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ThreadThreshold = f
		}
	}
	if v := os.Getenv("SIGNIFICANCE_THRESHOLD_BRIDGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.BridgeThreshold = f
		}
	}
	if v := os.Getenv("CAUSAL_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CausalCacheTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RATE_LIMIT_MIN_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitMinInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CRITICAL_ERROR_TOLERANCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CriticalErrorTolerance = n
		}
	}
	if v := os.Getenv("SELF_USER_ID"); v != "" {
		cfg.SelfUserID = v
	}
	if v := os.Getenv("POST_QUEUE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PostQueueCap = n
		}
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLMProvider = strings.ToLower(v)
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg
}

// Validate reports every problem at once rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.ThreadID == "" {
		errs = append(errs, errors.New("THREAD_ID must not be empty"))
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.StorePath == "" {
			errs = append(errs, fmt.Errorf("STORE_PATH is required for the %s backend", c.StoreBackend))
		}
	case BackendMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required for the mysql backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.MarketChangeThreshold <= 0 || c.MarketChangeThreshold >= 1 {
		errs = append(errs, fmt.Errorf("MARKET_CHANGE_THRESHOLD %v must be in (0,1)", c.MarketChangeThreshold))
	}
	if c.PatternMinConfidence < 0 || c.PatternMinConfidence > 1 {
		errs = append(errs, fmt.Errorf("PATTERN_MIN_CONFIDENCE %v must be in [0,1]", c.PatternMinConfidence))
	}
	if c.ThreadThreshold <= c.BridgeThreshold {
		errs = append(errs, fmt.Errorf("SIGNIFICANCE_THRESHOLD_THREAD %v must exceed SIGNIFICANCE_THRESHOLD_BRIDGE %v",
			c.ThreadThreshold, c.BridgeThreshold))
	}

	switch c.LLMProvider {
	case "none":
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for LLM_PROVIDER=anthropic"))
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for LLM_PROVIDER=openai"))
		}
	case "google":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for LLM_PROVIDER=google"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Redact returns a copy safe for startup logging.
func (c *Config) Redact() *Config {
	r := *c
	r.AnthropicAPIKey = maskKey(r.AnthropicAPIKey)
	r.OpenAIAPIKey = maskKey(r.OpenAIAPIKey)
	r.GeminiAPIKey = maskKey(r.GeminiAPIKey)
	if r.MySQLDSN != "" {
		r.MySQLDSN = "***REDACTED***"
	}
	return &r
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// splitList parses a comma-separated env value, dropping empty items.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
