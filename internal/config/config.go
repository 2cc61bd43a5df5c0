// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Provider is one downstream inference backend the router can dispatch to.
type Provider struct {
	Name                string        `mapstructure:"name"`
	BaseURL             string        `mapstructure:"base_url"`
	APIKey              string        `mapstructure:"api_key"`
	JobTypes            []string      `mapstructure:"job_types"`
	ProviderTimeout     time.Duration `mapstructure:"provider_timeout"`
	CostPer1KTokensUSD  float64       `mapstructure:"cost_per_1k_tokens_usd"`
}

type Queue struct {
	MaxSize       int    `mapstructure:"max_size"`
	RemoteBackend string `mapstructure:"remote_backend"`
	TTLHours      int    `mapstructure:"ttl_hours"`
}

type Batcher struct {
	MaxSize   int           `mapstructure:"max_size"`
	WindowMS  time.Duration `mapstructure:"window_ms"`
	Enabled   bool          `mapstructure:"enabled"`
}

type CircuitBreaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	TimeoutSeconds   time.Duration `mapstructure:"timeout_seconds"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

type Retry struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	InitialDelaySeconds time.Duration `mapstructure:"initial_delay_seconds"`
	MaxDelaySeconds     time.Duration `mapstructure:"max_delay_seconds"`
	ExponentialBase     float64       `mapstructure:"exponential_base"`
	Jitter              bool          `mapstructure:"jitter"`
}

// QuotaTier is one tenant service tier's admission ceilings.
type QuotaTier struct {
	Name             string  `mapstructure:"name"`
	DailyRequests    int64   `mapstructure:"daily_requests"`
	DailyCostCapUSD  float64 `mapstructure:"daily_cost_cap_usd"`
	PerMinuteLimit   int     `mapstructure:"per_minute_limit"`
	BurstCapacity    int     `mapstructure:"burst_capacity"`
}

type RAG struct {
	MaxContextTokens    int     `mapstructure:"max_context_tokens"`
	CharsPerToken       float64 `mapstructure:"chars_per_token"`
	IncludeMetadata     bool    `mapstructure:"include_metadata"`
	TemplateDir         string  `mapstructure:"template_dir"`
	MinSimilarity       float64 `mapstructure:"min_similarity_threshold"`
	TopK                int     `mapstructure:"top_k"`
	HallucinationThresh float64 `mapstructure:"hallucination_overlap_threshold"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
}

type Observability struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// AuthKey is one HMAC signing key, identified by key id for rotation.
type AuthKey struct {
	KeyID  string `mapstructure:"key_id"`
	Secret string `mapstructure:"secret"`
}

type Auth struct {
	Keys     []AuthKey `mapstructure:"keys"`
	Issuer   string    `mapstructure:"issuer"`
	Audience string    `mapstructure:"audience"`
}

type HTTP struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type Config struct {
	Redis          Redis                `mapstructure:"redis"`
	Providers      []Provider           `mapstructure:"providers"`
	Queue          Queue                `mapstructure:"queue"`
	Batcher        Batcher              `mapstructure:"batcher"`
	CircuitBreaker CircuitBreaker       `mapstructure:"circuit_breaker"`
	Retry          Retry                `mapstructure:"retry"`
	QuotaTiers     map[string]QuotaTier `mapstructure:"quota_tiers"`
	RAG            RAG                  `mapstructure:"rag"`
	Observability  Observability        `mapstructure:"observability"`
	Auth           Auth                 `mapstructure:"auth"`
	HTTP           HTTP                 `mapstructure:"http"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		},
		Providers: []Provider{
			{Name: "legal-encoder", JobTypes: []string{"embedding"}, ProviderTimeout: 10 * time.Second, CostPer1KTokensUSD: 0.0001},
			{Name: "primary-chat", JobTypes: []string{"inference"}, ProviderTimeout: 30 * time.Second, CostPer1KTokensUSD: 0.01},
			{Name: "fallback-chat", JobTypes: []string{"inference"}, ProviderTimeout: 30 * time.Second, CostPer1KTokensUSD: 0.012},
		},
		Queue: Queue{MaxSize: 10000, TTLHours: 24},
		Batcher: Batcher{
			MaxSize:  8,
			WindowMS: 50 * time.Millisecond,
			Enabled:  true,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			TimeoutSeconds:   30 * time.Second,
			HalfOpenMaxCalls: 1,
		},
		Retry: Retry{
			MaxAttempts:         3,
			InitialDelaySeconds: 1 * time.Second,
			MaxDelaySeconds:     30 * time.Second,
			ExponentialBase:     2.0,
			Jitter:              true,
		},
		QuotaTiers: map[string]QuotaTier{
			"free":       {Name: "free", DailyRequests: 100, DailyCostCapUSD: 1, PerMinuteLimit: 10, BurstCapacity: 3},
			"basic":      {Name: "basic", DailyRequests: 1000, DailyCostCapUSD: 10, PerMinuteLimit: 30, BurstCapacity: 10},
			"pro":        {Name: "pro", DailyRequests: 10000, DailyCostCapUSD: 100, PerMinuteLimit: 120, BurstCapacity: 30},
			"enterprise": {Name: "enterprise", DailyRequests: 100000, DailyCostCapUSD: 1000, PerMinuteLimit: 600, BurstCapacity: 100},
		},
		RAG: RAG{
			MaxContextTokens:    4000,
			CharsPerToken:       4.0,
			IncludeMetadata:     true,
			TemplateDir:         "./templates",
			MinSimilarity:       0.7,
			TopK:                5,
			HallucinationThresh: 0.3,
			CacheTTL:            5 * time.Minute,
		},
		Observability: Observability{
			MetricsAddr: ":9090",
			LogLevel:    "info",
		},
		Auth: Auth{
			Keys:     []AuthKey{{KeyID: "k1", Secret: "change-me"}},
			Issuer:   "airouter",
			Audience: "airouter-clients",
		},
		HTTP: HTTP{
			ListenAddr: ":8080",
		},
	}
}

// Load reads configuration from an optional YAML file layered over defaults,
// then environment variables (dots replaced with underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.max_size", def.Queue.MaxSize)
	v.SetDefault("queue.ttl_hours", def.Queue.TTLHours)

	v.SetDefault("batcher.max_size", def.Batcher.MaxSize)
	v.SetDefault("batcher.window_ms", def.Batcher.WindowMS)
	v.SetDefault("batcher.enabled", def.Batcher.Enabled)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", def.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.timeout_seconds", def.CircuitBreaker.TimeoutSeconds)
	v.SetDefault("circuit_breaker.half_open_max_calls", def.CircuitBreaker.HalfOpenMaxCalls)

	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay_seconds", def.Retry.InitialDelaySeconds)
	v.SetDefault("retry.max_delay_seconds", def.Retry.MaxDelaySeconds)
	v.SetDefault("retry.exponential_base", def.Retry.ExponentialBase)
	v.SetDefault("retry.jitter", def.Retry.Jitter)

	v.SetDefault("rag.max_context_tokens", def.RAG.MaxContextTokens)
	v.SetDefault("rag.chars_per_token", def.RAG.CharsPerToken)
	v.SetDefault("rag.include_metadata", def.RAG.IncludeMetadata)
	v.SetDefault("rag.template_dir", def.RAG.TemplateDir)
	v.SetDefault("rag.min_similarity_threshold", def.RAG.MinSimilarity)
	v.SetDefault("rag.top_k", def.RAG.TopK)
	v.SetDefault("rag.hallucination_overlap_threshold", def.RAG.HallucinationThresh)
	v.SetDefault("rag.cache_ttl", def.RAG.CacheTTL)

	v.SetDefault("observability.metrics_addr", def.Observability.MetricsAddr)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	v.SetDefault("auth.keys", def.Auth.Keys)
	v.SetDefault("auth.issuer", def.Auth.Issuer)
	v.SetDefault("auth.audience", def.Auth.Audience)

	v.SetDefault("http.listen_addr", def.HTTP.ListenAddr)

	v.SetDefault("providers", def.Providers)
	v.SetDefault("quota_tiers", def.QuotaTiers)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the structural invariants a bad config would otherwise
// only surface as a runtime panic or silent misbehavior.
func Validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("providers must be non-empty")
	}
	if cfg.Queue.MaxSize < 1 {
		return fmt.Errorf("queue.max_size must be >= 1")
	}
	if cfg.Batcher.MaxSize < 1 {
		return fmt.Errorf("batcher.max_size must be >= 1")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if cfg.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be >= 1")
	}
	if cfg.CircuitBreaker.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max_calls must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.ExponentialBase <= 1.0 {
		return fmt.Errorf("retry.exponential_base must be > 1.0")
	}
	if len(cfg.QuotaTiers) == 0 {
		return fmt.Errorf("quota_tiers must be non-empty")
	}
	var prevCeiling int64 = -1
	for _, name := range []string{"free", "basic", "pro", "enterprise"} {
		tier, ok := cfg.QuotaTiers[name]
		if !ok {
			continue
		}
		if tier.DailyRequests <= prevCeiling {
			return fmt.Errorf("quota_tiers must have strictly increasing daily_requests by tier, tier %q violates this", name)
		}
		prevCeiling = tier.DailyRequests
	}
	if cfg.RAG.MaxContextTokens < 1 {
		return fmt.Errorf("rag.max_context_tokens must be >= 1")
	}
	if cfg.RAG.CharsPerToken <= 0 {
		return fmt.Errorf("rag.chars_per_token must be > 0")
	}
	if len(cfg.Auth.Keys) == 0 {
		return fmt.Errorf("auth.keys must be non-empty")
	}
	return nil
}
