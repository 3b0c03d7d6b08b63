package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" mapstructure:"embeddings"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Learning   LearningConfig   `yaml:"learning" mapstructure:"learning"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. The pool fields only
// apply to the postgres driver.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// EmbeddingsConfig holds embedding provider settings. An empty key
// disables the semantic tier everywhere; the engine degrades to
// keyword and fuzzy strategies.
type EmbeddingsConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ClassifierConfig configures sector detection.
type ClassifierConfig struct {
	KeywordsPath    string `yaml:"keywords_path" mapstructure:"keywords_path"` // override for the embedded table
	SemanticEnabled bool   `yaml:"semantic_enabled" mapstructure:"semantic_enabled"`
}

// DedupConfig configures duplicate detection.
type DedupConfig struct {
	AliasesPath       string  `yaml:"aliases_path" mapstructure:"aliases_path"` // override for the embedded table
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	SemanticThreshold float64 `yaml:"semantic_threshold" mapstructure:"semantic_threshold"`
}

// CacheConfig configures the in-process response cache tier.
type CacheConfig struct {
	L1MaxEntries   int `yaml:"l1_max_entries" mapstructure:"l1_max_entries"`
	L1CeilingSecs  int `yaml:"l1_ceiling_secs" mapstructure:"l1_ceiling_secs"`
	DefaultTTLSecs int `yaml:"default_ttl_secs" mapstructure:"default_ttl_secs"`
}

// LearningConfig configures the correction learner.
type LearningConfig struct {
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold" mapstructure:"auto_apply_threshold"`
	RuleMinConfidence  float64 `yaml:"rule_min_confidence" mapstructure:"rule_min_confidence"`
	DecayHalfLifeDays  int     `yaml:"decay_half_life_days" mapstructure:"decay_half_life_days"`
}

// PipelineConfig configures batch processing.
type PipelineConfig struct {
	MaxConcurrentItems      int    `yaml:"max_concurrent_items" mapstructure:"max_concurrent_items"`
	DefaultTenant           string `yaml:"default_tenant" mapstructure:"default_tenant"`
	BreakerFailureThreshold int    `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetSecs        int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// SourcesConfig holds per-source settings for the built-in sources.
type SourcesConfig struct {
	CatalogDB     CatalogDBConfig     `yaml:"catalogdb" mapstructure:"catalogdb"`
	Wikidata      WikidataConfig      `yaml:"wikidata" mapstructure:"wikidata"`
	OpenFoodFacts OpenFoodFactsConfig `yaml:"openfoodfacts" mapstructure:"openfoodfacts"`
}

// CatalogDBConfig configures the embedded vendor knowledge base source.
type CatalogDBConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Priority int    `yaml:"priority" mapstructure:"priority"`
	Path     string `yaml:"path" mapstructure:"path"` // override for the embedded table
}

// WikidataConfig configures the Wikidata universal source.
type WikidataConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Priority int    `yaml:"priority" mapstructure:"priority"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenFoodFactsConfig configures the Open Food Facts source.
type OpenFoodFactsConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Priority int    `yaml:"priority" mapstructure:"priority"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
}

// MonitoringConfig configures the status snapshot and alerting. A
// threshold of zero disables its alert.
type MonitoringConfig struct {
	WebhookURL                 string `yaml:"webhook_url" mapstructure:"webhook_url"`
	DegradedEventsThreshold    int    `yaml:"degraded_events_threshold" mapstructure:"degraded_events_threshold"`
	SuggestionBacklogThreshold int    `yaml:"suggestion_backlog_threshold" mapstructure:"suggestion_backlog_threshold"`
	QuotaDenialThreshold       int    `yaml:"quota_denial_threshold" mapstructure:"quota_denial_threshold"`
	CheckIntervalSecs          int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours              int    `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "enrich.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("classifier.semantic_enabled", true)
	v.SetDefault("dedup.fuzzy_threshold", 0.85)
	v.SetDefault("dedup.semantic_threshold", 0.92)
	v.SetDefault("cache.l1_max_entries", 1000)
	v.SetDefault("cache.l1_ceiling_secs", 300)
	v.SetDefault("cache.default_ttl_secs", 3600)
	v.SetDefault("learning.auto_apply_threshold", 0.9)
	v.SetDefault("learning.rule_min_confidence", 0.7)
	v.SetDefault("learning.decay_half_life_days", 180)
	v.SetDefault("pipeline.max_concurrent_items", 4)
	v.SetDefault("pipeline.default_tenant", "default")
	v.SetDefault("pipeline.breaker_failure_threshold", 5)
	v.SetDefault("pipeline.breaker_reset_secs", 30)
	v.SetDefault("sources.catalogdb.enabled", true)
	v.SetDefault("sources.catalogdb.priority", 1)
	v.SetDefault("sources.wikidata.enabled", true)
	v.SetDefault("sources.wikidata.priority", 5)
	v.SetDefault("sources.wikidata.base_url", "https://www.wikidata.org/w/api.php")
	v.SetDefault("sources.openfoodfacts.enabled", true)
	v.SetDefault("sources.openfoodfacts.priority", 3)
	v.SetDefault("sources.openfoodfacts.base_url", "https://world.openfoodfacts.org")
	v.SetDefault("monitoring.degraded_events_threshold", 10)
	v.SetDefault("monitoring.suggestion_backlog_threshold", 50)
	v.SetDefault("monitoring.quota_denial_threshold", 25)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a given command mode depends on. Modes
// keep requirements narrow so, for example, a dedupe-only invocation
// does not demand source credentials.
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Pipeline.MaxConcurrentItems < 1 || c.Pipeline.MaxConcurrentItems > 32 {
		problems = append(problems, "pipeline.max_concurrent_items must be between 1 and 32")
	}
	if c.Learning.AutoApplyThreshold < 0 || c.Learning.AutoApplyThreshold > 1 {
		problems = append(problems, "learning.auto_apply_threshold must be in [0,1]")
	}
	if c.Dedup.FuzzyThreshold < 0 || c.Dedup.FuzzyThreshold > 1 {
		problems = append(problems, "dedup.fuzzy_threshold must be in [0,1]")
	}
	if c.Dedup.SemanticThreshold < 0 || c.Dedup.SemanticThreshold > 1 {
		problems = append(problems, "dedup.semantic_threshold must be in [0,1]")
	}

	switch mode {
	case "enrich", "corrections", "status", "migrate":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	case "dedupe", "sources":
		// No store required; embeddings stay optional.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
