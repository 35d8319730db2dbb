package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port      string `mapstructure:"port" yaml:"port" validate:"required"`
	ReposPath string `mapstructure:"repos_path" yaml:"repos_path"`

	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Neo4j     Neo4jConfig     `mapstructure:"neo4j" yaml:"neo4j"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant" yaml:"qdrant"`
	Stores    StoresConfig    `mapstructure:"stores" yaml:"stores"`
	Manifest  ManifestConfig  `mapstructure:"manifest" yaml:"manifest"`
	Walker    WalkerConfig    `mapstructure:"walker" yaml:"walker"`
	Chunker   ChunkerConfig   `mapstructure:"chunker" yaml:"chunker"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Indexer   IndexerConfig   `mapstructure:"indexer" yaml:"indexer"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Watch     WatchConfig     `mapstructure:"watch" yaml:"watch"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

type Neo4jConfig struct {
	URI      string `mapstructure:"uri" yaml:"uri"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	Database string `mapstructure:"database" yaml:"database"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	APIKey     string `mapstructure:"api_key" yaml:"-"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

type StoresConfig struct {
	Graph  string `mapstructure:"graph" yaml:"graph" validate:"oneof=neo4j memory"`
	Vector string `mapstructure:"vector" yaml:"vector" validate:"oneof=qdrant neo4j memory"`
	// DeleteRetries bounds deletion reconciliation attempts per store.
	DeleteRetries int           `mapstructure:"delete_retries" yaml:"delete_retries" validate:"gte=1"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

type ManifestConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

type WalkerConfig struct {
	Includes    []string `mapstructure:"includes" yaml:"includes"`
	Excludes    []string `mapstructure:"excludes" yaml:"excludes"`
	MaxFileSize int64    `mapstructure:"max_file_size" yaml:"max_file_size" validate:"gt=0"`
	UseGit      bool     `mapstructure:"use_git" yaml:"use_git"`
}

type ChunkerConfig struct {
	MaxChunkBytes int `mapstructure:"max_chunk_bytes" yaml:"max_chunk_bytes" validate:"gte=256"`
}

type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider" yaml:"provider" validate:"oneof=tei openai"`
	TEIURL     string `mapstructure:"tei_url" yaml:"tei_url" validate:"omitempty,url"`
	OpenAIKey  string `mapstructure:"openai_api_key" yaml:"-"`
	OpenAIBase string `mapstructure:"openai_base_url" yaml:"openai_base_url"`
	Model      string `mapstructure:"model" yaml:"model"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions" validate:"gt=0"`
	BatchSize  int    `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`

	CacheSize   int           `mapstructure:"cache_size" yaml:"cache_size" validate:"gt=0"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	SharedPath  string        `mapstructure:"shared_cache_path" yaml:"shared_cache_path"`
	SharedTTL   time.Duration `mapstructure:"shared_cache_ttl" yaml:"shared_cache_ttl"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxDelay    time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst   int           `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gte=1"`
	BreakerFail int           `mapstructure:"breaker_failures" yaml:"breaker_failures" validate:"gte=1"`
	BreakerWait time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type IndexerConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=1,lte=64"`
}

// FusionWeights is the pair of weights applied to graph and semantic scores.
type FusionWeights struct {
	Graph    float64 `mapstructure:"graph" yaml:"graph" validate:"gte=0,lte=1"`
	Semantic float64 `mapstructure:"semantic" yaml:"semantic" validate:"gte=0,lte=1"`
}

type SearchConfig struct {
	GraphFirst    FusionWeights `mapstructure:"graph_first" yaml:"graph_first"`
	SemanticFirst FusionWeights `mapstructure:"semantic_first" yaml:"semantic_first"`
	Hybrid        FusionWeights `mapstructure:"hybrid" yaml:"hybrid"`

	SubQueryTimeout      time.Duration `mapstructure:"subquery_timeout" yaml:"subquery_timeout" validate:"gt=0"`
	QueryTimeout         time.Duration `mapstructure:"query_timeout" yaml:"query_timeout" validate:"gt=0"`
	CandidatePool        int           `mapstructure:"candidate_pool" yaml:"candidate_pool" validate:"gte=1"`
	DefaultLimit         int           `mapstructure:"default_limit" yaml:"default_limit" validate:"gte=1"`
	MaxNeighborsPerHop   int           `mapstructure:"max_neighbors_per_hop" yaml:"max_neighbors_per_hop" validate:"gte=1"`
	MaxRelationshipDepth int           `mapstructure:"max_relationship_depth" yaml:"max_relationship_depth" validate:"gte=1"`
}

type WatchConfig struct {
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce" validate:"gt=0"`
	IgnorePatterns []string      `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "3001")
	v.SetDefault("repos_path", "./repos")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.password", "neograph_password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "code_entities")

	v.SetDefault("stores.graph", "neo4j")
	v.SetDefault("stores.vector", "qdrant")
	v.SetDefault("stores.delete_retries", 3)
	v.SetDefault("stores.retry_delay", 200*time.Millisecond)

	v.SetDefault("manifest.path", "./codegraph.db")

	v.SetDefault("walker.includes", []string{})
	v.SetDefault("walker.excludes", []string{})
	v.SetDefault("walker.max_file_size", 1<<20)
	v.SetDefault("walker.use_git", false)

	v.SetDefault("chunker.max_chunk_bytes", 8*1024)

	v.SetDefault("embedding.provider", "tei")
	v.SetDefault("embedding.tei_url", "http://localhost:8080")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.cache_size", 10000)
	v.SetDefault("embedding.cache_ttl", time.Hour)
	v.SetDefault("embedding.shared_cache_path", "")
	v.SetDefault("embedding.shared_cache_ttl", 30*24*time.Hour)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.retry_delay", 500*time.Millisecond)
	v.SetDefault("embedding.max_retry_delay", 10*time.Second)
	v.SetDefault("embedding.rate_limit", 10.0)
	v.SetDefault("embedding.rate_burst", 10)
	v.SetDefault("embedding.breaker_failures", 5)
	v.SetDefault("embedding.breaker_cooldown", 30*time.Second)
	v.SetDefault("embedding.timeout", 30*time.Second)

	v.SetDefault("indexer.concurrency", 4)

	v.SetDefault("search.graph_first.graph", 0.7)
	v.SetDefault("search.graph_first.semantic", 0.3)
	v.SetDefault("search.semantic_first.graph", 0.3)
	v.SetDefault("search.semantic_first.semantic", 0.7)
	v.SetDefault("search.hybrid.graph", 0.5)
	v.SetDefault("search.hybrid.semantic", 0.5)
	v.SetDefault("search.subquery_timeout", 2*time.Second)
	v.SetDefault("search.query_timeout", 5*time.Second)
	v.SetDefault("search.candidate_pool", 200)
	v.SetDefault("search.default_limit", 20)
	v.SetDefault("search.max_neighbors_per_hop", 10)
	v.SetDefault("search.max_relationship_depth", 3)

	v.SetDefault("watch.debounce", 300*time.Millisecond)
	v.SetDefault("watch.ignore_patterns", []string{".git", "node_modules", ".idea", "*.swp", "*.tmp", "__pycache__", "vendor"})
}

// New returns a viper instance with defaults, environment binding and the
// optional config file wired in. It loads .env first when present.
func New(configFile string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("CODEGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("codegraph")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load builds the configuration from defaults, .env, environment and the
// optional config file.
func Load(configFile string) (*Config, error) {
	v, err := New(configFile)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags on cfg.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch {
	case cfg.Embedding.Provider == "tei" && cfg.Embedding.TEIURL == "":
		return errors.New("invalid config: embedding.tei_url is required for the tei provider")
	case cfg.Embedding.Provider == "openai" && cfg.Embedding.OpenAIKey == "":
		return errors.New("invalid config: embedding.openai_api_key is required for the openai provider")
	}
	return nil
}
