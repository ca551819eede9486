package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Pipeline    PipelineConfig            `json:"pipeline" yaml:"pipeline"`
	Chat        ChatConfig                `json:"chat" yaml:"chat"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Embedding   EmbeddingConfig           `json:"embedding" yaml:"embedding"`
	VectorStore VectorStoreConfig         `json:"vector_store" yaml:"vector_store"`
}

type BasicConfig struct {
	ServerAddress       string   `json:"server_address" yaml:"server_address"`
	Environment         string   `json:"environment" yaml:"environment"`
	FileBaseDir         string   `json:"file_base_dir" yaml:"file_base_dir"`
	MaxUploadBytes      int64    `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	CORSOrigins         []string `json:"cors_origins" yaml:"cors_origins"`
	MinWorkers          int      `json:"min_workers" yaml:"min_workers"`
	MaxWorkers          int      `json:"max_workers" yaml:"max_workers"`
	QueueSize           int      `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout   int      `json:"worker_idle_timeout" yaml:"worker_idle_timeout"`     // minutes
	OrphanCleanInterval int      `json:"orphan_clean_interval" yaml:"orphan_clean_interval"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`

	// Namespace prefixes keys and channels; defaults to "docchat".
	Namespace string `json:"namespace" yaml:"namespace"`
}

type PipelineConfig struct {
	StageTimeoutSeconds int `json:"stage_timeout_seconds" yaml:"stage_timeout_seconds"`
	ChunkSize           int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap        int `json:"chunk_overlap" yaml:"chunk_overlap"`
	EmbedBatchSize      int `json:"embed_batch_size" yaml:"embed_batch_size"`
	EmbedConcurrency    int `json:"embed_concurrency" yaml:"embed_concurrency"`
}

type ChatConfig struct {
	Provider           string `json:"provider" yaml:"provider"`
	DefaultTopK        int    `json:"default_top_k" yaml:"default_top_k"`
	MaxTopK            int    `json:"max_top_k" yaml:"max_top_k"`
	HistoryLimit       int    `json:"history_limit" yaml:"history_limit"`
	LatestLimit        int    `json:"latest_limit" yaml:"latest_limit"`
	ListLimit          int    `json:"list_limit" yaml:"list_limit"`
	DefaultTitle       string `json:"default_title" yaml:"default_title"`
	GenerateTitles     bool   `json:"generate_titles" yaml:"generate_titles"`
	RewriteQueries     bool   `json:"rewrite_queries" yaml:"rewrite_queries"`
	DetectSentiment    bool   `json:"detect_sentiment" yaml:"detect_sentiment"`
	TurnTimeoutSeconds int    `json:"turn_timeout_seconds" yaml:"turn_timeout_seconds"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type EmbeddingConfig struct {
	BaseURL    string `json:"base_url" yaml:"base_url"`
	Model      string `json:"model" yaml:"model"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Dimensions int    `json:"dimensions" yaml:"dimensions"`
}

type VectorStoreConfig struct {
	Type           string `json:"type" yaml:"type"` // qdrant or memory
	URL            string `json:"url" yaml:"url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	Collection     string `json:"collection" yaml:"collection"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first, when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(absPath)
	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			cfg.Databases[name] = db
		}
	}
	if !filepath.IsAbs(cfg.BasicConfig.FileBaseDir) {
		cfg.BasicConfig.FileBaseDir = filepath.Join(baseDir, cfg.BasicConfig.FileBaseDir)
	}

	return &cfg, nil
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Validate reports configuration values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkSize {
		return fmt.Errorf("pipeline.chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Pipeline.ChunkOverlap, c.Pipeline.ChunkSize)
	}
	if c.Chat.DefaultTopK > c.Chat.MaxTopK {
		return fmt.Errorf("chat.default_top_k (%d) exceeds max_top_k (%d)", c.Chat.DefaultTopK, c.Chat.MaxTopK)
	}
	switch c.VectorStore.Type {
	case "qdrant":
		if c.VectorStore.URL == "" {
			return fmt.Errorf("vector_store.url must be configured for qdrant")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported vector_store.type: %s", c.VectorStore.Type)
	}
	return nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
		if p, ok := c.Providers["openai"]; ok && p.APIKey == "" {
			p.APIKey = key
			c.Providers["openai"] = p
		}
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" && c.VectorStore.APIKey == "" {
		c.VectorStore.APIKey = key
	}
	if url := os.Getenv("QDRANT_URL"); url != "" {
		c.VectorStore.URL = url
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8000"
	}
	if b.Environment == "" {
		b.Environment = "development"
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = "storage/pdfs"
	}
	if b.MaxUploadBytes <= 0 {
		b.MaxUploadBytes = 20 << 20
	}
	if len(b.CORSOrigins) == 0 {
		b.CORSOrigins = []string{"http://localhost:5173"}
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 16
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 256
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.OrphanCleanInterval <= 0 {
		b.OrphanCleanInterval = 60
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "data/docchat.db"}
	}

	p := &c.Pipeline
	if p.StageTimeoutSeconds <= 0 {
		p.StageTimeoutSeconds = 300
	}
	if p.ChunkSize <= 0 {
		p.ChunkSize = 800
	}
	// negative disables overlap
	if p.ChunkOverlap == 0 {
		p.ChunkOverlap = 100
	} else if p.ChunkOverlap < 0 {
		p.ChunkOverlap = 0
	}
	if p.EmbedBatchSize <= 0 {
		p.EmbedBatchSize = 64
	}
	if p.EmbedConcurrency <= 0 {
		p.EmbedConcurrency = 4
	}

	ch := &c.Chat
	if ch.Provider == "" {
		ch.Provider = "openai"
	}
	if ch.DefaultTopK <= 0 {
		ch.DefaultTopK = 5
	}
	if ch.MaxTopK <= 0 {
		ch.MaxTopK = 50
	}
	if ch.HistoryLimit <= 0 {
		ch.HistoryLimit = 10
	}
	if ch.LatestLimit <= 0 {
		ch.LatestLimit = 10
	}
	if ch.ListLimit <= 0 {
		ch.ListLimit = 20
	}
	if ch.DefaultTitle == "" {
		ch.DefaultTitle = "New chat"
	}
	if ch.TurnTimeoutSeconds <= 0 {
		ch.TurnTimeoutSeconds = 120
	}

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if _, ok := c.Providers["openai"]; !ok {
		c.Providers["openai"] = ProviderConfig{Model: "gpt-4o-mini", APIKey: os.Getenv("OPENAI_API_KEY")}
	}

	e := &c.Embedding
	if e.Model == "" {
		e.Model = "text-embedding-3-small"
	}
	if e.Dimensions <= 0 {
		e.Dimensions = 1536
	}

	v := &c.VectorStore
	if v.Type == "" {
		v.Type = "qdrant"
	}
	if v.URL == "" && v.Type == "qdrant" {
		v.URL = "http://localhost:6333"
	}
	if v.Collection == "" {
		v.Collection = "documents_embeddings"
	}
	if v.TimeoutSeconds <= 0 {
		v.TimeoutSeconds = 15
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
