// Package config loads and validates the quarry configuration.
//
// Configuration is resolved from .quarry.yaml at the watched root, with
// defaults applied for every zero value so an empty file is a valid config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the per-root configuration file.
const ConfigFileName = ".quarry.yaml"

// Config represents the complete quarry configuration.
type Config struct {
	Version  int            `yaml:"version"`
	Paths    PathsConfig    `yaml:"paths"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Embed    EmbedConfig    `yaml:"embeddings"`
	Index    IndexConfig    `yaml:"index"`
	Search   SearchConfig   `yaml:"search"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Healing  HealingConfig  `yaml:"healing"`
	LogLevel string         `yaml:"log_level"`
}

// PathsConfig configures the watched root and the data directory layout.
type PathsConfig struct {
	// Root is the watched directory. Defaults to the working directory.
	Root string `yaml:"root"`

	// DataDir holds the SQLite database, vector index file, FTS index,
	// logs, and quarantine. Defaults to <root>/.quarry.
	DataDir string `yaml:"data_dir"`

	// Quarantine is where rejected files are moved. Defaults to
	// <data_dir>/quarantine.
	Quarantine string `yaml:"quarantine"`
}

// WatcherConfig configures filesystem watching and debouncing.
type WatcherConfig struct {
	// DebounceWindow is how long a path must be quiet before emission.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// TickInterval is how often the debouncer scans for expired paths.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Extensions is the whitelist of indexable file extensions.
	Extensions []string `yaml:"extensions"`

	// Exclude are literal substrings that disqualify a path.
	Exclude []string `yaml:"exclude"`
}

// ChunkingConfig configures the token-aware chunker.
type ChunkingConfig struct {
	// MaxTokens is the chunk size ceiling (default: 512).
	MaxTokens int `yaml:"max_tokens"`

	// OverlapTokens is the overlap between adjacent chunks (default: 64).
	OverlapTokens int `yaml:"overlap_tokens"`
}

// EmbedConfig configures the embedding provider.
type EmbedConfig struct {
	// Provider selects the embedder: "ollama" or "static".
	Provider string `yaml:"provider"`

	// Model is the embedding model name.
	Model string `yaml:"model"`

	// Dimensions is the embedding dimension, fixed at store creation.
	Dimensions int `yaml:"dimensions"`

	// BatchSize is texts per embed call (default: 32).
	BatchSize int `yaml:"batch_size"`

	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host"`

	// CacheSize is the content-hash embedding cache capacity.
	CacheSize int `yaml:"cache_size"`
}

// IndexConfig configures the vector and FTS indexes.
type IndexConfig struct {
	// FTSBackend selects the FTS index backend: "bleve" or "sqlite".
	FTSBackend string `yaml:"fts_backend"`

	// FlushInterval is how often the vector index is persisted to disk.
	// There is deliberately no per-write flush; see the vector store docs.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// EfSearch is the HNSW query-time search width. Calibrated for >=95%
	// recall against exact search; never left at the library default.
	EfSearch int `yaml:"ef_search"`

	// M is the HNSW max connections per layer.
	M int `yaml:"m"`
}

// SearchConfig configures hybrid search parameters.
type SearchConfig struct {
	// RRFConstant is the RRF fusion smoothing parameter k.
	RRFConstant int `yaml:"rrf_constant"`

	// CandidateMultiplier scales top_k for the candidate retrieval pass.
	CandidateMultiplier int `yaml:"candidate_multiplier"`

	// MinCandidates is the floor for candidate retrieval.
	MinCandidates int `yaml:"min_candidates"`

	// TitleBoost multiplies BM25 scores of filename matches (1.0-3.0).
	TitleBoost float64 `yaml:"title_boost"`

	// RerankN is how many fused candidates are handed to a reranker.
	RerankN int `yaml:"rerank_n"`

	// CacheSize is the query cache capacity.
	CacheSize int `yaml:"cache_size"`
}

// PipelineConfig configures stage worker counts and channel bounds.
type PipelineConfig struct {
	// QueueCapacity bounds the priority queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// ChunkWorkers is the number of extraction workers (default: 2).
	ChunkWorkers int `yaml:"chunk_workers"`

	// EmbedWorkers is the number of embedding workers (default: 2).
	// Throughput scales through batch size, not worker count.
	EmbedWorkers int `yaml:"embed_workers"`

	// StageBuffer bounds the channels between stages.
	StageBuffer int `yaml:"stage_buffer"`

	// MaxFileSize is the largest file the pipeline will ingest in bytes.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// HealingConfig configures startup self-healing.
type HealingConfig struct {
	// AutoSelfHeal enables empty-document deletion during startup repair.
	AutoSelfHeal bool `yaml:"auto_self_heal"`

	// GraphHops bounds graph neighborhood traversal.
	GraphHops int `yaml:"graph_hops"`
}

// Default returns a fully-populated configuration for the given root.
func Default(root string) *Config {
	cfg := &Config{Version: 1}
	cfg.Paths.Root = root
	cfg.applyDefaults()
	return cfg
}

// DefaultExtensions is the default extension whitelist.
var DefaultExtensions = []string{
	".md", ".txt", ".pdf", ".docx", ".epub", ".ipynb",
	".go", ".py", ".js", ".ts", ".rs", ".java", ".c", ".h", ".sh",
}

// DefaultExcludes are literal path substrings that are never indexed.
var DefaultExcludes = []string{
	".git", "node_modules", ".quarry", "quarantine", ".obsidian", ".trash",
}

// applyDefaults fills every zero value with its default.
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Paths.Root == "" {
		c.Paths.Root = "."
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = filepath.Join(c.Paths.Root, ".quarry")
	}
	if c.Paths.Quarantine == "" {
		c.Paths.Quarantine = filepath.Join(c.Paths.DataDir, "quarantine")
	}
	if c.Watcher.DebounceWindow == 0 {
		c.Watcher.DebounceWindow = 10 * time.Second
	}
	if c.Watcher.TickInterval == 0 {
		c.Watcher.TickInterval = time.Second
	}
	if len(c.Watcher.Extensions) == 0 {
		c.Watcher.Extensions = append([]string(nil), DefaultExtensions...)
	}
	if len(c.Watcher.Exclude) == 0 {
		c.Watcher.Exclude = append([]string(nil), DefaultExcludes...)
	}
	if c.Chunking.MaxTokens == 0 {
		c.Chunking.MaxTokens = 512
	}
	if c.Chunking.OverlapTokens == 0 {
		c.Chunking.OverlapTokens = 64
	}
	if c.Embed.Provider == "" {
		c.Embed.Provider = "ollama"
	}
	if c.Embed.Model == "" {
		c.Embed.Model = "nomic-embed-text"
	}
	if c.Embed.Dimensions == 0 {
		c.Embed.Dimensions = 768
	}
	if c.Embed.BatchSize == 0 {
		c.Embed.BatchSize = 32
	}
	if c.Embed.OllamaHost == "" {
		c.Embed.OllamaHost = "http://localhost:11434"
	}
	if c.Embed.CacheSize == 0 {
		c.Embed.CacheSize = 4096
	}
	if c.Index.FTSBackend == "" {
		c.Index.FTSBackend = "bleve"
	}
	if c.Index.FlushInterval == 0 {
		c.Index.FlushInterval = 5 * time.Minute
	}
	if c.Index.EfSearch == 0 {
		// Calibrated against exact search on nomic-embed-text; the
		// library default of 20 measures ~30% recall on this corpus.
		c.Index.EfSearch = 100
	}
	if c.Index.M == 0 {
		c.Index.M = 16
	}
	if c.Search.RRFConstant == 0 {
		c.Search.RRFConstant = 20
	}
	if c.Search.CandidateMultiplier == 0 {
		c.Search.CandidateMultiplier = 4
	}
	if c.Search.MinCandidates == 0 {
		c.Search.MinCandidates = 20
	}
	if c.Search.TitleBoost == 0 {
		c.Search.TitleBoost = 1.5
	}
	if c.Search.RerankN == 0 {
		c.Search.RerankN = 20
	}
	if c.Search.CacheSize == 0 {
		c.Search.CacheSize = 100
	}
	if c.Pipeline.QueueCapacity == 0 {
		c.Pipeline.QueueCapacity = 10000
	}
	if c.Pipeline.ChunkWorkers == 0 {
		c.Pipeline.ChunkWorkers = 2
	}
	if c.Pipeline.EmbedWorkers == 0 {
		c.Pipeline.EmbedWorkers = 2
	}
	if c.Pipeline.StageBuffer == 0 {
		c.Pipeline.StageBuffer = 16
	}
	if c.Pipeline.MaxFileSize == 0 {
		c.Pipeline.MaxFileSize = 100 * 1024 * 1024
	}
	if c.Healing.GraphHops == 0 {
		c.Healing.GraphHops = 2
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Embed.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embed.Dimensions)
	}
	if c.Embed.BatchSize < 1 || c.Embed.BatchSize > 256 {
		return fmt.Errorf("embeddings.batch_size must be in [1,256], got %d", c.Embed.BatchSize)
	}
	if c.Search.TitleBoost < 1.0 || c.Search.TitleBoost > 3.0 {
		return fmt.Errorf("search.title_boost must be in [1.0,3.0], got %g", c.Search.TitleBoost)
	}
	if c.Index.FTSBackend != "bleve" && c.Index.FTSBackend != "sqlite" {
		return fmt.Errorf("index.fts_backend must be bleve or sqlite, got %q", c.Index.FTSBackend)
	}
	if c.Embed.Provider != "ollama" && c.Embed.Provider != "static" {
		return fmt.Errorf("embeddings.provider must be ollama or static, got %q", c.Embed.Provider)
	}
	if c.Index.EfSearch < 1 {
		return fmt.Errorf("index.ef_search must be positive, got %d", c.Index.EfSearch)
	}
	return nil
}

// Load reads configuration for root, applying defaults over a missing or
// partial file.
func Load(root string) (*Config, error) {
	cfg := &Config{}
	path := filepath.Join(root, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(root), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Paths.Root = root
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration to root's .quarry.yaml.
func (c *Config) Save(root string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(root, ConfigFileName), data, 0o644)
}
