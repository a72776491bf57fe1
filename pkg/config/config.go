// Package config loads the store's yaml configuration file: vector
// dimension, HNSW parameters, cache budget, write-buffer tuning, backend
// selection, and connection pool bounds.
package config

import (
	"os"
	"time"

	"github.com/cuemby/vgraph/pkg/cache"
	"github.com/cuemby/vgraph/pkg/cowstore"
	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/hnsw"
	"github.com/cuemby/vgraph/pkg/pool"
	"gopkg.in/yaml.v3"
)

// BackendKind selects the storage.Facade's persistence layer.
type BackendKind string

const (
	BackendFile   BackendKind = "file"
	BackendMemory BackendKind = "memory"
	BackendS3     BackendKind = "s3"
)

// HNSWConfig mirrors hnsw.Params for yaml loading.
type HNSWConfig struct {
	M              int    `yaml:"m"`
	M0             int    `yaml:"m0"`
	EfConstruction int    `yaml:"efConstruction"`
	EfSearch       int    `yaml:"efSearch"`
	Metric         string `yaml:"metric"`
}

// CacheConfig mirrors cache.Options for yaml loading.
type CacheConfig struct {
	BudgetBytes      int64         `yaml:"budgetBytes"`
	FairnessInterval time.Duration `yaml:"fairnessInterval"`
}

// WriteBufferConfig mirrors cowstore's write-buffer tuning knobs.
type WriteBufferConfig struct {
	Window      time.Duration `yaml:"window"`
	Cap         int           `yaml:"cap"`
	Concurrency int           `yaml:"concurrency"`
}

// PoolConfig mirrors pool.Options' generic bounds.
type PoolConfig struct {
	MinSize             int           `yaml:"minSize"`
	MaxSize             int           `yaml:"maxSize"`
	AcquireTimeout      time.Duration `yaml:"acquireTimeout"`
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	IdleTimeout         time.Duration `yaml:"idleTimeout"`
}

// S3Config mirrors backend.S3Config for yaml loading.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// FileConfig configures the filesystem backend's root directory.
type FileConfig struct {
	Dir string `yaml:"dir"`
}

// Config is the root configuration document.
type Config struct {
	Dimension int `yaml:"dimension"`

	Backend BackendKind `yaml:"backend"`
	File    FileConfig  `yaml:"file"`
	S3      S3Config    `yaml:"s3"`

	HNSW        HNSWConfig        `yaml:"hnsw"`
	Cache       CacheConfig       `yaml:"cache"`
	WriteBuffer WriteBufferConfig `yaml:"writeBuffer"`
	Pool        PoolConfig        `yaml:"pool"`

	TransactionTimeout time.Duration `yaml:"transactionTimeout"`
	CountsFlushInterval time.Duration `yaml:"countsFlushInterval"`
}

// DefaultDimension is the default embedding vector length.
const DefaultDimension = 384

// Default returns a Config populated with every spec-mandated default.
func Default() Config {
	return Config{
		Dimension: DefaultDimension,
		Backend:   BackendMemory,
		File:      FileConfig{Dir: "./data"},
		HNSW: HNSWConfig{
			M: 16, M0: 32, EfConstruction: 200, EfSearch: 64, Metric: "cosine",
		},
		Cache: CacheConfig{
			BudgetBytes:      cache.DefaultBudgetBytes,
			FairnessInterval: cache.DefaultFairnessInterval,
		},
		WriteBuffer: WriteBufferConfig{
			Window:      cowstore.DefaultFlushWindow,
			Cap:         cowstore.DefaultBufferCap,
			Concurrency: cowstore.DefaultFlushConcurrency,
		},
		Pool: PoolConfig{
			MinSize:             pool.ObjectStoreMinSize,
			MaxSize:             pool.ObjectStoreMaxSize,
			AcquireTimeout:      pool.DefaultAcquireTimeout,
			HealthCheckInterval: pool.DefaultHealthCheckInterval,
			IdleTimeout:         pool.DefaultIdleTimeout,
		},
		TransactionTimeout:  30 * time.Second,
		CountsFlushInterval: 200 * time.Millisecond,
	}
}

// Load reads and parses a yaml config file, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.Wrap(errs.InvalidArgument, "config.Load", err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.InvalidArgument, "config.Load", err, "failed to parse config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for internally-inconsistent values.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return errs.New(errs.InvalidArgument, "config.Validate", "dimension must be positive")
	}
	switch c.Backend {
	case BackendFile, BackendMemory, BackendS3:
	default:
		return errs.New(errs.InvalidArgument, "config.Validate", "unknown backend kind: "+string(c.Backend))
	}
	if c.Backend == BackendS3 && c.S3.Bucket == "" {
		return errs.New(errs.InvalidArgument, "config.Validate", "s3 backend requires a bucket")
	}
	if c.Backend == BackendFile && c.File.Dir == "" {
		return errs.New(errs.InvalidArgument, "config.Validate", "file backend requires a dir")
	}
	return nil
}

// HNSWParams converts the yaml-loaded HNSW config to hnsw.Params.
func (c Config) HNSWParams() hnsw.Params {
	p := hnsw.DefaultParams()
	if c.HNSW.M > 0 {
		p.M = c.HNSW.M
	}
	if c.HNSW.M0 > 0 {
		p.M0 = c.HNSW.M0
	}
	if c.HNSW.EfConstruction > 0 {
		p.EfConstruction = c.HNSW.EfConstruction
	}
	if c.HNSW.EfSearch > 0 {
		p.EfSearch = c.HNSW.EfSearch
	}
	if c.HNSW.Metric != "" {
		p.Metric = hnsw.Metric(c.HNSW.Metric)
	}
	return p
}
