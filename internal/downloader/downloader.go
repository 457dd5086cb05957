// Package downloader fetches the parts of a media download over HTTP with
// resume support and hands them to mux for merging.
package downloader

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// Options controls a download session. Field tags name the YAML keys and
// the GETMUX_* environment variables read by internal/config.
type Options struct {
	OutputDir     string            `yaml:"output_dir" envconfig:"GETMUX_OUTPUT_DIR"`
	Overwrite     bool              `yaml:"overwrite" envconfig:"GETMUX_OVERWRITE"`
	Merge         bool              `yaml:"merge" envconfig:"GETMUX_MERGE"`
	DryRun        bool              `yaml:"dry_run" envconfig:"GETMUX_DRY_RUN"`
	PlayerCommand string            `yaml:"player" envconfig:"GETMUX_PLAYER"`
	FakeHeaders   map[string]string `yaml:"fake_headers" envconfig:"GETMUX_FAKE_HEADERS"`
	Proxy         string            `yaml:"proxy" envconfig:"GETMUX_PROXY"`
	Concurrency   int               `yaml:"concurrency" envconfig:"GETMUX_CONCURRENCY"`
	MaxRetries    int               `yaml:"max_retries" envconfig:"GETMUX_MAX_RETRIES"`
	RetryDelay    time.Duration     `yaml:"retry_delay" envconfig:"GETMUX_RETRY_DELAY"`
	MaxRetryDelay time.Duration     `yaml:"max_retry_delay" envconfig:"GETMUX_MAX_RETRY_DELAY"`
	ChunkSize     int               `yaml:"chunk_size" envconfig:"GETMUX_CHUNK_SIZE"`
	Timeout       time.Duration     `yaml:"timeout" envconfig:"GETMUX_TIMEOUT"`
	RateLimit     int64             `yaml:"rate_limit" envconfig:"GETMUX_RATE_LIMIT"` // bytes per second, 0 = unlimited
	ProbeSizes    bool              `yaml:"probe_sizes" envconfig:"GETMUX_PROBE_SIZES"`
}

const (
	defaultConcurrency = 4
	defaultChunkSize   = 256 * 1024
	maxRangeRestarts   = 3
)

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		OutputDir:     ".",
		Merge:         true,
		Concurrency:   defaultConcurrency,
		MaxRetries:    5,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 8 * time.Second,
		ChunkSize:     defaultChunkSize,
		Timeout:       30 * time.Second,
		ProbeSizes:    true,
	}
}

// Validate rejects settings that cannot work.
func (o Options) Validate() error {
	switch {
	case o.Concurrency < 0:
		return wrapCategory(CategoryInvalidInput, fmt.Errorf("concurrency must not be negative, got %d", o.Concurrency))
	case o.MaxRetries < 0:
		return wrapCategory(CategoryInvalidInput, fmt.Errorf("max_retries must not be negative, got %d", o.MaxRetries))
	case o.ChunkSize < 0:
		return wrapCategory(CategoryInvalidInput, fmt.Errorf("chunk_size must not be negative, got %d", o.ChunkSize))
	case o.RateLimit < 0:
		return wrapCategory(CategoryInvalidInput, fmt.Errorf("rate_limit must not be negative, got %d", o.RateLimit))
	}
	return nil
}

// withDefaults fills zero values that have no meaningful zero setting.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Concurrency == 0 {
		o.Concurrency = def.Concurrency
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = def.MaxRetryDelay
	}
	if o.OutputDir == "" {
		o.OutputDir = def.OutputDir
	}
	return o
}

func (o Options) retryConfig() retryConfig {
	return retryConfig{
		MaxRetries:   o.MaxRetries,
		InitialDelay: o.RetryDelay,
		MaxDelay:     o.MaxRetryDelay,
	}
}

// Result describes a finished download.
type Result struct {
	SessionID  string
	Title      string
	OutputPath string
	Parts      []PartState
	Bytes      int64
	Merged     bool
	Skipped    bool
	DryRun     bool
	Played     bool
	Elapsed    time.Duration
}

// Download runs spec with a one-off session. The zero Options stands for
// DefaultOptions(); any other value is used as given, so callers changing
// a few settings should start from DefaultOptions().
func Download(ctx context.Context, spec DownloadSpec, opts Options) (Result, error) {
	if reflect.ValueOf(opts).IsZero() {
		opts = DefaultOptions()
	}
	return NewSession(opts).Download(ctx, spec)
}
