// Package config assembles the daemon configuration from an optional
// YAML file and the environment. Environment variables override the
// file; zero values fall back to the documented defaults downstream.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the full daemon configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`
	// APIKey authenticates capture clients and control callers; empty
	// disables auth.
	APIKey string `yaml:"api_key,omitempty"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level,omitempty"`

	Store     StoreConfig     `yaml:"store"`
	ASR       ASRConfig       `yaml:"asr"`
	Inference InferenceConfig `yaml:"inference"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Finalize  FinalizeConfig  `yaml:"finalize"`
}

// StoreConfig selects the persistence backends.
type StoreConfig struct {
	// KVPath is the badger directory for session state; empty selects the
	// in-memory store (tests, ephemeral runs).
	KVPath string `yaml:"kv_path,omitempty"`

	// AudioDir is the local directory for chunk audio; ignored when
	// S3Bucket is set, in-memory when both are empty.
	AudioDir string `yaml:"audio_dir,omitempty"`

	// S3Bucket stores chunk audio in S3 instead of the local filesystem.
	S3Bucket string `yaml:"s3_bucket,omitempty"`
	S3Prefix string `yaml:"s3_prefix,omitempty"`
}

// ASRConfig configures the upstream speech recognizer.
type ASRConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RealtimeEnabled bool   `yaml:"realtime_enabled"`
	URL             string `yaml:"url,omitempty"`
	APIKey          string `yaml:"api_key,omitempty"`
	Model           string `yaml:"model,omitempty"`
	QueueCap        int    `yaml:"queue_cap,omitempty"`
	WindowSeconds   int    `yaml:"window_seconds,omitempty"`
	HopSeconds      int    `yaml:"hop_seconds,omitempty"`
}

// InferenceConfig configures the failover inference client.
type InferenceConfig struct {
	PrimaryURL      string `yaml:"primary_url,omitempty"`
	SecondaryURL    string `yaml:"secondary_url,omitempty"`
	APIKey          string `yaml:"api_key,omitempty"`
	FailoverEnabled bool   `yaml:"failover_enabled"`
	TimeoutMS       int    `yaml:"timeout_ms,omitempty"`
	RetryMax        int    `yaml:"retry_max,omitempty"`
	RetryBackoffMS  int    `yaml:"retry_backoff_ms,omitempty"`
	CircuitOpenMS   int    `yaml:"circuit_open_ms,omitempty"`
}

// ResolverConfig tunes the speaker-resolution thresholds. Zero values
// take the documented defaults (0.72 / 0.08 / 0.93).
type ResolverConfig struct {
	EnrollTopScore float64 `yaml:"enroll_top_score,omitempty"`
	EnrollMargin   float64 `yaml:"enroll_margin,omitempty"`
	NameLock       float64 `yaml:"name_lock,omitempty"`
}

// FinalizeConfig configures the finalization pipeline.
type FinalizeConfig struct {
	// AnalysisEnabled gates the analysis and synthesis stages; off means
	// every report is memo-first.
	AnalysisEnabled bool `yaml:"analysis_enabled"`
	DrainTimeoutMS  int  `yaml:"drain_timeout_ms,omitempty"`

	// Merge view tuning; zero values take the documented defaults
	// (400 ms / 0.7 / 0.6 / 5000 ms).
	MergeGapMS     int64   `yaml:"merge_gap_ms,omitempty"`
	JaccardCutoff  float64 `yaml:"jaccard_cutoff,omitempty"`
	EdgeOverlap    float64 `yaml:"edge_overlap,omitempty"`
	DedupeWindowMS int64   `yaml:"dedupe_window_ms,omitempty"`
}

// Default is the baseline before file and environment are applied.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		ASR:        ASRConfig{Model: "paraformer-realtime-v2"},
	}
}

// Load reads the YAML file (when path is non-empty), then applies the
// environment on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

// applyEnv folds the environment into the config. lookup is swappable in
// tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	setString(lookup, "WORKER_API_KEY", &c.APIKey)
	setString(lookup, "LOG_LEVEL", &c.LogLevel)
	setString(lookup, "LISTEN_ADDR", &c.ListenAddr)

	setBool(lookup, "ASR_ENABLED", &c.ASR.Enabled)
	setBool(lookup, "ASR_REALTIME_ENABLED", &c.ASR.RealtimeEnabled)
	setString(lookup, "ASR_WS_URL", &c.ASR.URL)
	setString(lookup, "ASR_MODEL", &c.ASR.Model)
	setString(lookup, "ALIYUN_DASHSCOPE_API_KEY", &c.ASR.APIKey)

	setString(lookup, "INFERENCE_BASE_URL_PRIMARY", &c.Inference.PrimaryURL)
	setString(lookup, "INFERENCE_BASE_URL_SECONDARY", &c.Inference.SecondaryURL)
	setString(lookup, "INFERENCE_API_KEY", &c.Inference.APIKey)
	setBool(lookup, "INFERENCE_FAILOVER_ENABLED", &c.Inference.FailoverEnabled)
	setInt(lookup, "INFERENCE_TIMEOUT_MS", &c.Inference.TimeoutMS)
	setInt(lookup, "INFERENCE_RETRY_MAX", &c.Inference.RetryMax)
	setInt(lookup, "INFERENCE_RETRY_BACKOFF_MS", &c.Inference.RetryBackoffMS)
	setInt(lookup, "INFERENCE_CIRCUIT_OPEN_MS", &c.Inference.CircuitOpenMS)

	setBool(lookup, "FINALIZE_V2_ENABLED", &c.Finalize.AnalysisEnabled)
}

func setString(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setBool(lookup func(string) (string, bool), key string, dst *bool) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(lookup func(string) (string, bool), key string, dst *int) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// MS converts a millisecond knob to a duration, zero staying zero so the
// consumer's default applies.
func MS(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
