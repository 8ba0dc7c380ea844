package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" || cfg.LogLevel != "info" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.ASR.Model != "paraformer-realtime-v2" {
		t.Fatalf("asr model = %q", cfg.ASR.Model)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edged.yaml")
	data := []byte(`
listen_addr: ":9000"
api_key: from-file
inference:
  primary_url: http://file-primary
  retry_max: 5
asr:
  enabled: true
  model: from-file-model
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.APIKey != "from-file" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.Inference.PrimaryURL != "http://file-primary" || cfg.Inference.RetryMax != 5 {
		t.Fatalf("inference = %+v", cfg.Inference)
	}
	if !cfg.ASR.Enabled || cfg.ASR.Model != "from-file-model" {
		t.Fatalf("asr = %+v", cfg.ASR)
	}

	// Env wins over file.
	cfg.applyEnv(lookupMap(map[string]string{
		"WORKER_API_KEY":             "from-env",
		"INFERENCE_BASE_URL_PRIMARY": "http://env-primary",
		"INFERENCE_RETRY_MAX":        "3",
		"ASR_MODEL":                  "env-model",
		"ASR_ENABLED":                "false",
	}))
	if cfg.APIKey != "from-env" {
		t.Fatalf("api key = %q", cfg.APIKey)
	}
	if cfg.Inference.PrimaryURL != "http://env-primary" || cfg.Inference.RetryMax != 3 {
		t.Fatalf("inference after env = %+v", cfg.Inference)
	}
	if cfg.ASR.Enabled || cfg.ASR.Model != "env-model" {
		t.Fatalf("asr after env = %+v", cfg.ASR)
	}
}

func TestApplyEnvKnobs(t *testing.T) {
	cfg := Default()
	cfg.applyEnv(lookupMap(map[string]string{
		"INFERENCE_BASE_URL_SECONDARY": "http://secondary",
		"INFERENCE_FAILOVER_ENABLED":   "true",
		"INFERENCE_TIMEOUT_MS":         "60000",
		"INFERENCE_RETRY_BACKOFF_MS":   "180",
		"INFERENCE_CIRCUIT_OPEN_MS":    "15000",
		"INFERENCE_API_KEY":            "sk-inf",
		"ALIYUN_DASHSCOPE_API_KEY":     "sk-dash",
		"ASR_REALTIME_ENABLED":         "1",
		"FINALIZE_V2_ENABLED":          "true",
	}))
	inf := cfg.Inference
	if inf.SecondaryURL != "http://secondary" || !inf.FailoverEnabled ||
		inf.TimeoutMS != 60000 || inf.RetryBackoffMS != 180 || inf.CircuitOpenMS != 15000 ||
		inf.APIKey != "sk-inf" {
		t.Fatalf("inference = %+v", inf)
	}
	if cfg.ASR.APIKey != "sk-dash" || !cfg.ASR.RealtimeEnabled {
		t.Fatalf("asr = %+v", cfg.ASR)
	}
	if !cfg.Finalize.AnalysisEnabled {
		t.Fatal("finalize analysis not enabled")
	}
}

func TestApplyEnvIgnoresMalformed(t *testing.T) {
	cfg := Default()
	cfg.applyEnv(lookupMap(map[string]string{
		"INFERENCE_RETRY_MAX": "not-a-number",
		"ASR_ENABLED":         "maybe",
	}))
	if cfg.Inference.RetryMax != 0 || cfg.ASR.Enabled {
		t.Fatalf("malformed env applied: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing explicit path succeeded")
	}
}

func TestMS(t *testing.T) {
	if MS(0) != 0 {
		t.Fatal("MS(0) must stay zero")
	}
	if MS(180) != 180*time.Millisecond {
		t.Fatalf("MS(180) = %v", MS(180))
	}
}
