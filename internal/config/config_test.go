package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdwatch/internal/pipeline"
	"crowdwatch/internal/pipeline/strategies"
)

func TestDefault_MatchesPipelineDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	want := pipeline.DefaultConfig()
	if diff := cmp.Diff(want, cfg.PipelineConfig()); diff != "" {
		t.Errorf("pipeline config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, ":memory:", cfg.Journal.DSN)
	assert.Equal(t, 50, cfg.Stream.Quality)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crowdwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
pipeline:
  throttle: 5
  alert_threshold: 10
  idle_interval: 25ms
features:
  policy: closed
detector:
  backend: grpc
  endpoint: localhost:50051
  timeout: 750ms
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Pipeline.Throttle)
	assert.Equal(t, 10, cfg.Pipeline.AlertThreshold)
	assert.Equal(t, 25*time.Millisecond, cfg.Pipeline.IdleInterval)
	assert.Equal(t, pipeline.FeaturePolicyClosed, cfg.Features.Policy)
	assert.Equal(t, 750*time.Millisecond, cfg.Detector.Timeout)

	// Untouched keys keep their defaults
	assert.Equal(t, 480, cfg.Pipeline.Width)
	assert.Equal(t, "person", cfg.Pipeline.TargetClass)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [1, 2"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CROWDWATCH_HTTP_ADDR":           ":7000",
		"CROWDWATCH_THROTTLE":            "4",
		"CROWDWATCH_THROTTLE_MODE":       "interval",
		"CROWDWATCH_MIN_INTERVAL":        "1s",
		"CROWDWATCH_DETECTOR_BACKEND":    "http",
		"CROWDWATCH_DETECTOR_ENDPOINT":   "http://detector:8000",
		"CROWDWATCH_FEATURE_POLICY":      "closed",
		"CROWDWATCH_DETECTOR_CONFIDENCE": "0.4",
		"CROWDWATCH_TELEGRAM_BOT_TOKEN":  "123:abc",
		"CROWDWATCH_TELEGRAM_CHAT_ID":    "-100",
		"CROWDWATCH_JOURNAL_RETENTION":   "72h",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 4, cfg.Pipeline.Throttle)
	assert.Equal(t, strategies.ModeInterval, cfg.Pipeline.ThrottleMode)
	assert.Equal(t, time.Second, cfg.Pipeline.MinInterval)
	assert.Equal(t, "http", cfg.Detector.Backend)
	assert.Equal(t, pipeline.FeaturePolicyClosed, cfg.Features.Policy)
	assert.InDelta(t, 0.4, cfg.Detector.Confidence, 1e-6)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, "-100", cfg.Telegram.ChatID)
	assert.Equal(t, 72*time.Hour, cfg.Journal.Retention)
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "CROWDWATCH_THROTTLE" {
			return "three", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CROWDWATCH_THROTTLE")
	assert.Equal(t, pipeline.DefaultThrottle, cfg.Pipeline.Throttle)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero throttle", func(c *Config) { c.Pipeline.Throttle = 0 }},
		{"negative threshold", func(c *Config) { c.Pipeline.AlertThreshold = -1 }},
		{"unknown policy", func(c *Config) { c.Features.Policy = "sometimes" }},
		{"unknown backend", func(c *Config) { c.Detector.Backend = "carrier-pigeon" }},
		{"grpc without endpoint", func(c *Config) { c.Detector.Backend = "grpc" }},
		{"unknown throttle mode", func(c *Config) { c.Pipeline.ThrottleMode = "sometimes" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad quality", func(c *Config) { c.Stream.Quality = 0 }},
		{"bad confidence", func(c *Config) { c.Detector.Confidence = 1.5 }},
		{"telegram token without chat", func(c *Config) { c.Telegram.BotToken = "123:abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
