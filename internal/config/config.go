// Package config loads service configuration from defaults, an optional
// YAML file and CROWDWATCH_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"crowdwatch/internal/pipeline"
	"crowdwatch/internal/pipeline/strategies"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CROWDWATCH_"

// Config represents the complete service configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Features FeaturesConfig `yaml:"features"`
	Detector DetectorConfig `yaml:"detector"`
	Capture  CaptureConfig  `yaml:"capture"`
	Stream   StreamConfig   `yaml:"stream"`
	Journal  JournalConfig  `yaml:"journal"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// HTTPConfig contains listener settings
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	StaticDir       string        `yaml:"static_dir"` // Served at / and /static when set
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// PipelineConfig contains inference pipeline settings
type PipelineConfig struct {
	Throttle       int             `yaml:"throttle"`
	ThrottleMode   strategies.Mode `yaml:"throttle_mode"`
	MinInterval    time.Duration   `yaml:"min_interval"` // interval mode only
	AlertThreshold int             `yaml:"alert_threshold"`
	IdleInterval   time.Duration   `yaml:"idle_interval"`
	Width          int             `yaml:"width"`
	Height         int             `yaml:"height"`
	TargetClass    string          `yaml:"target_class"`
}

// FeaturesConfig contains feature flag settings
type FeaturesConfig struct {
	Policy pipeline.FeaturePolicy `yaml:"policy"`
}

// DetectorConfig selects and configures the detector backend
type DetectorConfig struct {
	Backend         string        `yaml:"backend"` // grpc, http or static
	Endpoint        string        `yaml:"endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
	Confidence      float32       `yaml:"confidence"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// CaptureConfig contains device capture settings
type CaptureConfig struct {
	Device string `yaml:"device"` // Empty disables the capture loop
	FPS    int    `yaml:"fps"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// StreamConfig contains MJPEG viewer settings
type StreamConfig struct {
	FPS     int `yaml:"fps"`
	Quality int `yaml:"quality"`
}

// JournalConfig contains alert journal settings
type JournalConfig struct {
	DSN       string        `yaml:"dsn"`
	Retention time.Duration `yaml:"retention"` // 0 keeps everything
}

// TelegramConfig contains high density alert notification settings
type TelegramConfig struct {
	BotToken string        `yaml:"bot_token"` // Empty disables notifications
	ChatID   string        `yaml:"chat_id"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Pipeline: PipelineConfig{
			Throttle:       pipeline.DefaultThrottle,
			ThrottleMode:   strategies.ModeEveryNth,
			MinInterval:    500 * time.Millisecond,
			AlertThreshold: pipeline.DefaultAlertThreshold,
			IdleInterval:   pipeline.DefaultIdleInterval,
			Width:          pipeline.DefaultWidth,
			Height:         pipeline.DefaultHeight,
			TargetClass:    pipeline.DefaultTargetClass,
		},
		Features: FeaturesConfig{Policy: pipeline.FeaturePolicyOpen},
		Detector: DetectorConfig{
			Backend:         "static",
			Timeout:         2 * time.Second,
			Confidence:      0.25,
			BreakerFailures: 5,
			BreakerCooldown: 10 * time.Second,
		},
		Capture:  CaptureConfig{FPS: 20},
		Stream:   StreamConfig{FPS: 20, Quality: 50},
		Journal:  JournalConfig{DSN: ":memory:"},
		Telegram: TelegramConfig{Cooldown: 30 * time.Second},
	}
}

// Load returns the defaults overlaid with the YAML file at path, if any
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CROWDWATCH_* variables
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var firstErr error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "%s%s", EnvPrefix, key)
			}
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "%s%s", EnvPrefix, key)
			}
			return
		}
		*dst = d
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("STATIC_DIR", &c.HTTP.StaticDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	num("THROTTLE", &c.Pipeline.Throttle)
	if v, ok := lookup(EnvPrefix + "THROTTLE_MODE"); ok {
		c.Pipeline.ThrottleMode = strategies.Mode(v)
	}
	dur("MIN_INTERVAL", &c.Pipeline.MinInterval)
	num("ALERT_THRESHOLD", &c.Pipeline.AlertThreshold)
	dur("IDLE_INTERVAL", &c.Pipeline.IdleInterval)
	str("TARGET_CLASS", &c.Pipeline.TargetClass)

	if v, ok := lookup(EnvPrefix + "FEATURE_POLICY"); ok {
		c.Features.Policy = pipeline.FeaturePolicy(v)
	}

	str("DETECTOR_BACKEND", &c.Detector.Backend)
	str("DETECTOR_ENDPOINT", &c.Detector.Endpoint)
	dur("DETECTOR_TIMEOUT", &c.Detector.Timeout)
	if v, ok := lookup(EnvPrefix + "DETECTOR_CONFIDENCE"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "%sDETECTOR_CONFIDENCE", EnvPrefix)
			}
		} else {
			c.Detector.Confidence = float32(f)
		}
	}

	str("CAPTURE_DEVICE", &c.Capture.Device)
	num("CAPTURE_FPS", &c.Capture.FPS)
	num("STREAM_FPS", &c.Stream.FPS)
	num("STREAM_QUALITY", &c.Stream.Quality)
	str("JOURNAL_DSN", &c.Journal.DSN)
	dur("JOURNAL_RETENTION", &c.Journal.Retention)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	str("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	dur("TELEGRAM_COOLDOWN", &c.Telegram.Cooldown)

	return firstErr
}

// Validate checks the configuration for impossible values
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	switch c.Pipeline.ThrottleMode {
	case strategies.ModeEveryNth, strategies.ModeInterval, strategies.ModeMotion, strategies.ModeDisabled:
	default:
		return errors.Errorf("unknown pipeline.throttle_mode %q", c.Pipeline.ThrottleMode)
	}
	switch c.Detector.Backend {
	case "static":
	case "grpc", "http":
		if c.Detector.Endpoint == "" {
			return errors.Errorf("detector.endpoint is required for the %s backend", c.Detector.Backend)
		}
	default:
		return errors.Errorf("unknown detector.backend %q", c.Detector.Backend)
	}
	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		return errors.Errorf("detector.confidence must be within [0, 1], got %v", c.Detector.Confidence)
	}
	if c.Capture.FPS <= 0 || c.Stream.FPS <= 0 {
		return errors.New("capture.fps and stream.fps must be positive")
	}
	if c.Stream.Quality < 1 || c.Stream.Quality > 100 {
		return errors.Errorf("stream.quality must be within [1, 100], got %d", c.Stream.Quality)
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return errors.New("telegram.bot_token and telegram.chat_id must be set together")
	}
	return errors.Wrap(c.PipelineConfig().Validate(), "pipeline")
}

// PipelineConfig converts to the core pipeline configuration
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Throttle:       c.Pipeline.Throttle,
		AlertThreshold: c.Pipeline.AlertThreshold,
		IdleInterval:   c.Pipeline.IdleInterval,
		DetectTimeout:  c.Detector.Timeout,
		Width:          c.Pipeline.Width,
		Height:         c.Pipeline.Height,
		TargetClass:    c.Pipeline.TargetClass,
		FeaturePolicy:  c.Features.Policy,
	}
}
