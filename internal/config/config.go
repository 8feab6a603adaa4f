package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/podforge/podforge/internal/engines"
	"github.com/podforge/podforge/internal/logging"
	"github.com/podforge/podforge/internal/orchestrator"
	"github.com/podforge/podforge/internal/script"
)

// Config contains every podforge option.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Engines EnginesConfig `yaml:"engines"`

	Workers        int           `yaml:"workers" env:"PODFORGE_WORKERS"`
	Retry          RetryConfig   `yaml:"retry"`
	AbortOnFailure bool          `yaml:"abort_on_failure" env:"PODFORGE_ABORT_ON_FAILURE"`
	Gap            time.Duration `yaml:"gap" env:"PODFORGE_GAP"`
	FailedEstimate time.Duration `yaml:"failed_estimate" env:"PODFORGE_FAILED_ESTIMATE"`
	SampleRate     int           `yaml:"sample_rate" env:"PODFORGE_SAMPLE_RATE"`

	// SynthesisTimeout bounds one backend call, including calls left
	// running by a cancelled render.
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout" env:"PODFORGE_SYNTHESIS_TIMEOUT"`

	// Voices maps speaker names to voices.
	Voices map[string]string `yaml:"voices"`

	Script ScriptConfig `yaml:"script"`
	Cache  CacheConfig  `yaml:"cache"`
	Events EventsConfig `yaml:"events"`

	Piper  PiperConfig  `yaml:"piper"`
	GTTS   GTTSConfig   `yaml:"gtts"`
	Edge   EdgeConfig   `yaml:"edge"`
	Google GoogleConfig `yaml:"google"`

	Log logging.Options `yaml:"log"`
}

// EngineConfig selects the synthesis backend.
type EngineConfig struct {
	Backend string            `yaml:"backend" env:"PODFORGE_ENGINE_BACKEND"`
	Model   string            `yaml:"model" env:"PODFORGE_ENGINE_MODEL"`
	Voice   string            `yaml:"voice" env:"PODFORGE_ENGINE_VOICE"`
	Device  string            `yaml:"device" env:"PODFORGE_ENGINE_DEVICE"`
	Options map[string]string `yaml:"options"`
	// Fallback is the backend tried when Backend cannot be loaded.
	Fallback string `yaml:"fallback" env:"PODFORGE_ENGINE_FALLBACK"`
}

// EnginesConfig bounds the engine registry.
type EnginesConfig struct {
	MaxLoaded       int           `yaml:"max_loaded" env:"PODFORGE_ENGINES_MAX_LOADED"`
	CheckoutTimeout time.Duration `yaml:"checkout_timeout" env:"PODFORGE_ENGINES_CHECKOUT_TIMEOUT"`
}

// RetryConfig controls retries of failed utterances.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"PODFORGE_RETRY_MAX_ATTEMPTS"`
	Backoff     time.Duration `yaml:"backoff" env:"PODFORGE_RETRY_BACKOFF"`
	MaxBackoff  time.Duration `yaml:"max_backoff" env:"PODFORGE_RETRY_MAX_BACKOFF"`
}

// ScriptConfig controls script loading.
type ScriptConfig struct {
	DefaultPause time.Duration `yaml:"default_pause" env:"PODFORGE_SCRIPT_DEFAULT_PAUSE"`
}

// CacheConfig configures the audio cache layers.
type CacheConfig struct {
	Dir              string `yaml:"dir" env:"PODFORGE_CACHE_DIR"`
	CompressionLevel int    `yaml:"compression_level" env:"PODFORGE_CACHE_COMPRESSION_LEVEL"`
	// MemoryMB sizes the in-process LRU in front of the disk cache; 0
	// disables it.
	MemoryMB   int64  `yaml:"memory" env:"PODFORGE_CACHE_MEMORY"`
	NATSURL    string `yaml:"nats_url" env:"PODFORGE_CACHE_NATS_URL"`
	NATSBucket string `yaml:"nats_bucket" env:"PODFORGE_CACHE_NATS_BUCKET"`
}

// EventsConfig configures event fan-out.
type EventsConfig struct {
	// NATSSubject is the subject prefix for progress events. Events are
	// only published when cache.nats_url is set.
	NATSSubject string `yaml:"nats_subject" env:"PODFORGE_EVENTS_NATS_SUBJECT"`
}

// PiperConfig contains Piper engine settings.
type PiperConfig struct {
	Binary     string        `yaml:"binary" env:"PODFORGE_PIPER_BINARY"`
	ConfigPath string        `yaml:"config_path" env:"PODFORGE_PIPER_CONFIG_PATH"`
	NoiseScale float64       `yaml:"noise_scale" env:"PODFORGE_PIPER_NOISE_SCALE"`
	NoiseW     float64       `yaml:"noise_w" env:"PODFORGE_PIPER_NOISE_W"`
	Timeout    time.Duration `yaml:"timeout" env:"PODFORGE_PIPER_TIMEOUT"`
}

// GTTSConfig contains gTTS engine settings.
type GTTSConfig struct {
	Binary            string        `yaml:"binary" env:"PODFORGE_GTTS_BINARY"`
	Slow              bool          `yaml:"slow" env:"PODFORGE_GTTS_SLOW"`
	RequestsPerMinute int           `yaml:"requests_per_minute" env:"PODFORGE_GTTS_REQUESTS_PER_MINUTE"`
	Timeout           time.Duration `yaml:"timeout" env:"PODFORGE_GTTS_TIMEOUT"`
}

// EdgeConfig contains Edge engine settings.
type EdgeConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" env:"PODFORGE_EDGE_REQUESTS_PER_MINUTE"`
}

// GoogleConfig contains Google Cloud TTS settings.
type GoogleConfig struct {
	LanguageCode string  `yaml:"language_code" env:"PODFORGE_GOOGLE_LANGUAGE_CODE"`
	SampleRate   int     `yaml:"sample_rate" env:"PODFORGE_GOOGLE_SAMPLE_RATE"`
	Pitch        float64 `yaml:"pitch" env:"PODFORGE_GOOGLE_PITCH"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			Backend: string(engines.BackendPiper),
		},
		Engines: EnginesConfig{
			MaxLoaded:       2,
			CheckoutTimeout: 30 * time.Second,
		},

		Workers: 2,
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     200 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
		},
		Gap:              300 * time.Millisecond,
		SynthesisTimeout: 5 * time.Minute,

		Cache: CacheConfig{
			Dir:              DefaultCacheDir(),
			CompressionLevel: 3,
			MemoryMB:         64,
			NATSBucket:       "podforge-audio",
		},
		Events: EventsConfig{
			NATSSubject: "podforge.events",
		},

		Piper: PiperConfig{
			Binary:  "piper",
			Timeout: 30 * time.Second,
		},
		GTTS: GTTSConfig{
			Binary:            "gtts-cli",
			RequestsPerMinute: 50,
			Timeout:           30 * time.Second,
		},
		Edge: EdgeConfig{
			RequestsPerMinute: 120,
		},
		Google: GoogleConfig{
			SampleRate: 24000,
		},

		Log: logging.DefaultOptions(),
	}
}

// DefaultCacheDir is the per-user cache directory for synthesized audio.
func DefaultCacheDir() string {
	dir, err := gap.NewScope(gap.User, "podforge").CacheDir()
	if err != nil || dir == "" {
		return filepath.Join(".", ".podforge-cache")
	}
	return filepath.Join(dir, "audio")
}

// ApplyEnv overrides fields whose PODFORGE_* variable is set.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	return nil
}

// Validate checks the configuration and normalizes names and paths.
func (c *Config) Validate() error {
	c.Engine.Backend = strings.ToLower(strings.TrimSpace(c.Engine.Backend))
	c.Engine.Fallback = strings.ToLower(strings.TrimSpace(c.Engine.Fallback))

	known := engines.Default.Types()
	if !slices.Contains(known, engines.BackendType(c.Engine.Backend)) {
		return fmt.Errorf("invalid engine backend '%s': must be one of %v", c.Engine.Backend, known)
	}
	if c.Engine.Fallback != "" {
		if !slices.Contains(known, engines.BackendType(c.Engine.Fallback)) {
			return fmt.Errorf("invalid fallback backend '%s': must be one of %v", c.Engine.Fallback, known)
		}
		if c.Engine.Fallback == c.Engine.Backend {
			return fmt.Errorf("fallback backend must differ from '%s'", c.Engine.Backend)
		}
	}

	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("workers must be between 1 and 64, got %d", c.Workers)
	}
	if c.Engines.MaxLoaded < 1 || c.Engines.MaxLoaded > 16 {
		return fmt.Errorf("engines.max_loaded must be between 1 and 16, got %d", c.Engines.MaxLoaded)
	}
	if c.Engines.CheckoutTimeout < time.Second {
		return fmt.Errorf("engines.checkout_timeout must be at least 1 second, got %v", c.Engines.CheckoutTimeout)
	}

	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts must be between 1 and 10, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < c.Retry.Backoff {
		return fmt.Errorf("retry backoff %v must be non-negative and at most max_backoff %v", c.Retry.Backoff, c.Retry.MaxBackoff)
	}

	if c.SynthesisTimeout < time.Second {
		return fmt.Errorf("synthesis_timeout must be at least 1 second, got %v", c.SynthesisTimeout)
	}
	if c.Gap < 0 || c.FailedEstimate < 0 || c.Script.DefaultPause < 0 {
		return fmt.Errorf("gap, failed_estimate and script.default_pause must not be negative")
	}

	validSampleRates := []int{0, 8000, 16000, 22050, 24000, 44100, 48000}
	if !slices.Contains(validSampleRates, c.SampleRate) {
		return fmt.Errorf("invalid sample rate %d: must be one of %v", c.SampleRate, validSampleRates)
	}

	if c.Cache.CompressionLevel < 0 || c.Cache.CompressionLevel > 4 {
		return fmt.Errorf("cache.compression_level must be between 0 and 4, got %d", c.Cache.CompressionLevel)
	}
	if c.Cache.MemoryMB < 0 {
		return fmt.Errorf("cache.memory must not be negative, got %d", c.Cache.MemoryMB)
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir cannot be empty")
	}
	dir, err := homedir.Expand(c.Cache.Dir)
	if err != nil {
		return fmt.Errorf("cache.dir: %w", err)
	}
	c.Cache.Dir = dir

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	switch engines.BackendType(c.Engine.Backend) {
	case engines.BackendPiper:
		if err := c.Piper.Validate(); err != nil {
			return fmt.Errorf("piper config: %w", err)
		}
	case engines.BackendGTTS:
		if c.GTTS.RequestsPerMinute < 1 {
			return fmt.Errorf("gtts config: requests_per_minute must be positive")
		}
	case engines.BackendEdge:
		if c.Edge.RequestsPerMinute < 1 {
			return fmt.Errorf("edge config: requests_per_minute must be positive")
		}
	}
	return nil
}

// Validate checks the Piper configuration.
func (c *PiperConfig) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("piper binary path cannot be empty")
	}
	if c.NoiseScale < 0 || c.NoiseScale > 2.0 {
		return fmt.Errorf("noise_scale must be between 0.0 and 2.0, got %f", c.NoiseScale)
	}
	if c.NoiseW < 0 || c.NoiseW > 2.0 {
		return fmt.Errorf("noise_w must be between 0.0 and 2.0, got %f", c.NoiseW)
	}
	if c.Timeout < time.Second {
		return fmt.Errorf("timeout must be at least 1 second, got %v", c.Timeout)
	}
	return nil
}

// ToEngineConfig converts the settings for backend into an engines.Config.
// Backend-specific sections become options; explicit engine.options win.
func (c *Config) ToEngineConfig(backend string) engines.Config {
	opts := map[string]string{}
	switch engines.BackendType(backend) {
	case engines.BackendPiper:
		opts["binary"] = c.Piper.Binary
		if c.Piper.ConfigPath != "" {
			opts["config"] = c.Piper.ConfigPath
		}
		if c.Piper.NoiseScale > 0 {
			opts["noise_scale"] = strconv.FormatFloat(c.Piper.NoiseScale, 'f', -1, 64)
		}
		if c.Piper.NoiseW > 0 {
			opts["noise_w"] = strconv.FormatFloat(c.Piper.NoiseW, 'f', -1, 64)
		}
		opts["timeout"] = c.Piper.Timeout.String()
	case engines.BackendGTTS:
		opts["binary"] = c.GTTS.Binary
		opts["slow"] = strconv.FormatBool(c.GTTS.Slow)
		opts["requests_per_minute"] = strconv.Itoa(c.GTTS.RequestsPerMinute)
		opts["timeout"] = c.GTTS.Timeout.String()
	case engines.BackendEdge:
		opts["requests_per_minute"] = strconv.Itoa(c.Edge.RequestsPerMinute)
	case engines.BackendGoogle:
		if c.Google.LanguageCode != "" {
			opts["language_code"] = c.Google.LanguageCode
		}
		opts["sample_rate"] = strconv.Itoa(c.Google.SampleRate)
		opts["pitch"] = strconv.FormatFloat(c.Google.Pitch, 'f', -1, 64)
	}

	cfg := engines.Config{Backend: engines.BackendType(backend)}
	if backend == c.Engine.Backend {
		cfg.Model = c.Engine.Model
		cfg.Voice = c.Engine.Voice
		cfg.Device = c.Engine.Device
		for k, v := range c.Engine.Options {
			opts[k] = v
		}
	}
	cfg.Options = opts
	return cfg
}

// ToOrchestratorOptions converts the settings into run options.
func (c *Config) ToOrchestratorOptions() orchestrator.Options {
	opts := orchestrator.Options{
		MaxWorkers: c.Workers,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			Backoff:     c.Retry.Backoff,
			MaxBackoff:  c.Retry.MaxBackoff,
		},
		AbortOnFailure:   c.AbortOnFailure,
		Gap:              c.Gap,
		FailedEstimate:   c.FailedEstimate,
		SynthesisTimeout: c.SynthesisTimeout,
		SampleRate:       c.SampleRate,
		Engine:           c.ToEngineConfig(c.Engine.Backend),
		VoiceMap:         c.Voices,
	}
	if c.Engine.Fallback != "" {
		opts.Fallback = c.ToEngineConfig(c.Engine.Fallback)
	}
	return opts
}

// ToScriptOptions converts the settings into script loading options.
func (c *Config) ToScriptOptions() script.Options {
	return script.Options{DefaultPause: c.Script.DefaultPause}
}
