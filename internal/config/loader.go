package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadFromViper builds a Config from defaults, the keys set in v (config
// file, bound flags, PODFORGE_* variables), then validates it.
func LoadFromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	if v.IsSet("engine.backend") {
		cfg.Engine.Backend = v.GetString("engine.backend")
	}
	if v.IsSet("engine.model") {
		cfg.Engine.Model = v.GetString("engine.model")
	}
	if v.IsSet("engine.voice") {
		cfg.Engine.Voice = v.GetString("engine.voice")
	}
	if v.IsSet("engine.device") {
		cfg.Engine.Device = v.GetString("engine.device")
	}
	if v.IsSet("engine.options") {
		cfg.Engine.Options = v.GetStringMapString("engine.options")
	}
	if v.IsSet("engine.fallback") {
		cfg.Engine.Fallback = v.GetString("engine.fallback")
	}

	if v.IsSet("engines.max_loaded") {
		cfg.Engines.MaxLoaded = v.GetInt("engines.max_loaded")
	}
	if v.IsSet("engines.checkout_timeout") {
		cfg.Engines.CheckoutTimeout = v.GetDuration("engines.checkout_timeout")
	}

	if v.IsSet("workers") {
		cfg.Workers = v.GetInt("workers")
	}
	if v.IsSet("retry.max_attempts") {
		cfg.Retry.MaxAttempts = v.GetInt("retry.max_attempts")
	}
	if v.IsSet("retry.backoff") {
		cfg.Retry.Backoff = v.GetDuration("retry.backoff")
	}
	if v.IsSet("retry.max_backoff") {
		cfg.Retry.MaxBackoff = v.GetDuration("retry.max_backoff")
	}
	if v.IsSet("abort_on_failure") {
		cfg.AbortOnFailure = v.GetBool("abort_on_failure")
	}
	if v.IsSet("gap") {
		cfg.Gap = v.GetDuration("gap")
	}
	if v.IsSet("failed_estimate") {
		cfg.FailedEstimate = v.GetDuration("failed_estimate")
	}
	if v.IsSet("synthesis_timeout") {
		cfg.SynthesisTimeout = v.GetDuration("synthesis_timeout")
	}
	if v.IsSet("sample_rate") {
		cfg.SampleRate = v.GetInt("sample_rate")
	}
	if v.IsSet("voices") {
		cfg.Voices = v.GetStringMapString("voices")
	}
	if v.IsSet("script.default_pause") {
		cfg.Script.DefaultPause = v.GetDuration("script.default_pause")
	}

	loadCacheConfig(v, &cfg.Cache)
	if v.IsSet("events.nats_subject") {
		cfg.Events.NATSSubject = v.GetString("events.nats_subject")
	}
	loadBackendConfigs(v, &cfg)

	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.file") {
		cfg.Log.File = v.GetString("log.file")
	}
	if v.IsSet("log.max_size_mb") {
		cfg.Log.MaxSizeMB = v.GetInt("log.max_size_mb")
	}
	if v.IsSet("log.max_backups") {
		cfg.Log.MaxBackups = v.GetInt("log.max_backups")
	}
	if v.IsSet("log.max_age_days") {
		cfg.Log.MaxAgeDays = v.GetInt("log.max_age_days")
	}

	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadCacheConfig(v *viper.Viper, c *CacheConfig) {
	if v.IsSet("cache.dir") {
		c.Dir = v.GetString("cache.dir")
	}
	if v.IsSet("cache.compression_level") {
		c.CompressionLevel = v.GetInt("cache.compression_level")
	}
	if v.IsSet("cache.memory") {
		c.MemoryMB = v.GetInt64("cache.memory")
	}
	if v.IsSet("cache.nats_url") {
		c.NATSURL = v.GetString("cache.nats_url")
	}
	if v.IsSet("cache.nats_bucket") {
		c.NATSBucket = v.GetString("cache.nats_bucket")
	}
}

func loadBackendConfigs(v *viper.Viper, cfg *Config) {
	if v.IsSet("piper.binary") {
		cfg.Piper.Binary = v.GetString("piper.binary")
	}
	if v.IsSet("piper.config_path") {
		cfg.Piper.ConfigPath = v.GetString("piper.config_path")
	}
	if v.IsSet("piper.noise_scale") {
		cfg.Piper.NoiseScale = v.GetFloat64("piper.noise_scale")
	}
	if v.IsSet("piper.noise_w") {
		cfg.Piper.NoiseW = v.GetFloat64("piper.noise_w")
	}
	if v.IsSet("piper.timeout") {
		cfg.Piper.Timeout = v.GetDuration("piper.timeout")
	}

	if v.IsSet("gtts.binary") {
		cfg.GTTS.Binary = v.GetString("gtts.binary")
	}
	if v.IsSet("gtts.slow") {
		cfg.GTTS.Slow = v.GetBool("gtts.slow")
	}
	if v.IsSet("gtts.requests_per_minute") {
		cfg.GTTS.RequestsPerMinute = v.GetInt("gtts.requests_per_minute")
	}
	if v.IsSet("gtts.timeout") {
		cfg.GTTS.Timeout = v.GetDuration("gtts.timeout")
	}

	if v.IsSet("edge.requests_per_minute") {
		cfg.Edge.RequestsPerMinute = v.GetInt("edge.requests_per_minute")
	}

	if v.IsSet("google.language_code") {
		cfg.Google.LanguageCode = v.GetString("google.language_code")
	}
	if v.IsSet("google.sample_rate") {
		cfg.Google.SampleRate = v.GetInt("google.sample_rate")
	}
	if v.IsSet("google.pitch") {
		cfg.Google.Pitch = v.GetFloat64("google.pitch")
	}
}

// SetDefaults registers the default values with v so they show up in
// generated config files and flag help.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("engine.backend", d.Engine.Backend)
	v.SetDefault("engines.max_loaded", d.Engines.MaxLoaded)
	v.SetDefault("engines.checkout_timeout", d.Engines.CheckoutTimeout.String())

	v.SetDefault("workers", d.Workers)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.backoff", d.Retry.Backoff.String())
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff.String())
	v.SetDefault("abort_on_failure", d.AbortOnFailure)
	v.SetDefault("gap", d.Gap.String())
	v.SetDefault("synthesis_timeout", d.SynthesisTimeout.String())

	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.compression_level", d.Cache.CompressionLevel)
	v.SetDefault("cache.memory", d.Cache.MemoryMB)
	v.SetDefault("cache.nats_bucket", d.Cache.NATSBucket)
	v.SetDefault("events.nats_subject", d.Events.NATSSubject)

	v.SetDefault("piper.binary", d.Piper.Binary)
	v.SetDefault("piper.timeout", d.Piper.Timeout.String())
	v.SetDefault("gtts.binary", d.GTTS.Binary)
	v.SetDefault("gtts.requests_per_minute", d.GTTS.RequestsPerMinute)
	v.SetDefault("gtts.timeout", d.GTTS.Timeout.String())
	v.SetDefault("edge.requests_per_minute", d.Edge.RequestsPerMinute)
	v.SetDefault("google.sample_rate", d.Google.SampleRate)

	v.SetDefault("log.level", d.Log.Level)
}
