// Package config defines podforge's configuration: defaults, loading from
// viper and PODFORGE_* environment variables, validation, and conversion
// into engine and orchestrator options.
package config
