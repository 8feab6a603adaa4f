package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# Synthesis backend
engine:
  # piper, gtts, edge, google or mock
  backend: "piper"
  # model file for piper (e.g. ~/voices/en_US-lessac-medium.onnx)
  model: ""
  # default voice for speakers without a mapping
  voice: ""
  # backend tried when the main one cannot be loaded
  # fallback: "gtts"

# Map speakers to voices
# voices:
#   host: "en_US-amy"
#   guest: "en_GB-alan"

engines:
  # engines kept loaded at once
  max_loaded: 2
  # how long to wait for a free engine slot
  checkout_timeout: "30s"

# concurrent synthesis tasks
workers: 2
retry:
  max_attempts: 3
  backoff: "200ms"
  max_backoff: "2s"
# stop the whole run at the first utterance that fails for good
abort_on_failure: false
# silence between utterances
gap: "300ms"
# silence for a failed utterance (0 estimates from the word count)
failed_estimate: "0s"
# longest a single backend call may run, even after the render is cancelled
synthesis_timeout: "5m"
# output sample rate (0 uses the backend's rate)
sample_rate: 0

script:
  # pause after utterances that do not set pause_after
  default_pause: "0s"

cache:
  # dir: "~/.cache/podforge/audio"
  # zstd level: 0 (off) to 4
  compression_level: 3
  # in-memory cache size in MB (0 disables it)
  memory: 64
  # share cached audio through a NATS JetStream object store
  # nats_url: "nats://localhost:4222"
  nats_bucket: "podforge-audio"

events:
  nats_subject: "podforge.events"

piper:
  binary: "piper"
  timeout: "30s"
gtts:
  binary: "gtts-cli"
  slow: false
  requests_per_minute: 50
edge:
  requests_per_minute: 120
google:
  # language_code: "en-US"
  sample_rate: 24000

log:
  level: "info"
  # file: "~/.cache/podforge/podforge.log"
  max_size_mb: 16
  max_backups: 3
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the podforge config file",
	Long:    paragraph(fmt.Sprintf("\n%s the podforge config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("podforge config\npodforge config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	// The file must stay editable even when its contents are invalid.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Podforge", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
