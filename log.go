package main

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/podforge/podforge/internal/logging"
)

func defaultLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "podforge").CacheDir()
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	return filepath.Join(dir, "podforge.log"), nil
}

// setupLog installs the default logger. With --debug and no log.file, a
// rotating file in the user cache directory is used as well.
func setupLog(opts logging.Options, debug bool) (func() error, error) {
	if debug {
		opts.Level = "debug"
		if opts.File == "" {
			if path, err := defaultLogFilePath(); err == nil {
				opts.File = path
			}
		}
	}
	closer, err := logging.Setup(os.Stderr, opts)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if opts.File != "" {
		log.Debug("Writing log file", "path", opts.File)
	}
	return closer, nil
}
