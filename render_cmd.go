package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/config"
	"github.com/podforge/podforge/internal/orchestrator"
	"github.com/podforge/podforge/internal/playback"
	"github.com/podforge/podforge/internal/script"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	outputPath string
	preload    bool
	play       bool
	watch      bool

	renderCmd = &cobra.Command{
		Use:   "render SCRIPT",
		Short: "Render a script to a WAV file",
		Long: paragraph(fmt.Sprintf("\n%s a YAML or JSON script into one WAV file plus a manifest with the offset and status of every utterance. Lines already in the cache are not synthesized again.",
			keyword("Render"))),
		Example: paragraph("podforge render episode.yaml\npodforge render episode.yaml -o out/ep1.wav --backend edge --workers 4\npodforge render episode.yaml --watch"),
		Args:    cobra.ExactArgs(1),
		RunE:    runRender,
	}
)

func init() {
	f := renderCmd.Flags()
	f.StringVarP(&outputPath, "output", "o", "", "output WAV file (default: script name with .wav)")
	f.String("backend", "", "synthesis backend (piper, gtts, edge, google, mock)")
	f.String("voice", "", "default voice")
	f.String("model", "", "model file or name for the backend")
	f.Int("workers", 0, "concurrent synthesis tasks")
	f.Int("max-engines", 0, "engines kept loaded at once")
	f.Int("retries", 0, "attempts per utterance, including the first")
	f.Bool("abort-on-failure", false, "stop at the first utterance that fails for good")
	f.Duration("gap", 0, "silence between utterances")
	f.BoolVar(&preload, "preload", false, "load the engine before scheduling")
	f.BoolVar(&play, "play", false, "play the result when done")
	f.BoolVar(&watch, "watch", false, "render again whenever the script changes")

	_ = viper.BindPFlag("engine.backend", f.Lookup("backend"))
	_ = viper.BindPFlag("engine.voice", f.Lookup("voice"))
	_ = viper.BindPFlag("engine.model", f.Lookup("model"))
	_ = viper.BindPFlag("workers", f.Lookup("workers"))
	_ = viper.BindPFlag("engines.max_loaded", f.Lookup("max-engines"))
	_ = viper.BindPFlag("retry.max_attempts", f.Lookup("retries"))
	_ = viper.BindPFlag("abort_on_failure", f.Lookup("abort-on-failure"))
	_ = viper.BindPFlag("gap", f.Lookup("gap"))
}

// defaultOutput is the script path with a .wav extension.
func defaultOutput(scriptPath string) string {
	return strings.TrimSuffix(scriptPath, filepath.Ext(scriptPath)) + ".wav"
}

func runRender(cmd *cobra.Command, args []string) error {
	scriptPath := args[0]
	out := outputPath
	if out == "" {
		out = defaultOutput(scriptPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := newBus(cfg, st.nc)
	defer bus.Close()

	manager := newManager(cfg)
	defer func() {
		if err := manager.UnloadAll(); err != nil {
			log.Warn("Unloading engines failed", "err", err)
		}
	}()

	r := &renderer{
		cfg: cfg,
		deps: orchestrator.Deps{
			Engines: manager,
			Cache:   st.store,
			Events:  bus,
			Logger:  log.Default(),
		},
	}

	if preload {
		opts := cfg.ToOrchestratorOptions()
		if err := manager.Preload(ctx, opts.Engine); err != nil {
			return fmt.Errorf("unable to preload engine: %w", err)
		}
	}

	if !watch {
		return r.render(ctx, scriptPath, out)
	}
	return r.watch(ctx, scriptPath, out)
}

type renderer struct {
	cfg  config.Config
	deps orchestrator.Deps
}

// render runs one script to completion and writes the WAV and manifest.
func (r *renderer) render(ctx context.Context, scriptPath, out string) error {
	s, err := script.Load(scriptPath, r.cfg.ToScriptOptions())
	if err != nil {
		return err //nolint:wrapcheck
	}

	opts := r.cfg.ToOrchestratorOptions()
	opts.Output = out
	o := orchestrator.New(r.deps, opts)

	start := time.Now()
	res, runErr := o.Run(ctx, s)
	if res == nil {
		return runErr //nolint:wrapcheck
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("unable to create output directory: %w", err)
	}
	manifestPath := orchestrator.ManifestPath(out)
	if err := res.Manifest.WriteFile(manifestPath); err != nil {
		return err //nolint:wrapcheck
	}
	if runErr != nil {
		return fmt.Errorf("render aborted (manifest: %s): %w", manifestPath, runErr)
	}

	if err := audio.SaveWAV(out, res.Audio); err != nil {
		return err //nolint:wrapcheck
	}

	size := int64(len(res.Audio.Data))
	fmt.Fprintf(os.Stderr, "%s %s (%s, %s) in %s\n",
		success("Wrote"), out, res.Audio.Duration().Round(time.Millisecond), humanize.Bytes(uint64(size)), //nolint:gosec
		time.Since(start).Round(time.Millisecond))

	if play {
		if err := r.preview(ctx, out, res.Audio); err != nil {
			log.Warn("Preview failed", "err", err)
		}
	}

	if res.State == orchestrator.StatePartiallyFailed {
		return fmt.Errorf("%d of %d utterances failed and were replaced by silence",
			res.Manifest.Failed, len(res.Manifest.Entries))
	}
	return nil
}

func (r *renderer) preview(ctx context.Context, out string, clip audio.Clip) error {
	p, err := playback.NewOtoPlayer(clip.SampleRate)
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer func() { _ = p.Close() }()
	return playback.PreviewFile(ctx, p, out) //nolint:wrapcheck
}

// watch renders now and after every change to the script until ctx is
// done. Unchanged lines come from the cache, so re-renders are cheap.
func (r *renderer) watch(ctx context.Context, scriptPath, out string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to watch script: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Editors often replace files instead of writing them, so watch the
	// directory and filter by name.
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		return fmt.Errorf("unable to resolve script path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("unable to watch script: %w", err)
	}

	r.renderLogged(ctx, scriptPath, out)
	log.Info("Watching for changes", "script", scriptPath)

	const debounce = 250 * time.Millisecond
	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			timer = time.After(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Watcher error", "err", err)
		case <-timer:
			timer = nil
			r.renderLogged(ctx, scriptPath, out)
		}
	}
}

func (r *renderer) renderLogged(ctx context.Context, scriptPath, out string) {
	if err := r.render(ctx, scriptPath, out); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error("Render failed", "err", err)
	}
}
