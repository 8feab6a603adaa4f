package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/podforge/podforge/internal/engines"
	"github.com/spf13/cobra"
)

var (
	loadEngine bool

	enginesCmd = &cobra.Command{
		Use:   "engines",
		Short: "List synthesis backends",
		Long: paragraph(fmt.Sprintf("\n%s the built-in synthesis backends with the settings from the config file. With --load the configured engine is loaded once to check that it works.",
			keyword("List"))),
		Example: paragraph("podforge engines\npodforge engines --load --backend piper"),
		Args:    cobra.NoArgs,
		RunE:    runEngines,
	}
)

func init() {
	enginesCmd.Flags().BoolVar(&loadEngine, "load", false, "load the configured engine and report its footprint")
}

func runEngines(cmd *cobra.Command, _ []string) error {
	name := lipgloss.NewStyle().Width(8)
	for _, t := range engines.Default.Types() {
		marker := "  "
		if string(t) == cfg.Engine.Backend {
			marker = keyword("* ")
		}

		b, err := engines.New(cfg.ToEngineConfig(string(t)))
		if err != nil {
			fmt.Println(marker + name.Render(string(t)) + failure("unavailable: ") + subtle(err.Error()))
			continue
		}
		fmt.Println(marker + name.Render(string(t)) + describe(b.Info()))
	}

	if !loadEngine {
		return nil
	}

	manager := newManager(cfg)
	defer func() { _ = manager.UnloadAll() }()

	ec := cfg.ToEngineConfig(cfg.Engine.Backend)
	start := time.Now()
	if err := manager.Preload(cmd.Context(), ec); err != nil {
		return fmt.Errorf("unable to load %s: %w", ec.Backend, err)
	}
	fmt.Println()
	fmt.Printf("%s %s in %s\n", success("Loaded"), ec.Key(), time.Since(start).Round(time.Millisecond))

	st := manager.Stats()
	for _, e := range st.Engines {
		fmt.Printf("  %s %s, %s\n", subtle(e.State), e.Key, humanize.Bytes(uint64(e.MemoryCost))) //nolint:gosec
	}
	fmt.Printf("  %d of %d slots, %s resident\n", len(st.Engines), st.MaxEngines, humanize.Bytes(uint64(st.MemoryBytes))) //nolint:gosec
	return nil
}

func describe(info engines.Info) string {
	var parts []string
	if info.Name != "" {
		parts = append(parts, info.Name)
	}
	if info.SampleRate > 0 {
		parts = append(parts, fmt.Sprintf("%d Hz", info.SampleRate))
	}
	if info.Online {
		parts = append(parts, "online")
	} else {
		parts = append(parts, "local")
	}
	if len(info.Languages) > 0 {
		langs := info.Languages
		if len(langs) > 4 {
			langs = append(langs[:4:4], "…")
		}
		parts = append(parts, strings.Join(langs, " "))
	}
	if info.SupportsCloning {
		parts = append(parts, "cloning")
	}
	return strings.Join(parts, subtle(" · "))
}
