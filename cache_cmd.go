package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/podforge/podforge/internal/cache"
	"github.com/spf13/cobra"
)

var (
	olderThan time.Duration

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage cached audio",
		Long:  paragraph(fmt.Sprintf("\n%s synthesized audio is keyed by backend, voice, text and parameters. Use these commands to inspect or trim it.", keyword("Cached"))),
		Args:  cobra.NoArgs,
	}

	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache size and location",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			st, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			row := lipgloss.NewStyle().PaddingLeft(2)
			printStats := func(name string, s cache.Stats) {
				fmt.Println(row.Render(fmt.Sprintf("%-7s %s entries, %s",
					keyword(name), humanize.Comma(s.Entries), humanize.Bytes(uint64(s.Bytes))))) //nolint:gosec
			}

			fmt.Println(subtle("directory: ") + st.disk.Dir())
			printStats("disk", st.disk.Stats())
			if st.remote != nil {
				printStats("shared", st.remote.Stats())
			}
			if st.memory != nil {
				fmt.Println(row.Render(fmt.Sprintf("%-7s up to %s", keyword("memory"),
					humanize.Bytes(uint64(cfg.Cache.MemoryMB)<<20)))) //nolint:gosec
			}
			return nil
		},
	}

	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached clip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			before := st.disk.Stats()
			if err := st.store.Clear(cmd.Context()); err != nil {
				return err //nolint:wrapcheck
			}
			fmt.Fprintf(os.Stderr, "%s %s entries (%s)\n", success("Removed"),
				humanize.Comma(before.Entries), humanize.Bytes(uint64(before.Bytes))) //nolint:gosec
			return nil
		},
	}

	cacheInvalidateCmd = &cobra.Command{
		Use:     "invalidate KEY...",
		Short:   "Remove specific cache entries",
		Example: paragraph("podforge cache invalidate 3f1c9a...\npodforge cache invalidate $(jq -r '.entries[] | select(.speaker==\"guest\") | .cache_key' episode.manifest.json)"),
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]cache.Key, 0, len(args))
			for _, a := range args {
				k := cache.Key(a)
				if !k.Valid() {
					return fmt.Errorf("%w: %q", cache.ErrInvalidKey, a)
				}
				keys = append(keys, k)
			}

			st, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, k := range keys {
				if err := st.store.Invalidate(cmd.Context(), k); err != nil {
					return err //nolint:wrapcheck
				}
			}
			fmt.Fprintf(os.Stderr, "%s %d %s\n", success("Invalidated"), len(keys), plural(len(keys), "entry", "entries"))
			return nil
		},
	}

	cachePruneCmd = &cobra.Command{
		Use:     "prune",
		Short:   "Remove disk entries older than a given age",
		Example: paragraph("podforge cache prune --older-than 720h"),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			st, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			cutoff := time.Now().Add(-olderThan)
			n, err := st.disk.Prune(cmd.Context(), cutoff)
			if err != nil {
				return err //nolint:wrapcheck
			}
			fmt.Fprintf(os.Stderr, "%s %d %s written before %s\n", success("Pruned"),
				n, plural(n, "entry", "entries"), humanize.Time(cutoff))
			return nil
		},
	}
)

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	cachePruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of entries to remove")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheInvalidateCmd, cachePruneCmd)
}
