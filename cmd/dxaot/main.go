// dxaot inspects and maintains the DXAO compiled-code cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/dxjit/aot"
	"github.com/chazu/dxjit/jit"
	"github.com/chazu/dxjit/manifest"
)

var (
	cacheDir  string
	configDir string
	verbosity int
	logFile   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:           "dxaot",
		Short:         "Inspect and maintain the DXAO compiled-code cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Cache directory (overrides dxjit.toml)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", ".", "Directory to search upward from for dxjit.toml")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(
		hashCmd(),
		lsCmd(),
		statCmd(),
		getCmd(),
		invalidateCmd(),
		clearCmd(),
		seedsCmd(),
		watchCmd(),
	)
	return rootCmd
}

// loadManifest finds dxjit.toml and applies command-line overrides.
func loadManifest() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(configDir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	if verbosity > 0 {
		m.Log.Verbosity = verbosity
	}
	if cacheDir != "" {
		m.AOT.CacheDir = cacheDir
	}
	m.ConfigureLogging(logFile)
	return m, nil
}

func openCache() (*aot.Cache, error) {
	m, err := loadManifest()
	if err != nil {
		return nil, err
	}
	return m.OpenCache()
}

// resolveHash accepts either a 64-character hex hash or, with fromSource,
// a path whose contents are hashed.
func resolveHash(arg string, fromSource bool) ([aot.HashSize]byte, error) {
	if !fromSource {
		return aot.ParseHash(arg)
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return [aot.HashSize]byte{}, err
	}
	return aot.HashSource(string(data)), nil
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print the source hash of each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				h, err := resolveHash(path, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", aot.HashHex(h), path)
			}
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			entries, err := c.Entries()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				hexHash := aot.HashHex(e.Hash)
				if !long {
					hexHash = hexHash[:12]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", hexHash, e.Function,
					units.HumanSize(float64(e.Size)), e.ModTime.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show full hashes")
	return cmd
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Summarize cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			entries, err := c.Entries()
			if err != nil {
				return err
			}
			var total int64
			sources := make(map[[aot.HashSize]byte]int)
			for _, e := range entries {
				total += e.Size
				sources[e.Hash]++
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cache:     %s\n", c.Root())
			fmt.Fprintf(out, "Entries:   %d\n", len(entries))
			fmt.Fprintf(out, "Sources:   %d\n", len(sources))
			fmt.Fprintf(out, "Size:      %s\n", units.HumanSize(float64(total)))
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	var fromSource bool
	cmd := &cobra.Command{
		Use:   "get <hash> <function>",
		Short: "Validate an entry and describe its contents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := resolveHash(args[0], fromSource)
			if err != nil {
				return err
			}
			c, err := openCache()
			if err != nil {
				return err
			}
			cc, ok := c.Get(hash, args[1])
			if !ok {
				return fmt.Errorf("%s: %w", c.Path(hash, args[1]), aot.ErrNotCached)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Path:        %s\n", c.Path(hash, args[1]))
			fmt.Fprintf(out, "Source hash: %s\n", aot.HashHex(cc.SourceHash))
			fmt.Fprintf(out, "Code:        %s\n", units.BytesSize(float64(len(cc.Code))))
			fmt.Fprintf(out, "Relocations: %d\n", len(cc.Relocations))
			for _, r := range cc.Relocations {
				fmt.Fprintf(out, "  %#06x  %-14s %+d\n", r.Offset, r.Kind, r.Addend)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromSource, "source", false, "Treat the first argument as a source file and hash it")
	return cmd
}

func invalidateCmd() *cobra.Command {
	var fromSource bool
	cmd := &cobra.Command{
		Use:   "invalidate <hash>...",
		Short: "Remove every entry compiled from the given sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			for _, arg := range args {
				hash, err := resolveHash(arg, fromSource)
				if err != nil {
					return err
				}
				n, err := c.Invalidate(hash)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: removed %d\n", arg, n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromSource, "source", false, "Treat arguments as source files and hash them")
	return cmd
}

func clearCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the whole cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			if !force {
				return fmt.Errorf("refusing to clear %s without --force", c.Root())
			}
			if err := c.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", c.Root())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Actually delete")
	return cmd
}

func seedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seeds [file]",
		Short: "Show a profile seed file (default: [jit] profile-seeds)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest()
			if err != nil {
				return err
			}
			path := m.SeedsPath()
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no seed file given and none configured")
			}
			if _, err := os.Stat(path); err != nil {
				return err
			}
			p := jit.NewProfiler()
			if err := p.LoadSeedsFile(path); err != nil {
				return err
			}
			seeds := p.Seeds()
			names := make([]string, 0, len(seeds))
			for name := range seeds {
				names = append(names, name)
			}
			sort.Slice(names, func(i, j int) bool {
				return seeds[names[i]].Calls > seeds[names[j]].Calls
			})
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FUNCTION\tCALLS\tDEOPTS\tTIER")
			cfg := m.JITConfig()
			for _, name := range names {
				s := seeds[name]
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", name, s.Calls, s.Deopts, seededTier(cfg, s))
			}
			return w.Flush()
		},
	}
}

// seededTier is the highest tier a function with seed s starts eligible for.
func seededTier(cfg jit.Config, s jit.Seed) jit.Tier {
	tier := jit.Interpreter
	if !cfg.Enabled || s.Deopts > cfg.MaxDeopts {
		return tier
	}
	for next, ok := tier.Next(); ok; next, ok = tier.Next() {
		if s.Calls < cfg.Threshold(next) {
			break
		}
		tier = next
	}
	return tier
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <file>...",
		Short: "Invalidate cache entries as source files change",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			w, err := aot.NewSourceWatcher(c)
			if err != nil {
				return err
			}
			defer w.Close()

			out := cmd.OutOrStdout()
			w.OnChange = func(path string, old, _ [aot.HashSize]byte, removed int) {
				fmt.Fprintf(out, "%s changed: removed %d entries for %s\n", path, removed, aot.HashHex(old)[:12])
			}
			for _, path := range args {
				if _, err := w.Watch(path); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}
