package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agatticelli/labcache/internal/platform/cache"
)

var (
	setTTL  time.Duration
	setTier string
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a cached value as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var setCmd = &cobra.Command{
	Use:   "set <key> <json>",
	Short: "Store a JSON value",
	Long: `Store a JSON value in every tier, or only one with --tier.

Examples:
  labcache set ph:buffer:acetate '{"pka":4.76}'
  labcache set xrd:nacl:111 '27.37' --ttl 1h --tier l2`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

var rmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Remove a key from every tier",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every key under the configured namespace",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print hit/miss counters for this process as JSON",
	Long: `Print the tier counters as JSON. Counters are per process, so this is
mostly useful after 'labcache warmup' or to check which tiers are enabled.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(getCmd, setCmd, rmCmd, clearCmd, statsCmd)

	setCmd.Flags().DurationVar(&setTTL, "ttl", 0, "override the tier default TTL")
	setCmd.Flags().StringVar(&setTier, "tier", "", "restrict the write to l1 or l2")
}

// withApp builds an App logging to stderr, runs fn and closes the App
func withApp(ctx context.Context, fn func(*App) error) (err error) {
	app, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(app)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runGet(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(app *App) error {
		value, ok := app.Cache.Get(cmd.Context(), args[0])
		if !ok {
			return fmt.Errorf("key %q not found", args[0])
		}
		return printJSON(value)
	})
}

func runSet(cmd *cobra.Command, args []string) error {
	var value any
	if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
		return fmt.Errorf("value is not valid JSON: %w", err)
	}

	var opts []cache.SetOption
	if cmd.Flags().Changed("ttl") {
		opts = append(opts, cache.WithTTL(setTTL))
	}
	switch setTier {
	case "":
	case string(cache.TierMemory):
		opts = append(opts, cache.L1Only())
	case string(cache.TierStorage):
		opts = append(opts, cache.L2Only())
	default:
		return fmt.Errorf("invalid tier %q, want l1 or l2", setTier)
	}

	return withApp(cmd.Context(), func(app *App) error {
		return app.Cache.Set(cmd.Context(), args[0], value, opts...)
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(app *App) error {
		if !app.Cache.Remove(cmd.Context(), args[0]) {
			fmt.Fprintf(os.Stderr, "key %q was not cached\n", args[0])
		}
		return nil
	})
}

func runClear(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(app *App) error {
		app.Cache.Clear(cmd.Context())
		return nil
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(app *App) error {
		return printJSON(app.Cache.Stats())
	})
}
