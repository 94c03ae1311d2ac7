package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/agatticelli/labcache/internal/platform/cache"
)

var warmupCmd = &cobra.Command{
	Use:   "warmup <seed.json>...",
	Short: "Preload keys from JSON seed files",
	Long: `Preload the cache from one or more seed files. Each file is a JSON
object mapping keys to values; keys already cached in any tier are skipped.

Example seed file:
  {"element:Fe": {"z": 26, "mass": 55.845}, "const:faraday": 96485.33212}`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWarmup,
}

func init() {
	rootCmd.AddCommand(warmupCmd)
}

// seedFile is a WarmupProvider backed by a JSON object on disk
type seedFile struct {
	path   string
	values map[string]json.RawMessage
}

func loadSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &seedFile{path: path, values: values}, nil
}

func (s *seedFile) Name() string {
	return filepath.Base(s.path)
}

func (s *seedFile) Keys(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *seedFile) Fetch(_ context.Context, key string) (any, error) {
	raw, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("key %q not in %s", key, s.path)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func runWarmup(cmd *cobra.Command, args []string) error {
	providers := make([]cache.WarmupProvider, 0, len(args))
	for _, path := range args {
		seed, err := loadSeedFile(path)
		if err != nil {
			return err
		}
		providers = append(providers, seed)
	}

	return withApp(cmd.Context(), func(app *App) error {
		results := app.Cache.WarmupProviders(cmd.Context(), providers...)

		fmt.Printf("loaded=%d skipped=%d failed=%d cancelled=%d in %s\n",
			results.Loaded, results.Skipped, results.Errors, results.Cancelled, results.TotalTime)
		for _, r := range results.Failed() {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", r.Key, r.Err)
		}

		if results.HasErrors() {
			return fmt.Errorf("%d keys failed to warm", results.Errors)
		}
		return nil
	})
}
