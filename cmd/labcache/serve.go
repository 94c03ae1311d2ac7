package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agatticelli/labcache/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API until SIGINT or SIGTERM.

Endpoints:
  GET    /health, /ready, /metrics
  GET    /v1/cache/{key}
  PUT    /v1/cache/{key}?ttl=30s&tier=l1|l2
  DELETE /v1/cache/{key}
  POST   /v1/cache/clear
  GET    /v1/stats`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	app, err := newApp(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(ctx); err != nil {
			app.Logger.LogError(ctx, "shutdown error", err)
		}
		app.Logger.LogInfo(ctx, "labcache stopped")
	}()

	if app.storage != nil {
		go app.storage.RunPurger(ctx, cfg.Cache.CleanupInterval)
	}

	server, err := httpapi.NewServer(httpapi.Config{
		Cache:   app.Cache,
		Logger:  app.Logger,
		Metrics: app.Meter.Handler(),
		Ready:   app.Ready,
	})
	if err != nil {
		return err
	}

	app.Logger.LogInfo(ctx, "starting labcache",
		"version", version,
		"capacity", cfg.Cache.Capacity,
		"storage", storageLabel(),
		"remote", cfg.Cache.EnableRemote,
	)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	if err := server.ListenAndServe(ctx, addr, shutdownTimeout); err != nil {
		return err
	}
	app.Logger.LogInfo(ctx, "shutdown signal received, gracefully stopping...")
	return nil
}

func storageLabel() string {
	if cfg.Storage.Path == "" {
		return "memory"
	}
	return cfg.Storage.Path
}
