package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/outreach/config"
	"github.com/mohammad-safakhou/outreach/internal/runtime"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	var migrateFirst bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, heartbeat, goal engine and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			if addr != "" {
				cfg.Server.Address = addr
			}
			if migrateFirst && cfg.Storage.Driver == "postgres" {
				dsn, err := runtime.BuildPostgresDSN(cfg)
				if err != nil {
					return err
				}
				if err := runtime.Migrate(runtime.DefaultMigrationsDir, dsn, "up", 0); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return runtime.Run(ctx, componentLogger("SERVICE"), a.components()...)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before starting")
	return serve
}
