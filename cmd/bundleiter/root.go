package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/archive-bundle-iterator/internal/app"
	"github.com/JakeFAU/archive-bundle-iterator/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = func(ctx context.Context, path string) (*app.App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.Build(ctx, &cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "bundleiter",
		Short: "Streams pages out of archive bundles.",
		Long: `bundleiter reads ARC, WARC, MediaWiki, ODP and delimited text bundles
partition by partition, checkpointing its position so runs can be resumed.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				return a.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env BUNDLEITER_* overrides it)")

	cmd.AddCommand(
		newIterateCmd(),
		newStatusCmd(),
		newResetCmd(),
		newSeekCmd(),
		newServeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}
