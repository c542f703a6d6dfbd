// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// ticketflow is the operational entry point: schema migration, the outbox
// delivery loop, and configuration inspection.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rashadism/ticketflow/internal/accessstore"
	"github.com/rashadism/ticketflow/internal/config"
	"github.com/rashadism/ticketflow/internal/email"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/logging"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/outbox"
	"github.com/rashadism/ticketflow/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ticketflow",
		Short:         "Ticketflow workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newOutboxCmd(&configPath))
	root.AddCommand(newConfigCmd(&configPath))
	return root
}

// newMigrateCmd opens the database, migrating the schema and seeding the
// persona policies.
func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)
			clock := idgen.SystemClock{}

			store, err := repository.Open(cfg.Database.Path, clock, logger)
			if err != nil {
				return err
			}
			if _, err := accessstore.New(store.DB(), clock, logger); err != nil {
				return err
			}
			logger.Info("database migrated", "path", cfg.Database.Path)
			return nil
		},
	}
}

// newOutboxCmd runs the notification delivery loop until interrupted.
func newOutboxCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "Run the notification outbox delivery loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Email.SendEndpoint == "" {
				return fmt.Errorf("email.send_endpoint must be configured to deliver notifications")
			}
			logger := logging.New(cfg.Logging)
			clock := idgen.SystemClock{}

			store, err := repository.Open(cfg.Database.Path, clock, logger)
			if err != nil {
				return err
			}

			tokens := email.NewTokenCache(email.ClientCredentials(cfg.Email, nil), cfg.Email.TokenSkew)
			defer tokens.Close()
			transport := email.NewHTTPTransport(cfg.Email, tokens, nil)

			scheduler := outbox.New(store, notification.NewRenderer(), transport,
				cfg.Outbox, clock, logger, outbox.NewMetrics(nil))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("outbox delivery loop starting",
				"workers", cfg.Outbox.Workers, "poll_interval", cfg.Outbox.PollInterval)
			return scheduler.Run(ctx)
		},
	}
}

// newConfigCmd prints the effective configuration after defaults, file, and
// environment are merged.
func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader("TICKETFLOW")
			if err := loader.LoadWithDefaults(config.Default(), *configPath); err != nil {
				return err
			}
			return loader.DumpYAML(cmd.OutOrStdout())
		},
	}
}
