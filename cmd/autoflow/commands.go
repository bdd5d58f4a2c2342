package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/definition"
	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/internal/workflow"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the workflow store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver == "memory" {
				return errors.New("the memory store has no schema to migrate")
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			cfg.Store.Migrate = true
			_, closeStore, err := buildStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			closeStore()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Store.Driver)
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>...",
		Short: "Validate workflow definitions and import them into the store",
		Long: `Loads every *.yaml and *.yml file under the given directories, validates
them, and creates the workflows that do not exist yet. Existing workflows are
left untouched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			registry, err := loadRegistry(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, closeStore, err := buildStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			engine := workflow.NewEngine(store, workflow.WithLogger(logger))
			defer func() { _ = engine.Shutdown(context.Background()) }()

			created, err := registry.ImportAll(ctx, engine)
			if err != nil {
				return err
			}
			logger.Debug("import finished", zap.String("checksum", registry.Checksum()))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d workflows (%d already present)\n",
				created, registry.Len(), registry.Len()-created)
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>...",
		Short: "Check workflow definitions without importing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}
			verrs := definition.NewValidator().Validate(defs)
			out := cmd.OutOrStdout()
			for _, ve := range verrs {
				fmt.Fprintf(out, "%s [%s] %s\n", ve.Path, ve.Code, ve.Message)
			}
			if len(verrs) > 0 {
				return fmt.Errorf("%d validation errors", len(verrs))
			}
			fmt.Fprintf(out, "%d workflow definitions are valid\n", len(defs))
			return nil
		},
	}
}
