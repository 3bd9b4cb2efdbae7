package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	// Database drivers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tidelake/stratum/pkg/etl/app"
	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/config"
	"github.com/tidelake/stratum/pkg/etl/migration"
	"github.com/tidelake/stratum/pkg/etl/orchestrate"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
)

//go:embed application.yaml
var embeddedConfig []byte

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stratum",
		Short:         "Metadata-driven layered ETL runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		jobName      string
		configPath   string
		metadataPath string
		envPath      string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ETL job through its full stage sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), jobName, configPath, metadataPath, envPath)
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "job name to run (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "YAML file with job config rows to seed before the run")
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "YAML file with column metadata rows to seed before the run")
	cmd.Flags().StringVar(&envPath, "env", "", "path to a .env file")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// deps collects the components the run command drives directly.
type deps struct {
	fx.In

	Migrator     *migration.Migrator
	Catalog      catalog.Repository
	Orchestrator *orchestrate.Orchestrator
}

func runJob(ctx context.Context, jobName, configPath, metadataPath, envPath string) error {
	var d deps
	fxApp := fx.New(
		fx.NopLogger,
		fx.Supply(
			app.EnvFilePath(envPath),
			config.EmbeddedConfig(embeddedConfig),
		),
		app.Module,
		fx.Populate(&d),
	)
	if err := fxApp.Start(ctx); err != nil {
		fmt.Printf("[FATAL] %s\n", exception.ExtractErrorMessage(err))
		return err
	}
	defer func() {
		_ = fxApp.Stop(context.Background())
	}()

	if err := d.Migrator.Up(ctx); err != nil {
		fmt.Printf("[FAILED] init: %s\n", exception.ExtractErrorMessage(err))
		return err
	}

	if configPath != "" {
		if err := catalog.SeedJobConfigs(ctx, d.Catalog, configPath); err != nil {
			fmt.Printf("[FAILED] init: config seeding: %s\n", exception.ExtractErrorMessage(err))
			return err
		}
		fmt.Printf("[DONE] init: job config seeded from %s\n", configPath)
	}
	if metadataPath != "" {
		if err := catalog.SeedColumnMetadata(ctx, d.Catalog, metadataPath); err != nil {
			fmt.Printf("[FAILED] init: metadata seeding: %s\n", exception.ExtractErrorMessage(err))
			return err
		}
		fmt.Printf("[DONE] init: column metadata seeded from %s\n", metadataPath)
	}

	err := d.Orchestrator.RunJob(ctx, jobName, renderEvent)
	if err != nil {
		return err
	}
	fmt.Printf("[SUCCESS] Job %s completed successfully.\n", jobName)
	return nil
}

// renderEvent prints one orchestration event in the CLI's step format.
func renderEvent(e orchestrate.Event) {
	switch e.Status {
	case orchestrate.StatusRunning:
		fmt.Printf("[RUNNING] %s: %s\n", e.Step, e.Message)
	case orchestrate.StatusDone:
		fmt.Printf("[DONE] %s: %s\n", e.Step, e.Message)
	case orchestrate.StatusError:
		fmt.Printf("[FAILED] %s: %s\n", e.Step, e.Message)
	}
}
