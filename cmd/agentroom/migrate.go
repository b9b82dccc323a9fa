package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BaSui01/agentroom/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

var (
	migrateDBType string
	migrateDBURL  string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
	Long: `Apply or inspect the versioned schema migrations.

The connection comes from the database section of the config file unless
both --db-type and --db-url are given.`,
}

// withMigrationCLI opens a migrator, runs fn and closes the migrator.
func withMigrationCLI(cmd *cobra.Command, fn func(cli *migration.CLI) error) error {
	migrator, err := openMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(cmd.OutOrStdout())
	return fn(cli)
}

func openMigrator() (*migration.DefaultMigrator, error) {
	if migrateDBType != "" && migrateDBURL != "" {
		dbType, err := migration.ParseDatabaseType(migrateDBType)
		if err != nil {
			return nil, err
		}
		return migration.NewMigrator(&migration.Config{DatabaseType: dbType, DatabaseURL: migrateDBURL})
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if migrateDBType != "" {
		cfg.Database.Driver = migrateDBType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func parseVersionArg(arg string) (int, error) {
	v, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", arg, err)
	}
	return v, nil
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrateDBType, "db-type", "", "Database type: postgres, mysql, sqlite (default: from config)")
	migrateCmd.PersistentFlags().StringVar(&migrateDBURL, "db-url", "", "Database connection URL (default: from config)")

	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrationCLI(cmd, func(cli *migration.CLI) error {
					return cli.RunUp(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrationCLI(cmd, func(cli *migration.CLI) error {
					return cli.RunDown(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "steps <n>",
			Short: "Apply n migrations (negative n rolls back)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid step count %q: %w", args[0], err)
				}
				return withMigrationCLI(cmd, func(cli *migration.CLI) error {
					return cli.RunSteps(cmd.Context(), n)
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force the recorded version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := parseVersionArg(args[0])
				if err != nil {
					return err
				}
				return withMigrationCLI(cmd, func(cli *migration.CLI) error {
					return cli.RunForce(cmd.Context(), v)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrationCLI(cmd, func(cli *migration.CLI) error {
					return cli.RunVersion(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show every migration and whether it is applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrationCLI(cmd, func(cli *migration.CLI) error {
					return cli.RunStatus(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "info",
			Short: "Show database type and migration summary",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrationCLI(cmd, func(cli *migration.CLI) error {
					return cli.RunInfo(cmd.Context())
				})
			},
		},
	)
	rootCmd.AddCommand(migrateCmd)
}
