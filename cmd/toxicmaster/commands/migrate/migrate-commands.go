package migrate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chelnak/ysmrr"
	"github.com/spf13/cobra"

	"github.com/toxicbuild/master/cmd/toxicmaster/cli"
	"github.com/toxicbuild/master/cmd/toxicmaster/commands"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/migrations"
)

const defaultSQLiteConnectionString = "file:/var/lib/toxicmaster/db/sqlite.db?cache=shared"

func init() {
	migrateRootCmd.PersistentFlags().StringVar(
		&migrateCmdConfig.databaseDriver,
		"driver",
		string(store.Sqlite),
		"The Database Driver to use for migration (i.e sqlite3|postgres)")
	migrateRootCmd.PersistentFlags().StringVar(
		&migrateCmdConfig.databaseConnectionString,
		"connection",
		defaultSQLiteConnectionString,
		"The connection string for the database to use for migration")
	migrateRootCmd.PersistentFlags().BoolVarP(
		&migrateCmdConfig.skipConfirmation,
		"skip-confirmation",
		"",
		false,
		"Skip interactive confirmation and automatically answer Yes to confirmation questions")

	commands.RootCmd.AddCommand(migrateRootCmd)
	migrateRootCmd.AddCommand(migrateUpCmd)
	migrateRootCmd.AddCommand(migrateDownCmd)
	migrateRootCmd.AddCommand(migrateGotoCmd)
	migrateRootCmd.AddCommand(migrateForceCmd)
}

var migrateCmdConfig = struct {
	databaseDriver           string
	databaseConnectionString string
	skipConfirmation         bool
	migrationRunner          store.MigrationRunner
}{}

var migrateRootCmd = &cobra.Command{
	Use:   "migrate up|down|goto version-number",
	Short: "Migrates the database up to the latest version, down to empty, or to a specific version number",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// migration runner needs a log factory; use a very plain log format
		logRegistry, err := logger.NewLogRegistry("")
		if err != nil {
			return err
		}
		logFactory := logger.MakeLogrusLogFactoryStdOutPlain(logRegistry)

		migrateCmdConfig.migrationRunner = migrations.NewMasterGolangMigrateRunner(logFactory)
		return nil
	},
}

// withSpinner runs fn with a terminal spinner describing the migration in flight.
func withSpinner(message string, fn func() error) error {
	manager := ysmrr.NewSpinnerManager()
	spinner := manager.AddSpinner(message)
	manager.Start()
	err := fn()
	if err != nil {
		spinner.Error()
	} else {
		spinner.Complete()
	}
	manager.Stop()
	return err
}

var migrateUpCmd = &cobra.Command{
	Use:           "up",
	Short:         "Migrates the database up to the latest version",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withSpinner("Migrating database up to latest version", func() error {
			return migrateCmdConfig.migrationRunner.Up(
				context.Background(),
				store.DBDriver(migrateCmdConfig.databaseDriver),
				store.DatabaseConnectionString(migrateCmdConfig.databaseConnectionString),
			)
		})
		if err != nil {
			return fmt.Errorf("error running 'up' migration: %w", err)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:           "down",
	Short:         "Migrates the database down to being empty",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		confirmed := cli.AskForConfirmation("Running a Down migration will remove ALL data from this database. Are you sure?", migrateCmdConfig.skipConfirmation)
		if !confirmed {
			cli.Stdout.Printf("Down migration cancelled.")
			return nil
		}
		err := withSpinner("Migrating database down to empty", func() error {
			return migrateCmdConfig.migrationRunner.Down(
				context.Background(),
				store.DBDriver(migrateCmdConfig.databaseDriver),
				store.DatabaseConnectionString(migrateCmdConfig.databaseConnectionString),
			)
		})
		if err != nil {
			return fmt.Errorf("error running 'down' migration: %w", err)
		}
		return nil
	},
}

var migrateGotoCmd = &cobra.Command{
	Use:           "goto V",
	Short:         "Migrates the database up or down as required to be at specific version V",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("error parsing version number %q: %w", args[0], err)
		}
		err = withSpinner(fmt.Sprintf("Migrating database to version %d", version), func() error {
			return migrateCmdConfig.migrationRunner.Goto(
				context.Background(),
				store.DBDriver(migrateCmdConfig.databaseDriver),
				store.DatabaseConnectionString(migrateCmdConfig.databaseConnectionString),
				uint(version),
			)
		})
		if err != nil {
			return fmt.Errorf("error running 'goto' migration: %w", err)
		}
		return nil
	},
}

var migrateForceCmd = &cobra.Command{
	Use:           "force V",
	Short:         "Marks the database as clean and already migrated to version V, without running migrations",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("error parsing version number %q: %w", args[0], err)
		}
		confirmed := cli.AskForConfirmation("Forcing a migration version can leave the schema and migration history out of sync. Are you sure?", migrateCmdConfig.skipConfirmation)
		if !confirmed {
			cli.Stdout.Printf("Force migration cancelled.")
			return nil
		}
		err = migrateCmdConfig.migrationRunner.Force(
			context.Background(),
			store.DBDriver(migrateCmdConfig.databaseDriver),
			store.DatabaseConnectionString(migrateCmdConfig.databaseConnectionString),
			uint(version),
		)
		if err != nil {
			return fmt.Errorf("error running 'force' migration: %w", err)
		}
		return nil
	},
}
