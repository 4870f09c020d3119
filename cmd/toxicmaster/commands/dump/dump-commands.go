package dump

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toxicbuild/master/cmd/toxicmaster/cli"
	"github.com/toxicbuild/master/cmd/toxicmaster/commands"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/builds"
	"github.com/toxicbuild/master/master/store/buildsets"
	"github.com/toxicbuild/master/master/store/repos"
	"github.com/toxicbuild/master/master/store/slaves"
)

const defaultSQLiteConnectionString = "file:/var/lib/toxicmaster/db/sqlite.db?cache=shared"

func init() {
	dumpRootCmd.PersistentFlags().StringVar(
		&dumpCmdConfig.databaseDriver,
		"driver",
		string(store.Sqlite),
		"The Database Driver to use for fetching data (i.e sqlite3|postgres)")
	dumpRootCmd.PersistentFlags().StringVar(
		&dumpCmdConfig.databaseConnectionString,
		"connection",
		defaultSQLiteConnectionString,
		"The connection string for the database to use for fetching data")

	commands.RootCmd.AddCommand(dumpRootCmd)
	dumpRootCmd.AddCommand(dumpReposCmd)
	dumpRootCmd.AddCommand(dumpSlavesCmd)
	dumpRootCmd.AddCommand(dumpBuildSetsCmd)
}

var dumpCmdConfig = struct {
	databaseDriver           string
	databaseConnectionString string
	db                       *store.DB
	dbCleanup                func()
	repoStore                *repos.RepoStore
	slaveStore               *slaves.SlaveStore
	buildSetStore            *buildsets.BuildSetStore
}{}

var dumpRootCmd = &cobra.Command{
	Use:   "dump (command)",
	Short: "Dumps all objects of the specified type from the database as JSON",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// stores need a log factory; use a very plain log format
		logRegistry, err := logger.NewLogRegistry("")
		if err != nil {
			return err
		}
		logFactory := logger.MakeLogrusLogFactoryStdOutPlain(logRegistry)

		db, cleanup, err := store.NewDatabase(context.Background(), store.DatabaseConfig{
			ConnectionString:   store.DatabaseConnectionString(dumpCmdConfig.databaseConnectionString),
			Driver:             store.DBDriver(dumpCmdConfig.databaseDriver),
			MaxIdleConnections: store.DefaultDatabaseMaxIdleConnections,
			MaxOpenConnections: store.DefaultDatabaseMaxOpenConnections,
		}, nil)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		buildStore := builds.NewStore(db, logFactory)
		dumpCmdConfig.db = db
		dumpCmdConfig.dbCleanup = cleanup
		dumpCmdConfig.repoStore = repos.NewStore(db, logFactory)
		dumpCmdConfig.slaveStore = slaves.NewStore(db, logFactory)
		dumpCmdConfig.buildSetStore = buildsets.NewStore(db, logFactory, buildStore)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dumpCmdConfig.dbCleanup != nil {
			dumpCmdConfig.dbCleanup()
		}
	},
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling dump output: %w", err)
	}
	cli.Stdout.Printf("%s", out)
	return nil
}

var dumpReposCmd = &cobra.Command{
	Use:           "repos",
	Short:         "Dumps every repository",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		repoList, err := dumpCmdConfig.repoStore.ListAll(context.Background(), nil)
		if err != nil {
			return err
		}
		return printJSON(repoList)
	},
}

var dumpSlavesCmd = &cobra.Command{
	Use:           "slaves",
	Short:         "Dumps every slave",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		slaveList, err := dumpCmdConfig.slaveStore.ListAll(context.Background(), nil)
		if err != nil {
			return err
		}
		return printJSON(slaveList)
	},
}

var dumpBuildSetsCmd = &cobra.Command{
	Use:           "buildsets repo-name",
	Short:         "Dumps every buildset of the named repository, including its builds",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		repoList, err := dumpCmdConfig.repoStore.ListByName(ctx, nil, models.ResourceName(args[0]))
		if err != nil {
			return err
		}
		if len(repoList) == 0 {
			return fmt.Errorf("error no repository named %q", args[0])
		}
		repo := repoList[0]

		sets, err := dumpCmdConfig.buildSetStore.ListByRepo(ctx, nil, repo.ID)
		if err != nil {
			return err
		}
		out := make([]map[string]interface{}, 0, len(sets))
		for _, header := range sets {
			full, err := dumpCmdConfig.buildSetStore.ReadWithBuilds(ctx, nil, header.ID)
			if err != nil {
				return err
			}
			out = append(out, full.ToDict())
		}
		return printJSON(out)
	},
}
