package start

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toxicbuild/master/cmd/toxicmaster/commands"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/util"
	"github.com/toxicbuild/master/common/version"
	"github.com/toxicbuild/master/master/app"
	"github.com/toxicbuild/master/master/config"
)

func init() {
	commands.RootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:           "start",
	Short:         "Starts the master controller and its poll loop",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("toxicmaster v%s\n", version.VersionToString())
		fmt.Printf("Starting with args: %v\n", util.FilterOSArgs(os.Args, commands.LogSafeFlags))

		cfg, err := config.Load(commands.Viper, config.NewFileSystem())
		if err != nil {
			return fmt.Errorf("error loading configuration: %w", err)
		}
		logRegistry, err := logger.NewLogRegistry(logger.LogLevelConfig(commands.LogLevels()))
		if err != nil {
			return err
		}

		ctx := context.Background()
		master, cleanup, err := app.New(ctx, cfg, logRegistry)
		if err != nil {
			return fmt.Errorf("error creating master: %w", err)
		}
		defer cleanup()

		err = master.Start(ctx)
		if err != nil {
			return fmt.Errorf("error starting master: %w", err)
		}

		// Wait for SIGINT or SIGTERM before shutting down
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		<-done

		master.Stop()
		fmt.Println("Master shutdown complete")
		return nil
	},
}
