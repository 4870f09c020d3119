package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/toxicbuild/master/cmd/toxicmaster/cli"
	"github.com/toxicbuild/master/common/version"
	"github.com/toxicbuild/master/master/config"
)

// LogSafeFlags is the whitelist of flags whose values may appear in logs; anything not listed
// (tokens, credentials, connection strings) is masked before the process args are printed.
var LogSafeFlags = []string{
	"database",
	"poller_host",
	"poller_port",
	"poller_uses_ssl",
	"validate_cert_poller",
	"secrets_host",
	"secrets_port",
	"secrets_uses_ssl",
	"validate_cert_secrets",
	"build_config_type",
	"build_config_filename",
	"notifications_api_url",
	"pubsub_project_id",
	"slave_uses_ssl",
	"validate_cert_slave",
	"aws_region",
	"consumer_poll_interval",
	"wait_service_start_retries",
	"wait_service_start_interval",
	"config",
	"log_levels",
}

// Viper is the configuration store shared by every command; RootCmd's persistent flags are bound
// into it so the usual precedence (flag > env > file > default) applies.
var Viper = viper.New()

var rootCmdConfig = struct {
	configFilePath string
	logLevels      string
}{}

var RootCmd = &cobra.Command{
	Use:     "toxicmaster",
	Short:   "The master controller of a distributed continuous integration fabric",
	Version: version.VersionToString(),
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVarP(
		&rootCmdConfig.configFilePath,
		"config",
		"c",
		"",
		"The config file to use when executing commands.")
	RootCmd.PersistentFlags().StringVar(
		&rootCmdConfig.logLevels,
		"log_levels",
		"",
		"Per-subsystem log levels, e.g. \"BuildManager=debug,SlaveService=trace\"")

	config.BindFlags(RootCmd.PersistentFlags(), Viper)
}

// LogLevels returns the raw per-subsystem log level configuration from the command line.
func LogLevels() string {
	return rootCmdConfig.logLevels
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	cli.Exit(RootCmd.Execute())
}

// initConfig reads in a config file if one was given.
func initConfig() {
	if rootCmdConfig.configFilePath != "" {
		Viper.SetConfigFile(rootCmdConfig.configFilePath)
	} else {
		Viper.SetConfigName(config.DefaultConfigFileName)
		Viper.AddConfigPath(config.DefaultConfigDir)
	}

	err := Viper.ReadInConfig()
	if err == nil {
		cli.Stderr.Printf("Using config file: %s", Viper.ConfigFileUsed())
	} else {
		switch err.(type) {
		case viper.ConfigFileNotFoundError:
		default:
			cli.Exit(fmt.Errorf("error loading config file (%s): %s", Viper.ConfigFileUsed(), err))
		}
	}
}
