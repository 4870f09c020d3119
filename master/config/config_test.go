package config_test

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/master/buildconfig"
	"github.com/toxicbuild/master/master/config"
)

func load(t *testing.T, args ...string) *config.Config {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	config.BindFlags(flags, v)
	require.NoError(t, flags.Parse(args))

	cfg, err := config.Load(v, afero.NewMemMapFs())
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := load(t)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "toxicmaster.db", cfg.Database.DSN)
	assert.Equal(t, "localhost", cfg.PollerHost)
	assert.Equal(t, 8080, cfg.PollerPort)
	assert.Equal(t, buildconfig.ConfigTypeYAML, cfg.BuildConfigType)
	assert.Equal(t, "toxicbuild.yml", cfg.BuildConfigFilename)
	assert.True(t, cfg.ValidateCertPoller)
	assert.Equal(t, 5*time.Second, cfg.ConsumerPollInterval)
	assert.Equal(t, 60, cfg.WaitServiceStartRetries)
}

func TestLoadFlagOverrides(t *testing.T) {
	cfg := load(t,
		"--database", "postgres://user:pass@db/toxicmaster",
		"--poller_host", "poller.internal",
		"--build_config_type", "jsonnet",
		"--consumer_poll_interval", "42s",
	)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "user:pass@db/toxicmaster", cfg.Database.DSN)
	assert.Equal(t, "poller.internal", cfg.PollerHost)
	assert.Equal(t, buildconfig.ConfigTypeJsonnet, cfg.BuildConfigType)
	assert.Equal(t, 42*time.Second, cfg.ConsumerPollInterval)
}

func TestLoadRejectsMalformedDatabaseURL(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	config.BindFlags(flags, v)
	require.NoError(t, flags.Parse([]string{"--database", "not-a-dsn"}))

	_, err := config.Load(v, afero.NewMemMapFs())
	require.Error(t, err)
}

func TestLoadRejectsUnknownBuildConfigType(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	config.BindFlags(flags, v)
	require.NoError(t, flags.Parse([]string{"--build_config_type", "toml"}))

	_, err := config.Load(v, afero.NewMemMapFs())
	require.Error(t, err)
}
