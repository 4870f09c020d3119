package buildconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/buildconfig"
)

const yamlConfig = `
builders:
  - name: unit-tests
  - name: lint
  - name: deploy
    triggered_by:
      - builder: unit-tests
        statuses: [success, warning]
branches:
  release:
    builders:
      - name: release-build
`

func TestYAMLListBuilders(t *testing.T) {
	parser, err := buildconfig.ParserFor(buildconfig.ConfigTypeYAML)
	require.NoError(t, err)
	conf, err := parser.Parse([]byte(yamlConfig))
	require.NoError(t, err)

	confs, err := conf.ListBuilders("main")
	require.NoError(t, err)
	require.Len(t, confs, 3)
	assert.Equal(t, models.ResourceName("unit-tests"), confs[0].Name)
	assert.Equal(t, models.ResourceName("lint"), confs[1].Name)
	assert.Equal(t, models.ResourceName("deploy"), confs[2].Name)

	require.Len(t, confs[2].TriggeredBy, 1)
	trigger := confs[2].TriggeredBy[0]
	assert.Equal(t, models.ResourceName("unit-tests"), trigger.BuilderName)
	assert.Equal(t, []models.Status{models.StatusSuccess, models.StatusWarning}, trigger.Statuses)
}

func TestYAMLBranchOverride(t *testing.T) {
	parser, _ := buildconfig.ParserFor(buildconfig.ConfigTypeYAML)
	conf, err := parser.Parse([]byte(yamlConfig))
	require.NoError(t, err)

	confs, err := conf.ListBuilders("release")
	require.NoError(t, err)
	require.Len(t, confs, 1)
	assert.Equal(t, models.ResourceName("release-build"), confs[0].Name)
}

func TestYAMLMalformedIsErrMalformedConfig(t *testing.T) {
	parser, _ := buildconfig.ParserFor(buildconfig.ConfigTypeYAML)
	_, err := parser.Parse([]byte("builders: [unclosed"))
	require.Error(t, err)
	var malformed *buildconfig.ErrMalformedConfig
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, buildconfig.ConfigTypeYAML, malformed.ConfigType)
}

const jsonnetConfig = `
local tests = { name: 'unit-tests' };
{
  builders: [
    tests,
    { name: 'deploy', triggered_by: [{ builder: tests.name, statuses: ['success'] }] },
  ],
}
`

func TestJsonnetListBuilders(t *testing.T) {
	parser, err := buildconfig.ParserFor(buildconfig.ConfigTypeJsonnet)
	require.NoError(t, err)
	conf, err := parser.Parse([]byte(jsonnetConfig))
	require.NoError(t, err)

	confs, err := conf.ListBuilders("main")
	require.NoError(t, err)
	require.Len(t, confs, 2)
	assert.Equal(t, models.ResourceName("deploy"), confs[1].Name)
	require.Len(t, confs[1].TriggeredBy, 1)
	assert.Equal(t, models.ResourceName("unit-tests"), confs[1].TriggeredBy[0].BuilderName)
}

const hclConfig = `
builder "unit-tests" {}

builder "deploy" {
  triggered_by {
    builder  = "unit-tests"
    statuses = ["success"]
  }
}

branch "release" {
  builder "release-build" {}
}
`

func TestHCLListBuilders(t *testing.T) {
	parser, err := buildconfig.ParserFor(buildconfig.ConfigTypeHCL)
	require.NoError(t, err)
	conf, err := parser.Parse([]byte(hclConfig))
	require.NoError(t, err)

	confs, err := conf.ListBuilders("main")
	require.NoError(t, err)
	require.Len(t, confs, 2)
	assert.Equal(t, models.ResourceName("unit-tests"), confs[0].Name)

	release, err := conf.ListBuilders("release")
	require.NoError(t, err)
	require.Len(t, release, 1)
	assert.Equal(t, models.ResourceName("release-build"), release[0].Name)
}

func TestParserForUnknownType(t *testing.T) {
	_, err := buildconfig.ParserFor("toml")
	require.Error(t, err)
}

func TestFilterBuildersIncludeWins(t *testing.T) {
	confs := []buildconfig.BuilderConf{
		{Name: "unit-tests"}, {Name: "integration-tests"}, {Name: "deploy-prod"},
	}

	included := buildconfig.FilterBuilders(confs, []string{"*-tests"}, []string{"unit-tests"})
	require.Len(t, included, 2)
	assert.Equal(t, models.ResourceName("unit-tests"), included[0].Name)
	assert.Equal(t, models.ResourceName("integration-tests"), included[1].Name)

	excluded := buildconfig.FilterBuilders(confs, nil, []string{"deploy-*"})
	require.Len(t, excluded, 2)

	all := buildconfig.FilterBuilders(confs, nil, nil)
	assert.Len(t, all, 3)
}
