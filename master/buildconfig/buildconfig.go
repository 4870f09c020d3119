// Package buildconfig parses a repository's build configuration file ("toxicbuild.yml" by
// default) into an ordered list of builders for a given branch, the input to
// BuildManager.get_builders. Three dialects are supported, selected by the
// BUILD_CONFIG_TYPE configuration key: yaml (the default, and the only dialect
// most repositories use), jsonnet and hcl.
package buildconfig

import (
	"fmt"

	"github.com/toxicbuild/master/common/models"
)

// ConfigType selects the dialect used to parse a repository's build configuration file.
type ConfigType string

const (
	ConfigTypeYAML    ConfigType = "yaml"
	ConfigTypeJsonnet ConfigType = "jsonnet"
	ConfigTypeHCL     ConfigType = "hcl"

	// DefaultConfigType matches BUILD_CONFIG_TYPE's documented default.
	DefaultConfigType = ConfigTypeYAML
	// DefaultConfigFilename matches BUILD_CONFIG_FILENAME's documented default.
	DefaultConfigFilename = "toxicbuild.yml"
)

// BuilderConf is one builder entry resolved from a parsed Config for a specific branch: the
// builder's declared name, its optional triggered_by rules, and the include/exclude-eligible name
// used for branch-policy filtering.
type BuilderConf struct {
	Name        models.ResourceName
	TriggeredBy []models.BuildTrigger
}

// Config is an opaque, already-parsed build configuration document. Its only operation is
// ListBuilders: resolving it against one branch name.
type Config interface {
	// ListBuilders returns the ordered builder list declared for branch. Returns an empty slice,
	// not an error, if the branch has no entry of its own and the config declares no defaults
	//.
	ListBuilders(branch string) ([]BuilderConf, error)
}

// Parser turns raw build-configuration bytes into a Config.
type Parser interface {
	Parse(data []byte) (Config, error)
}

// ParserFor resolves a ConfigType to its Parser, defaulting to yaml for an empty type so a repo
// created before BUILD_CONFIG_TYPE existed keeps working. Any other unknown type is an error.
func ParserFor(t ConfigType) (Parser, error) {
	switch t {
	case "", ConfigTypeYAML:
		return YAMLParser{}, nil
	case ConfigTypeJsonnet:
		return JsonnetParser{}, nil
	case ConfigTypeHCL:
		return HCLParser{}, nil
	default:
		return nil, fmt.Errorf("error unknown build config type: %q", t)
	}
}

// ErrMalformedConfig wraps a parser-specific error with context identifying which config type
// failed, so BuildManager.get_builders can log it and fall back to an empty builder list.
type ErrMalformedConfig struct {
	ConfigType ConfigType
	Err        error
}

func (e *ErrMalformedConfig) Error() string {
	return fmt.Sprintf("error malformed %s build config: %v", e.ConfigType, e.Err)
}

func (e *ErrMalformedConfig) Unwrap() error {
	return e.Err
}
