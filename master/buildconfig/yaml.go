package buildconfig

import (
	"gopkg.in/yaml.v2"

	"github.com/toxicbuild/master/common/models"
)

// yamlTrigger is the wire shape of one triggered_by entry inside toxicbuild.yml.
type yamlTrigger struct {
	Builder  string   `yaml:"builder"`
	Statuses []string `yaml:"statuses"`
}

// yamlBuilder is the wire shape of one builder entry inside toxicbuild.yml.
type yamlBuilder struct {
	Name        string        `yaml:"name"`
	TriggeredBy []yamlTrigger `yaml:"triggered_by"`
}

// yamlBranch is one entry of the optional "branches" map, overriding the top-level builder list
// for an exact branch name.
type yamlBranch struct {
	Builders []yamlBuilder `yaml:"builders"`
}

// yamlDoc is the root shape of toxicbuild.yml, the default BUILD_CONFIG_TYPE dialect.
type yamlDoc struct {
	Builders []yamlBuilder         `yaml:"builders"`
	Branches map[string]yamlBranch `yaml:"branches"`
}

// YAMLParser parses toxicbuild.yml.
type YAMLParser struct{}

func (YAMLParser) Parse(data []byte) (Config, error) {
	var doc yamlDoc
	err := yaml.Unmarshal(data, &doc)
	if err != nil {
		return nil, &ErrMalformedConfig{ConfigType: ConfigTypeYAML, Err: err}
	}
	return &yamlConfig{doc: doc}, nil
}

type yamlConfig struct {
	doc yamlDoc
}

func (c *yamlConfig) ListBuilders(branch string) ([]BuilderConf, error) {
	if b, ok := c.doc.Branches[branch]; ok {
		return toBuilderConfs(b.Builders), nil
	}
	return toBuilderConfs(c.doc.Builders), nil
}

func toBuilderConfs(in []yamlBuilder) []BuilderConf {
	out := make([]BuilderConf, 0, len(in))
	for _, b := range in {
		out = append(out, BuilderConf{
			Name:        models.ResourceName(b.Name),
			TriggeredBy: toBuildTriggers(b.TriggeredBy),
		})
	}
	return out
}

func toBuildTriggers(in []yamlTrigger) []models.BuildTrigger {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.BuildTrigger, 0, len(in))
	for _, t := range in {
		statuses := make([]models.Status, 0, len(t.Statuses))
		for _, s := range t.Statuses {
			statuses = append(statuses, models.Status(s))
		}
		out = append(out, models.BuildTrigger{
			BuilderName: models.ResourceName(t.Builder),
			Statuses:    statuses,
		})
	}
	return out
}
