package buildconfig

import (
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/toxicbuild/master/common/models"
)

// hclTrigger is one triggered_by block inside an hcl build configuration.
type hclTrigger struct {
	Builder  string   `hcl:"builder"`
	Statuses []string `hcl:"statuses"`
}

// hclBuilder is one "builder" block.
type hclBuilder struct {
	Name        string       `hcl:"name,label"`
	TriggeredBy []hclTrigger `hcl:"triggered_by,block"`
}

// hclBranch is one "branch" block overriding the default builder list for an exact branch name.
type hclBranch struct {
	Name     string       `hcl:"name,label"`
	Builders []hclBuilder `hcl:"builder,block"`
}

// hclRoot is the root schema of an hcl build configuration document.
type hclRoot struct {
	Builders []hclBuilder `hcl:"builder,block"`
	Branches []hclBranch  `hcl:"branch,block"`
}

// HCLParser parses an HCL build configuration document, selected by BUILD_CONFIG_TYPE=hcl.
type HCLParser struct{}

func (HCLParser) Parse(data []byte) (Config, error) {
	f, diags := hclparse.NewParser().ParseHCL(data, DefaultConfigFilename+".hcl")
	if diags.HasErrors() {
		return nil, &ErrMalformedConfig{ConfigType: ConfigTypeHCL, Err: diags}
	}
	var root hclRoot
	diags = gohcl.DecodeBody(f.Body, nil, &root)
	if diags.HasErrors() {
		return nil, &ErrMalformedConfig{ConfigType: ConfigTypeHCL, Err: diags}
	}
	return &hclConfig{root: root}, nil
}

type hclConfig struct {
	root hclRoot
}

func (c *hclConfig) ListBuilders(branch string) ([]BuilderConf, error) {
	for _, b := range c.root.Branches {
		if b.Name == branch {
			return hclToBuilderConfs(b.Builders), nil
		}
	}
	return hclToBuilderConfs(c.root.Builders), nil
}

func hclToBuilderConfs(in []hclBuilder) []BuilderConf {
	out := make([]BuilderConf, 0, len(in))
	for _, b := range in {
		out = append(out, BuilderConf{
			Name:        models.ResourceName(b.Name),
			TriggeredBy: hclToBuildTriggers(b.TriggeredBy),
		})
	}
	return out
}

func hclToBuildTriggers(in []hclTrigger) []models.BuildTrigger {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.BuildTrigger, 0, len(in))
	for _, t := range in {
		statuses := make([]models.Status, 0, len(t.Statuses))
		for _, s := range t.Statuses {
			statuses = append(statuses, models.Status(s))
		}
		out = append(out, models.BuildTrigger{BuilderName: models.ResourceName(t.Builder), Statuses: statuses})
	}
	return out
}
