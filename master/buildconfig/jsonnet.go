package buildconfig

import (
	jsonnet "github.com/google/go-jsonnet"
	"gopkg.in/yaml.v2"
)

// JsonnetParser evaluates a jsonnet build configuration document to plain JSON and then parses
// it with the same schema as YAMLParser, selected by BUILD_CONFIG_TYPE=jsonnet.
type JsonnetParser struct{}

func (JsonnetParser) Parse(data []byte) (Config, error) {
	vm := jsonnet.MakeVM()
	out, err := vm.EvaluateSnippet(DefaultConfigFilename, string(data))
	if err != nil {
		return nil, &ErrMalformedConfig{ConfigType: ConfigTypeJsonnet, Err: err}
	}
	var doc yamlDoc
	err = yaml.Unmarshal([]byte(out), &doc)
	if err != nil {
		return nil, &ErrMalformedConfig{ConfigType: ConfigTypeJsonnet, Err: err}
	}
	return &yamlConfig{doc: doc}, nil
}
