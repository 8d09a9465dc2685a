package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// routesFile is the on-disk shape of config/routes.yaml:
//
//	services:
//	  taxi: http://taxi:8002
//	  commerce: http://commerce:8003
type routesFile struct {
	Services map[string]string `yaml:"services"`
}

// loadRoutesFile parses the optional YAML route table. A missing file is not
// an error; a malformed one is.
func loadRoutesFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read routes file: %w", err)
	}

	var rf routesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	return rf.Services, nil
}
