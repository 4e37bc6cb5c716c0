package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegressionCase is one retrieval check run after a retrain.
// The product named in Expect must appear within the first Within results.
type RegressionCase struct {
	Query      string `yaml:"query"`
	PharmacyID int64  `yaml:"pharmacy_id"`
	Expect     string `yaml:"expect"`
	Within     int    `yaml:"within,omitempty"`
	// ExpectEmpty requires the query to return no matches at all.
	ExpectEmpty bool `yaml:"expect_empty,omitempty"`
}

type regressionFile struct {
	Cases []RegressionCase `yaml:"cases"`
}

// LoadRegressionCases reads retrieval regression cases from a YAML file.
func LoadRegressionCases(path string) ([]RegressionCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regression cases: %w", err)
	}

	var file regressionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse regression cases: %w", err)
	}

	for i := range file.Cases {
		if file.Cases[i].Within <= 0 {
			file.Cases[i].Within = 3
		}
		if file.Cases[i].Query == "" {
			return nil, fmt.Errorf("regression case %d: query is required", i)
		}
	}
	return file.Cases, nil
}
