package privacy

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Rule is a regular expression for a PII shape that must never appear in a
// cloud-bound payload.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type RulesConfig struct {
	ForbiddenKeys []string `yaml:"forbidden_keys" json:"forbidden_keys"`
	Rules         []Rule   `yaml:"rules" json:"rules"`
}

func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, err
	}
	if len(cfg.ForbiddenKeys) == 0 && len(cfg.Rules) == 0 {
		return RulesConfig{}, errors.New("no privacy rules configured")
	}
	return cfg, nil
}

func DefaultRules() RulesConfig {
	return RulesConfig{
		ForbiddenKeys: []string{
			"name", "full_name", "patient_name", "first_name", "last_name",
			"age", "gender", "sex", "dob", "date_of_birth",
			"email", "phone", "address", "ssn",
		},
		Rules: []Rule{
			{Name: "SSN", Type: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Enabled: true},
			{Name: "DOB", Type: "dob", Pattern: `\b\d{1,2}/\d{1,2}/\d{4}\b`, Enabled: true},
			{Name: "Email", Type: "email", Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Enabled: true},
			{Name: "Phone", Type: "phone", Pattern: `\b\d{3}-\d{3}-\d{4}\b|\(\d{3}\)\s?\d{3}-\d{4}\b`, Enabled: true},
		},
	}
}
