package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkerProfile maps worker agents to the commands that implement them,
// plus per-profile invocation limits. Loaded from a YAML file referenced
// by the run command.
type WorkerProfile struct {
	Name string `yaml:"name" json:"name"`

	// Agents maps a canonical worker ID to the argv that implements it.
	Agents map[string][]string `yaml:"agents" json:"agents"`

	// RatePerSecond throttles worker invocations; zero means unthrottled.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
	Burst         int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// LoadWorkerProfile reads a worker profile from a YAML file.
func LoadWorkerProfile(path string) (*WorkerProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load worker profile: %w", err)
	}

	var profile WorkerProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse worker profile %q: %w", path, err)
	}
	if len(profile.Agents) == 0 {
		return nil, fmt.Errorf("worker profile %q declares no agents", path)
	}
	if profile.Burst <= 0 {
		profile.Burst = 1
	}
	return &profile, nil
}
