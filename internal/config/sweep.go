package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals YAML duration strings like "30m" or "2h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// SweepTask is one task definition in a sweep file.
type SweepTask struct {
	Name         string            `yaml:"name"`
	Executable   string            `yaml:"executable"`
	Args         []string          `yaml:"args"`
	Inputs       map[string]string `yaml:"inputs,omitempty"`
	Outputs      map[string]string `yaml:"outputs,omitempty"`
	Cores        int               `yaml:"cores,omitempty"`
	MemoryMB     int               `yaml:"memory_mb,omitempty"`
	Walltime     Duration          `yaml:"walltime,omitempty"`
	Architecture string            `yaml:"architecture,omitempty"`
	MaxRetries   int               `yaml:"max_retries,omitempty"`
}

// Sweep is a parsed sweep definition file.
type Sweep struct {
	Tasks []SweepTask `yaml:"tasks"`
}

// LoadSweep parses a YAML sweep file and validates its task definitions.
func LoadSweep(path string) (*Sweep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sweep file %s: %w", path, err)
	}
	var sweep Sweep
	if err := yaml.Unmarshal(data, &sweep); err != nil {
		return nil, fmt.Errorf("parsing sweep file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(sweep.Tasks))
	for i, t := range sweep.Tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("sweep file %s: task %d has no name", path, i)
		}
		if t.Executable == "" {
			return nil, fmt.Errorf("sweep file %s: task %q has no executable", path, t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("sweep file %s: duplicate task name %q", path, t.Name)
		}
		seen[t.Name] = true
	}
	return &sweep, nil
}
