// Copyright 2025 Certen Protocol

package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ubl-network/ubl-gate/pkg/policy"
)

// Grammar names the variables a stage needs bound before it can run.
type Grammar struct {
	Inputs []string `json:"inputs" yaml:"inputs"`
}

// Mapping copies a bound variable (optionally through a codec) into a named
// output field. From may use dot-notation to reach into a nested value,
// e.g. "__prev_output__.decision".
type Mapping struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Codec string `json:"codec,omitempty" yaml:"codec,omitempty"`
}

// Manifest describes one pipeline: how to parse raw inputs, which policy
// cascade gates the result, and how to render the final output.
type Manifest struct {
	Name           string         `json:"name" yaml:"name"`
	ParseGrammar   Grammar        `json:"parse_grammar" yaml:"parse_grammar"`
	ParseMappings  []Mapping      `json:"parse_mappings" yaml:"parse_mappings"`
	RenderGrammar  Grammar        `json:"render_grammar" yaml:"render_grammar"`
	RenderMappings []Mapping      `json:"render_mappings" yaml:"render_mappings"`
	Policy         policy.Cascade `json:"policy" yaml:"policy"`
}

// LoadManifestFile reads a YAML-authored pipeline manifest from disk.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pipeline: parse manifest %s: %w", path, err)
	}
	return &m, nil
}
