package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/grid/internal/data"
)

// SlotSpec declares slots a locally hosted node should expose: a stereotype,
// how many slots carry it, and which factory starts its sessions.
type SlotSpec struct {
	Stereotype data.Capabilities `yaml:"stereotype"`
	Count      int               `yaml:"count"`
	Factory    struct {
		Kind   string `yaml:"kind"` // test | process | container
		Driver string `yaml:"driver"`
		Image  string `yaml:"image"`
		Port   int    `yaml:"port"`
	} `yaml:"factory"`
}

type stereotypeFile struct {
	Slots []SlotSpec `yaml:"slots"`
}

// LoadStereotypes parses a node slot file.
func LoadStereotypes(path string) ([]SlotSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stereotype file: %w", err)
	}
	var parsed stereotypeFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse stereotype file %s: %w", path, err)
	}
	specs := make([]SlotSpec, 0, len(parsed.Slots))
	for i, spec := range parsed.Slots {
		if len(spec.Stereotype) == 0 {
			return nil, fmt.Errorf("slot %d in %s has an empty stereotype", i, path)
		}
		if spec.Count <= 0 {
			spec.Count = 1
		}
		if spec.Factory.Kind == "" {
			spec.Factory.Kind = "test"
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
