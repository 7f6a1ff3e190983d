package templatefile

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// document is the on-disk layout:
//
//	parameters:
//	  StudentBasePrompt: |
//	    You are tutoring {{StudentName}}. Keep in mind: {{StudentConditions}}
type document struct {
	Parameters map[string]string `yaml:"parameters"`
}

// Store serves named configuration values loaded from a YAML file.
type Store struct {
	values map[string]string
}

// Load reads and parses the file at path.
func Load(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("templatefile: path must not be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templatefile: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Store, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("templatefile: unmarshal: %w", err)
	}
	values := make(map[string]string, len(doc.Parameters))
	for k, v := range doc.Parameters {
		values[strings.TrimSpace(k)] = v
	}
	return &Store{values: values}, nil
}

func (s *Store) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := s.values[strings.TrimSpace(name)]
	return v, ok, nil
}
