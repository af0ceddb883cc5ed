package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/dispatch/internal/workflow"
)

// LoadWorkflowFile reads a single workflow definition from a YAML file.
// Unknown fields are rejected. A definition without an id takes the file
// name without its extension.
func LoadWorkflowFile(path string) (workflow.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("opening workflow file: %w", err)
	}
	defer f.Close()

	def, err := DecodeWorkflow(f)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// DecodeWorkflow decodes one YAML workflow definition from r.
func DecodeWorkflow(r io.Reader) (workflow.Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def workflow.Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return workflow.Definition{}, errors.New("empty workflow definition")
		}
		return workflow.Definition{}, err
	}
	return def, nil
}

// SaveWorkflowFile writes def as YAML to path.
func SaveWorkflowFile(def workflow.Definition, path string) error {
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling workflow %s: %w", def.ID, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing workflow to %s: %w", path, err)
	}
	return nil
}
