// internal/workflow/load.go
package workflow

import (
	"bytes"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Load reads, decodes and validates a workflow file. YAML and JSON are both
// accepted since the YAML decoder parses JSON documents as well.
func Load(path string) (*Spec, error) {
	resolved, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("could not resolve workflow path '%s': %w", path, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", resolved, err)
	}
	return spec, nil
}

// Parse decodes and validates a workflow document.
func Parse(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Marshal encodes the spec back to YAML.
func Marshal(spec *Spec) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(spec); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
