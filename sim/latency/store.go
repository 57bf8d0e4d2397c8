package latency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Save writes coeffs to path. The file is written to a temporary sibling and
// renamed into place, so a concurrent Load sees either the old or the new set.
func Save(path string, coeffs *Coefficients) error {
	if coeffs == nil {
		return fmt.Errorf("save coefficients: %w", ErrCoefficientsUnset)
	}
	if err := coeffs.Validate(); err != nil {
		return fmt.Errorf("save coefficients: %w", err)
	}
	data, err := json.MarshalIndent(coeffs, "", "  ")
	if err != nil {
		return fmt.Errorf("save coefficients: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save coefficients: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("save coefficients: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("save coefficients: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save coefficients: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save coefficients: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save coefficients: %w", err)
	}
	return nil
}

// Load reads and validates a coefficient artefact. Unknown keys are rejected.
func Load(path string) (*Coefficients, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load coefficients: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var c Coefficients
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("load coefficients %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("load coefficients %s: %w", path, err)
	}
	return &c, nil
}

// LoadModel loads path and builds a Model from it.
func LoadModel(path string) (*Model, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewModel(*c)
}
