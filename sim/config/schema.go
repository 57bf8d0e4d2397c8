package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var schemaYAML []byte

// Scalar types.
const (
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeString = "string"
)

// ScalarSpec bounds one scalar key. Min and Max are optional.
type ScalarSpec struct {
	Type    string   `yaml:"type"`
	Min     *float64 `yaml:"min"`
	Max     *float64 `yaml:"max"`
	Default any      `yaml:"default"`
	Help    string   `yaml:"help"`
}

// RangeSpec bounds a [low, high, step] triple.
type RangeSpec struct {
	Type    string  `yaml:"type"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	MinStep float64 `yaml:"min_step"`
}

// EnumSpec lists the allowed values of a key.
type EnumSpec struct {
	Values  []string `yaml:"values"`
	Default string   `yaml:"default"`
}

// Schema is the parameter schema of the run configuration.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Schema struct {
	Version      string                `yaml:"version"`
	Scalars      map[string]ScalarSpec `yaml:"scalars"`
	Enums        map[string]EnumSpec   `yaml:"enums"`
	Ranges       map[string]RangeSpec  `yaml:"ranges"`
	OpenPrefixes []string              `yaml:"open_prefixes"`
}

// DefaultSchema parses the embedded schema.
func DefaultSchema() (*Schema, error) {
	return ParseSchema(schemaYAML)
}

// ParseSchema parses a schema document with strict field checking.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	for key, sc := range s.Scalars {
		switch sc.Type {
		case TypeInt, TypeFloat, TypeBool, TypeString:
		default:
			return nil, fmt.Errorf("schema %s: unknown type %q", key, sc.Type)
		}
		if err := sc.check(key, sc.Default); err != nil {
			return nil, fmt.Errorf("schema %s: default: %w", key, err)
		}
	}
	for key, e := range s.Enums {
		if !contains(e.Values, e.Default) {
			return nil, fmt.Errorf("schema %s: default %q not in %v", key, e.Default, e.Values)
		}
	}
	return &s, nil
}

// Defaults returns every key with a default value.
func (s *Schema) Defaults() map[string]any {
	d := make(map[string]any, len(s.Scalars)+len(s.Enums))
	for k, sc := range s.Scalars {
		d[k] = sc.Default
	}
	for k, e := range s.Enums {
		d[k] = e.Default
	}
	return d
}

// Known reports whether key is declared or lives under an open prefix.
func (s *Schema) Known(key string) bool {
	if _, ok := s.Scalars[key]; ok {
		return true
	}
	if _, ok := s.Enums[key]; ok {
		return true
	}
	if _, ok := s.Ranges[key]; ok {
		return true
	}
	for _, p := range s.OpenPrefixes {
		if strings.HasPrefix(key, p+".") {
			return true
		}
	}
	return false
}

// check converts v to the scalar type and applies the bounds.
func (sc ScalarSpec) check(key string, v any) error {
	switch sc.Type {
	case TypeBool:
		_, err := cast.ToBoolE(v)
		return err
	case TypeString:
		_, err := cast.ToStringE(v)
		return err
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return fmt.Errorf("want %s: %w", sc.Type, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("value %v is not finite", v)
	}
	if sc.Type == TypeInt && f != math.Trunc(f) {
		return fmt.Errorf("want int, got %v", v)
	}
	if sc.Min != nil && f < *sc.Min {
		return fmt.Errorf("value %v below minimum %v", v, *sc.Min)
	}
	if sc.Max != nil && f > *sc.Max {
		return fmt.Errorf("value %v above maximum %v", v, *sc.Max)
	}
	return nil
}

// checkRange validates a [low, high, step] triple.
func (rs RangeSpec) checkRange(v any) (low, high, step float64, err error) {
	vals, err := cast.ToSliceE(v)
	if err != nil || len(vals) != 3 {
		return 0, 0, 0, fmt.Errorf("want [low, high, step], got %v", v)
	}
	triple := make([]float64, 3)
	for i, x := range vals {
		f, err := cast.ToFloat64E(x)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("element %d: %w", i, err)
		}
		if rs.Type == TypeInt && f != math.Trunc(f) {
			return 0, 0, 0, fmt.Errorf("element %d: want int, got %v", i, x)
		}
		triple[i] = f
	}
	low, high, step = triple[0], triple[1], triple[2]
	switch {
	case low < rs.Min || high > rs.Max:
		return 0, 0, 0, fmt.Errorf("[%v, %v] outside [%v, %v]", low, high, rs.Min, rs.Max)
	case high < low:
		return 0, 0, 0, fmt.Errorf("high %v < low %v", high, low)
	case high > low && step < rs.MinStep:
		return 0, 0, 0, fmt.Errorf("step %v below minimum %v", step, rs.MinStep)
	}
	return low, high, step, nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
