// Package workload produces the (input length, output length) tables the
// simulator consumes, and the inter-arrival samplers of the open-loop source.
package workload

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Item is one workload entry.
type Item struct {
	InputLen  int `json:"input_len" yaml:"input_len"`
	OutputLen int `json:"output_len" yaml:"output_len"`
}

// Workload is an ordered sequence of items, consumed front to back.
type Workload []Item

// Repeat returns a workload of n copies of (inputLen, outputLen).
func Repeat(inputLen, outputLen, n int) Workload {
	w := make(Workload, n)
	for i := range w {
		w[i] = Item{InputLen: inputLen, OutputLen: outputLen}
	}
	return w
}

// TotalOutputTokens sums OutputLen over the workload.
func (w Workload) TotalOutputTokens() int {
	total := 0
	for _, it := range w {
		total += it.OutputLen
	}
	return total
}

// Load reads a workload table from a .json or .csv file.
//
// JSON accepts either a list of [input, output] pairs or a list of
// {"input_len", "output_len"} objects. CSV expects two columns per row; a
// non-numeric first row is treated as a header.
func Load(path string) (Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workload %q: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return decodeJSON(f)
	case ".csv":
		return decodeCSV(f)
	default:
		return nil, fmt.Errorf("unsupported workload format %q (want .json or .csv)", filepath.Ext(path))
	}
}

func decodeJSON(r io.Reader) (Workload, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse workload JSON: %w", err)
	}
	w := make(Workload, 0, len(raw))
	for i, msg := range raw {
		var pair [2]int
		if err := json.Unmarshal(msg, &pair); err == nil {
			w = append(w, Item{InputLen: pair[0], OutputLen: pair[1]})
			continue
		}
		var it Item
		if err := json.Unmarshal(msg, &it); err != nil {
			return nil, fmt.Errorf("workload entry %d: %w", i, err)
		}
		w = append(w, it)
	}
	return w, nil
}

func decodeCSV(r io.Reader) (Workload, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse workload CSV: %w", err)
	}
	w := make(Workload, 0, len(records))
	for i, rec := range records {
		if len(rec) < 2 {
			return nil, fmt.Errorf("workload row %d: want 2 columns, got %d", i+1, len(rec))
		}
		in, errIn := strconv.Atoi(strings.TrimSpace(rec[0]))
		out, errOut := strconv.Atoi(strings.TrimSpace(rec[1]))
		if errIn != nil || errOut != nil {
			if i == 0 {
				continue // header
			}
			return nil, fmt.Errorf("workload row %d: non-integer lengths %q", i+1, rec[:2])
		}
		w = append(w, Item{InputLen: in, OutputLen: out})
	}
	return w, nil
}

// SynthSpec describes a synthetic workload.
type SynthSpec struct {
	Count      int      `json:"count" yaml:"count"`
	InputDist  DistSpec `json:"input_distribution" yaml:"input_distribution"`
	OutputDist DistSpec `json:"output_distribution" yaml:"output_distribution"`
}

// Generate draws spec.Count items. Deterministic for a given rng state.
func Generate(spec SynthSpec, rng *rand.Rand) (Workload, error) {
	if spec.Count <= 0 {
		return nil, fmt.Errorf("synthetic workload count must be positive, got %d", spec.Count)
	}
	in, err := NewLengthSampler(spec.InputDist)
	if err != nil {
		return nil, fmt.Errorf("input distribution: %w", err)
	}
	out, err := NewLengthSampler(spec.OutputDist)
	if err != nil {
		return nil, fmt.Errorf("output distribution: %w", err)
	}
	w := make(Workload, spec.Count)
	for i := range w {
		w[i] = Item{InputLen: in.Sample(rng), OutputLen: out.Sample(rng)}
	}
	return w, nil
}
