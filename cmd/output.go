package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// outputDir is the timestamped directory one run writes its artefacts into.
type outputDir struct {
	Path string
}

// newOutputDir creates <base>/<runType>-<timestamp>-<short id>.
func newOutputDir(base, runType string, now time.Time) (*outputDir, error) {
	name := fmt.Sprintf("%s-%s-%s", runType, now.Format("20060102-150405"), uuid.NewString()[:8])
	path := filepath.Join(base, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	logrus.Infof("writing results to %s", path)
	return &outputDir{Path: path}, nil
}

func (o *outputDir) file(name string) string {
	return filepath.Join(o.Path, name)
}

// writeJSON writes v as indented JSON to name inside the directory.
func (o *outputDir) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(o.file(name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
