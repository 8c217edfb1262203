// Package store persists triage output: the JSON run report on disk, a
// batched PostgreSQL writer and a Redis alert publisher.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/1sec-project/sectriage/internal/pipeline"
)

// WriteReport writes report as indented JSON, creating parent directories.
func WriteReport(path string, report pipeline.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
