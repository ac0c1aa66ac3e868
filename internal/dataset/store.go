// Package dataset persists the contribution dataset as a JSON file.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"contribtrend/internal/domain"
)

// CorruptDatasetError indicates the dataset file exists but does not parse
// into the expected shape. There is no auto-repair.
type CorruptDatasetError struct {
	Path string
	Err  error
}

func (e *CorruptDatasetError) Error() string {
	return fmt.Sprintf("corrupt dataset file %s: %v", e.Path, e.Err)
}

func (e *CorruptDatasetError) Unwrap() error { return e.Err }

// fileFormat is the on-disk shape. Month keys are "YYYY-MM" strings so the
// file stays human-readable and diff-friendly; encoding/json sorts map keys,
// which gives the stable ordering the format requires.
type fileFormat struct {
	CompleteMonths map[string][]string       `json:"complete_months"`
	Authors        map[string]map[string]int `json:"authors"`
}

// Load reads the dataset at path. A missing file yields an empty dataset.
func Load(path string) (*domain.Dataset, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return domain.NewDataset(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, &CorruptDatasetError{Path: path, Err: err}
	}

	ds := domain.NewDataset()
	for ms, repos := range ff.CompleteMonths {
		m, err := domain.ParseMonth(ms)
		if err != nil {
			return nil, &CorruptDatasetError{Path: path, Err: err}
		}
		sorted := slices.Clone(repos)
		slices.Sort(sorted)
		ds.Complete[m] = slices.Compact(sorted)
	}
	for author, counts := range ff.Authors {
		if author == "" {
			return nil, &CorruptDatasetError{Path: path, Err: fmt.Errorf("empty author login")}
		}
		for ms, n := range counts {
			m, err := domain.ParseMonth(ms)
			if err != nil {
				return nil, &CorruptDatasetError{Path: path, Err: err}
			}
			if n < 0 {
				return nil, &CorruptDatasetError{Path: path, Err: fmt.Errorf("negative count %d for %s in %s", n, author, ms)}
			}
			if _, ok := ds.Authors[author]; !ok {
				ds.Authors[author] = make(map[domain.Month]int, len(counts))
			}
			ds.Authors[author][m] = n
		}
		if _, ok := ds.Authors[author]; !ok {
			ds.Authors[author] = make(map[domain.Month]int)
		}
	}
	return ds, nil
}

// Save serializes the dataset and replaces the file at path. The new content
// is written to a temporary file in the same directory and renamed over the
// target, so a failure mid-write never truncates the previous file.
func Save(path string, ds *domain.Dataset) error {
	ff := fileFormat{
		CompleteMonths: make(map[string][]string, len(ds.Complete)),
		Authors:        make(map[string]map[string]int, len(ds.Authors)),
	}
	for m, repos := range ds.Complete {
		sorted := slices.Clone(repos)
		slices.Sort(sorted)
		ff.CompleteMonths[m.String()] = sorted
	}
	for author, counts := range ds.Authors {
		out := make(map[string]int, len(counts))
		for m, n := range counts {
			out[m.String()] = n
		}
		ff.Authors[author] = out
	}

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dataset-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary dataset file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temporary dataset file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to set dataset file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace dataset file: %w", err)
	}
	return nil
}
