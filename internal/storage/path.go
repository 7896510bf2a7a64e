package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildArchivePath returns
// "<dataset>/date=YYYY-MM-DD/batch-<run unix seconds>-<offset>.parquet" for a
// sync batch that started at offset within a run begun at runStart (UTC).
func BuildArchivePath(dataset string, runStart time.Time, offset int) (string, error) {
	if err := validatePathComponent(dataset, "dataset"); err != nil {
		return "", err
	}
	if offset < 0 {
		return "", fmt.Errorf("offset must be >= 0")
	}
	ts := runStart.UTC()
	return path.Join(
		dataset,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("batch-%d-%d.parquet", ts.Unix(), offset),
	), nil
}

// ArchivePrefix is the listing prefix covering every batch of dataset.
func ArchivePrefix(dataset string) (string, error) {
	if err := validatePathComponent(dataset, "dataset"); err != nil {
		return "", err
	}
	return dataset + "/", nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
