package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

const uriScheme = "s3://"

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ParseObjectURI returns the object key of an s3://<key> location. Local
// paths report ok=false.
func ParseObjectURI(raw string) (key string, ok bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(raw), uriScheme) {
		return "", false
	}
	return strings.TrimPrefix(raw[len(uriScheme):], "/"), true
}

func BuildDatasetKey(fileName string) (string, error) {
	if err := validatePathComponent(fileName, "dataset file name"); err != nil {
		return "", err
	}
	return path.Join("datasets", fileName), nil
}

func BuildSnapshotKey(table string, takenAt time.Time) (string, error) {
	if err := validatePathComponent(table, "table name"); err != nil {
		return "", err
	}
	ts := takenAt.UTC()
	return path.Join(
		"snapshots",
		strings.ToLower(table),
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s-%s.parquet", strings.ToLower(table), ts.Format("150405")),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
