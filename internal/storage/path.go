package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var keyComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// SnapshotKeys returns the stable key a snapshot is restored from and a
// timestamped archive key for the same snapshot. base looks like
// "index/vectors.parquet".
func SnapshotKeys(base string, at time.Time) (latest string, archive string, err error) {
	base = strings.Trim(strings.TrimSpace(base), "/")
	if base == "" {
		return "", "", fmt.Errorf("snapshot key is required")
	}
	dir, file := path.Split(base)
	for _, component := range strings.Split(strings.Trim(dir, "/"), "/") {
		if component == "" {
			continue
		}
		if err := validateKeyComponent(component, "snapshot directory"); err != nil {
			return "", "", err
		}
	}
	if err := validateKeyComponent(file, "snapshot file name"); err != nil {
		return "", "", err
	}

	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	ts := at.UTC()
	archive = path.Join(dir, "archive", fmt.Sprintf("%s-%s%s", stem, ts.Format("20060102T150405Z"), ext))
	return base, archive, nil
}

func validateKeyComponent(value, field string) error {
	if !keyComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
