package storage

import (
	"testing"
	"time"
)

func TestSnapshotKeys(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 4, 5, 6, 0, time.FixedZone("x", -5*3600))
	latest, archive, err := SnapshotKeys("/index/vectors.parquet", ts)
	if err != nil {
		t.Fatalf("SnapshotKeys() error = %v", err)
	}
	if latest != "index/vectors.parquet" {
		t.Fatalf("latest = %q", latest)
	}
	if archive != "index/archive/vectors-20260219T090506Z.parquet" {
		t.Fatalf("archive = %q", archive)
	}
}

func TestSnapshotKeysWithoutDirectory(t *testing.T) {
	latest, archive, err := SnapshotKeys("vectors.parquet", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("SnapshotKeys() error = %v", err)
	}
	if latest != "vectors.parquet" || archive != "archive/vectors-19700101T000000Z.parquet" {
		t.Fatalf("latest/archive = %q/%q", latest, archive)
	}
}

func TestSnapshotKeysRejectsInvalidNames(t *testing.T) {
	for _, key := range []string{"", "   ", "index/../vectors.parquet", "index/.hidden"} {
		if _, _, err := SnapshotKeys(key, time.Now()); err == nil {
			t.Fatalf("SnapshotKeys(%q) expected error", key)
		}
	}
}
