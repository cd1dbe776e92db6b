package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/sqlrag/sqlrag/internal/storage"
)

type snapshotRow struct {
	Collection   string    `parquet:"collection"`
	RecordID     string    `parquet:"record_id"`
	Vector       []float32 `parquet:"vector"`
	MetadataJSON string    `parquet:"metadata_json"`
}

type SnapshotResult struct {
	Key         string
	ArchiveKey  string
	RecordCount int
	Bytes       int64
}

// Snapshotter persists a MemoryIndex to an object store as a Parquet file so
// an in-process index survives restarts.
type Snapshotter struct {
	index  *MemoryIndex
	store  storage.ObjectStore
	key    string
	logger *slog.Logger
	now    func() time.Time
}

func NewSnapshotter(index *MemoryIndex, store storage.ObjectStore, key string, logger *slog.Logger) (*Snapshotter, error) {
	if index == nil || store == nil {
		return nil, fmt.Errorf("index and object store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, _, err := storage.SnapshotKeys(key, time.Now()); err != nil {
		return nil, err
	}
	return &Snapshotter{index: index, store: store, key: key, logger: logger, now: time.Now}, nil
}

// Save writes the current index content to the stable key and to a
// timestamped archive key.
func (s *Snapshotter) Save(ctx context.Context) (SnapshotResult, error) {
	latest, archive, err := storage.SnapshotKeys(s.key, s.now())
	if err != nil {
		return SnapshotResult{}, err
	}
	data, count, err := EncodeSnapshot(s.index.Dump())
	if err != nil {
		return SnapshotResult{}, err
	}

	// TODO: prune old archive objects once storage.ObjectStore can list keys.
	for _, key := range []string{archive, latest} {
		if _, err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/vnd.apache.parquet"}); err != nil {
			return SnapshotResult{}, fmt.Errorf("upload snapshot: %w", err)
		}
	}
	s.logger.Info("vector index snapshot saved",
		slog.String("key", latest),
		slog.String("archive_key", archive),
		slog.Int("records", count),
		slog.Int("bytes", len(data)),
	)
	return SnapshotResult{Key: latest, ArchiveKey: archive, RecordCount: count, Bytes: int64(len(data))}, nil
}

// Restore loads the latest snapshot into the index. A missing snapshot is not
// an error; restored reports whether anything was loaded.
func (s *Snapshotter) Restore(ctx context.Context) (restored bool, err error) {
	latest, _, err := storage.SnapshotKeys(s.key, s.now())
	if err != nil {
		return false, err
	}
	info, err := s.store.Stat(ctx, latest)
	if errors.Is(err, storage.ErrObjectNotFound) {
		s.logger.Info("no vector index snapshot found", slog.String("key", latest))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat snapshot: %w", err)
	}

	reader, err := s.store.Get(ctx, latest)
	if err != nil {
		return false, fmt.Errorf("download snapshot: %w", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	collections, err := DecodeSnapshot(data)
	if err != nil {
		return false, err
	}
	if err := s.index.Load(collections); err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	s.logger.Info("vector index snapshot restored",
		slog.String("key", latest),
		slog.Int64("bytes", info.Size),
		slog.Time("last_modified", info.LastModified),
	)
	return true, nil
}

// EncodeSnapshot serialises collections into Parquet. Rows are sorted by
// collection and id so identical content produces identical files.
func EncodeSnapshot(collections map[string][]Record) ([]byte, int, error) {
	rows := make([]snapshotRow, 0)
	for name, records := range collections {
		for _, rec := range records {
			metadataJSON, err := json.Marshal(rec.Metadata)
			if err != nil {
				return nil, 0, fmt.Errorf("marshal metadata for %s/%s: %w", name, rec.ID, err)
			}
			rows = append(rows, snapshotRow{
				Collection:   name,
				RecordID:     rec.ID,
				Vector:       rec.Vector,
				MetadataJSON: string(metadataJSON),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Collection == rows[j].Collection {
			return rows[i].RecordID < rows[j].RecordID
		}
		return rows[i].Collection < rows[j].Collection
	})

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[snapshotRow](buf)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, 0, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), len(rows), nil
}

func DecodeSnapshot(data []byte) (map[string][]Record, error) {
	reader := parquet.NewGenericReader[snapshotRow](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]snapshotRow, reader.NumRows())
	if len(rows) > 0 {
		n, err := reader.Read(rows)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		rows = rows[:n]
	}

	out := make(map[string][]Record)
	for _, row := range rows {
		var md Metadata
		if row.MetadataJSON != "" && row.MetadataJSON != "null" {
			if err := json.Unmarshal([]byte(row.MetadataJSON), &md); err != nil {
				return nil, fmt.Errorf("decode metadata for %s/%s: %w", row.Collection, row.RecordID, err)
			}
		}
		out[row.Collection] = append(out[row.Collection], Record{ID: row.RecordID, Vector: row.Vector, Metadata: md})
	}
	return out, nil
}
