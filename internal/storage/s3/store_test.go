package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sqlrag/sqlrag/internal/storage"
)

func TestPutJoinsPrefixAndCleansKey(t *testing.T) {
	fake := newFakeAPI()
	store, err := NewWithAPI("snapshots", "/sqlrag/prod/", fake)
	if err != nil {
		t.Fatalf("NewWithAPI() error = %v", err)
	}

	_, err = store.Put(context.Background(), "/index//vectors.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{ContentType: "application/vnd.apache.parquet"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := fake.objects["snapshots/sqlrag/prod/index/vectors.parquet"]; !ok {
		t.Fatalf("objects = %v", fake.keys())
	}
}

func TestObjectKeyRejectsTraversal(t *testing.T) {
	store, _ := NewWithAPI("snapshots", "", newFakeAPI())
	for _, key := range []string{"", "../secrets", "..", "a/../../b"} {
		if _, err := store.objectKey(key); err == nil {
			t.Fatalf("objectKey(%q) expected error", key)
		}
	}
}

func TestGetAndStatMapMissingObjects(t *testing.T) {
	store, _ := NewWithAPI("snapshots", "", newFakeAPI())
	if _, err := store.Get(context.Background(), "missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := store.Stat(context.Background(), "missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat() error = %v", err)
	}
}

func TestGetReturnsStoredBody(t *testing.T) {
	fake := newFakeAPI()
	store, _ := NewWithAPI("snapshots", "team", fake)
	if _, err := store.Put(context.Background(), "a.bin", strings.NewReader("payload"), 7, storage.PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	reader, err := store.Get(context.Background(), "a.bin")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = reader.Close() }()
	body, _ := io.ReadAll(reader)
	if string(body) != "payload" {
		t.Fatalf("body = %q", body)
	}
	info, err := store.Stat(context.Background(), "a.bin")
	if err != nil || info.Size != 7 {
		t.Fatalf("Stat() = %+v, %v", info, err)
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := newFakeAPI()
	store, _ := NewWithAPI("snapshots", "", fake)
	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if fake.madeBucket != "snapshots" {
		t.Fatalf("madeBucket = %q", fake.madeBucket)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
	}{
		{raw: "https://minio.example.com", wantHost: "minio.example.com", wantSecure: true},
		{raw: "http://minio:9000", useSSL: false, wantHost: "minio:9000", wantSecure: false},
		{raw: "localhost:9000", useSSL: true, wantHost: "localhost:9000", wantSecure: true},
	}
	for _, tc := range tests {
		host, secure, err := parseEndpoint(tc.raw, tc.useSSL)
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tc.raw, err)
		}
		if host != tc.wantHost || secure != tc.wantSecure {
			t.Fatalf("parseEndpoint(%q) = %q/%v", tc.raw, host, secure)
		}
	}
}

type fakeAPI struct {
	objects    map[string][]byte
	madeBucket string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte)}
}

func (f *fakeAPI) keys() []string {
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func (f *fakeAPI) PutObject(_ context.Context, bucket, key string, reader io.Reader, _ int64, _ string) (storage.ObjectInfo, error) {
	body, err := io.ReadAll(reader)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	f.objects[bucket+"/"+key] = body
	return storage.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeAPI) StatObject(_ context.Context, bucket, key string) (storage.ObjectInfo, error) {
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}

func (f *fakeAPI) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.madeBucket == bucket, nil
}

func (f *fakeAPI) MakeBucket(_ context.Context, bucket, _ string) error {
	f.madeBucket = bucket
	return nil
}
