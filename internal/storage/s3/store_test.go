package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/callquery/callquery/internal/storage"
)

func TestPutUsesPrefixAndNormalizedKey(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "callquery/prod", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	info, err := store.Put(context.Background(), "/emergency_calls/date=2025-01-02/batch-0.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{ContentType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.lastPutBucket != "bucket-a" {
		t.Fatalf("bucket = %q", fake.lastPutBucket)
	}
	if fake.lastPutKey != "callquery/prod/emergency_calls/date=2025-01-02/batch-0.parquet" {
		t.Fatalf("key = %q", fake.lastPutKey)
	}
	if info.Key != "emergency_calls/date=2025-01-02/batch-0.parquet" {
		t.Fatalf("info.Key = %q", info.Key)
	}
}

func TestPutRejectsPathTraversal(t *testing.T) {
	store, err := NewWithClient("bucket-a", "", &fakeClient{})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	_, err = store.Put(context.Background(), "../secrets.txt", bytes.NewBufferString("x"), 1, storage.PutOptions{})
	if err == nil {
		t.Fatal("expected path traversal validation error")
	}
}

func TestGetMapsNotFound(t *testing.T) {
	store, err := NewWithClient("bucket-a", "", &fakeClient{getErr: storage.ErrObjectNotFound})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if _, err := store.Get(context.Background(), "missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestListStripsPrefixAndSorts(t *testing.T) {
	fake := &fakeClient{objects: []storage.ObjectInfo{
		{Key: "callquery/emergency_calls/date=2025-01-02/batch-500.parquet", Size: 20},
		{Key: "callquery/emergency_calls/date=2025-01-01/batch-0.parquet", Size: 10},
	}}
	store, err := NewWithClient("bucket-a", "callquery", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	objects, err := store.List(context.Background(), "emergency_calls/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if fake.lastListPrefix != "callquery/emergency_calls/" {
		t.Fatalf("list prefix = %q", fake.lastListPrefix)
	}
	if len(objects) != 2 {
		t.Fatalf("len(List()) = %d", len(objects))
	}
	if objects[0].Key != "emergency_calls/date=2025-01-01/batch-0.parquet" || objects[0].Size != 10 {
		t.Fatalf("objects[0] = %#v", objects[0])
	}
}

func TestListMissingBucketIsEmpty(t *testing.T) {
	store, err := NewWithClient("bucket-a", "", &fakeClient{listErr: storage.ErrObjectNotFound})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	objects, err := store.List(context.Background(), "emergency_calls/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("List() = %#v", objects)
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeClient{bucketExists: false}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if !fake.createBucketCalled {
		t.Fatal("expected CreateBucket to be called")
	}
}

func TestParseEndpoint(t *testing.T) {
	endpoint, secure, err := parseEndpoint("https://minio.example.com", false)
	if err != nil {
		t.Fatalf("parseEndpoint() error = %v", err)
	}
	if endpoint != "minio.example.com" || !secure {
		t.Fatalf("endpoint/secure = %q/%v", endpoint, secure)
	}
	endpoint, secure, err = parseEndpoint("localhost:9000", false)
	if err != nil {
		t.Fatalf("parseEndpoint() error = %v", err)
	}
	if endpoint != "localhost:9000" || secure {
		t.Fatalf("endpoint/secure = %q/%v", endpoint, secure)
	}
}

type fakeClient struct {
	lastPutBucket      string
	lastPutKey         string
	lastListPrefix     string
	bucketExists       bool
	createBucketCalled bool
	objects            []storage.ObjectInfo
	getErr             error
	listErr            error
}

func (f *fakeClient) Put(_ context.Context, bucket, key string, reader io.Reader, size int64, _ string) (storage.ObjectInfo, error) {
	f.lastPutBucket = bucket
	f.lastPutKey = key
	_, _ = io.Copy(io.Discard, reader)
	return storage.ObjectInfo{Key: key, Size: size, ETag: "etag-1", LastModified: time.Now().UTC()}, nil
}

func (f *fakeClient) Get(_ context.Context, _, key string) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return io.NopCloser(strings.NewReader(key)), nil
}

func (f *fakeClient) List(_ context.Context, _, prefix string) ([]storage.ObjectInfo, error) {
	f.lastListPrefix = prefix
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.objects, nil
}

func (f *fakeClient) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeClient) CreateBucket(_ context.Context, _, _ string) error {
	f.createBucketCalled = true
	return nil
}
