package dataset

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/calldataai/calldata/internal/storage"
)

func TestNewSourceResolvesLocalAndObjectPaths(t *testing.T) {
	src, err := NewSource("wandsworth_callcenter_sampled.csv", nil)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if _, ok := src.(FileSource); !ok {
		t.Fatalf("NewSource() = %T, want FileSource", src)
	}

	store := &fakeStore{objects: map[string]string{}}
	src, err = NewSource("s3://datasets/calls.csv", store)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	object, ok := src.(ObjectSource)
	if !ok || object.Key != "datasets/calls.csv" {
		t.Fatalf("NewSource() = %#v", src)
	}
	if src.Name() != "s3://datasets/calls.csv" {
		t.Fatalf("Name() = %q", src.Name())
	}
}

func TestNewSourceRequiresStoreForObjectPaths(t *testing.T) {
	if _, err := NewSource("s3://datasets/calls.csv", nil); err == nil {
		t.Fatal("expected missing store error")
	}
	if _, err := NewSource("s3://", &fakeStore{}); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := NewSource(" ", nil); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestObjectSourceReadsTable(t *testing.T) {
	store := &fakeStore{objects: map[string]string{
		"datasets/calls.csv": "REQUESTID,STATUS\n1,Resolved\n2,In Progress\n",
	}}
	src := ObjectSource{Store: store, Key: "datasets/calls.csv"}
	if err := src.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	table, err := ReadTable(context.Background(), src)
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}
	if table.Len() != 2 || table.Rows[1][1] != "In Progress" {
		t.Fatalf("table = %#v", table)
	}
}

func TestObjectSourceCheckMissingObject(t *testing.T) {
	src := ObjectSource{Store: &fakeStore{objects: map[string]string{}}, Key: "datasets/none.csv"}
	if err := src.Check(context.Background()); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Check() error = %v, want ErrObjectNotFound", err)
	}
}

func TestFileSourceCheck(t *testing.T) {
	if err := (FileSource{Path: "testdata/calls.csv"}).Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if err := (FileSource{Path: "testdata"}).Check(context.Background()); err == nil {
		t.Fatal("expected directory error")
	}
}

type fakeStore struct {
	objects map[string]string
}

func (f *fakeStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	f.objects[key] = string(raw)
	return storage.ObjectInfo{Key: key, Size: int64(len(raw))}, nil
}

func (f *fakeStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	body, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}
