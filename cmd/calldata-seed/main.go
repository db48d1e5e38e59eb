package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/calldataai/calldata/internal/config"
	"github.com/calldataai/calldata/internal/dataset"
	"github.com/calldataai/calldata/internal/query/relational"
	"github.com/calldataai/calldata/internal/storage"
	s3store "github.com/calldataai/calldata/internal/storage/s3"
)

func main() {
	snapshot := flag.Bool("snapshot", false, "export the dataset as a parquet snapshot to the object store")
	upload := flag.Bool("upload", false, "upload a local dataset CSV to the object store")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall timeout")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("calldata-seed")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var objectStore storage.ObjectStore
	if *snapshot || *upload || dataset.IsObjectPath(cfg.Dataset.Path) {
		objectStore, err = s3store.New(ctx, cfg.ObjectStore)
		if err != nil {
			fmt.Fprintf(os.Stderr, "object store error: %v\n", err)
			os.Exit(1)
		}
	}

	source, err := dataset.NewSource(cfg.Dataset.Path, objectStore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dataset error: %v\n", err)
		os.Exit(1)
	}
	table, err := dataset.ReadTable(ctx, source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read dataset: %v\n", err)
		os.Exit(1)
	}

	cfg.Relational.ReadOnly = false
	db, err := relational.Open(ctx, cfg.Relational)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relational store error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	inserted, err := relational.Seed(ctx, db, cfg.Relational.Driver, cfg.Relational.Table, table)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded %d row(s) into %s\n", inserted, cfg.Relational.Table)

	if *upload {
		if dataset.IsObjectPath(cfg.Dataset.Path) {
			fmt.Fprintln(os.Stderr, "dataset already lives in the object store; nothing to upload")
			os.Exit(1)
		}
		key, err := uploadDataset(ctx, objectStore, cfg.Dataset.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("uploaded dataset to s3://%s\n", key)
	}

	if *snapshot {
		key, rows, err := exportSnapshot(ctx, objectStore, cfg.Relational.Table, table)
		if err != nil {
			fmt.Fprintf(os.Stderr, "snapshot failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %d row(s) to s3://%s\n", rows, key)
	}
}

func uploadDataset(ctx context.Context, store storage.ObjectStore, path string) (string, error) {
	key, err := storage.BuildDatasetKey(filepath.Base(path))
	if err != nil {
		return "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	if _, err := store.Put(ctx, key, file, info.Size(), storage.PutOptions{ContentType: "text/csv"}); err != nil {
		return "", err
	}
	return key, nil
}

func exportSnapshot(ctx context.Context, store storage.ObjectStore, tableName string, table dataset.Table) (string, int64, error) {
	key, err := storage.BuildSnapshotKey(tableName, time.Now())
	if err != nil {
		return "", 0, err
	}
	var buf bytes.Buffer
	rows, err := dataset.WriteParquet(&buf, table)
	if err != nil {
		return "", 0, err
	}
	if _, err := store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), storage.PutOptions{ContentType: "application/vnd.apache.parquet"}); err != nil {
		return "", 0, err
	}
	return key, rows, nil
}
