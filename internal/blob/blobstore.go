// Package blob stores exported pipeline artifacts (mapping tables, run
// reports) behind a thin S3-like abstraction so deployments can keep them on
// local disk, in S3/MinIO, or in memory for tests.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete artifact storage backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"     // local filesystem (default, dev)
	DriverS3         Driver = "s3"     // S3 / MinIO compatible
	DriverMemory     Driver = "memory" // in-memory (tests)
)

// Info describes a stored artifact.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the artifact storage contract. Unlike a content-addressed blob
// store, Put replaces any existing artifact at the key: mapping tables are
// re-exported wholesale after every committed stage.
type Store interface {
	// Put stores the artifact at key, replacing any previous version.
	Put(ctx context.Context, key string, r io.Reader) (Info, error)
	// Get retrieves the artifact contents. Returns ErrNotFound when missing.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes an artifact. Returns (false, nil) if not found.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns artifacts whose key has the provided prefix, ordered by key ascending.
	List(ctx context.Context, prefix string) ([]Info, error)
	// Driver returns the configured backend driver.
	Driver() Driver
}

// ErrNotFound is returned by Get when no artifact exists at the key.
var ErrNotFound = errors.New("blob: artifact not found")
