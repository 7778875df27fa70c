// Package core defines the shared abstractions for blob archive backends.
package core

import (
	"context"
	"io"
	"time"
)

// Driver identifies a concrete blob backend.
type Driver string

const (
	// DriverFilesystem stores artifacts under a local directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 stores artifacts in an S3-compatible bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps artifacts in process memory (tests).
	DriverMemory Driver = "memory"
)

// PutOptions carries optional Put parameters.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored artifact.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is the archive sink. Put is create-only: archives are immutable once
// written.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	Driver() Driver
}
