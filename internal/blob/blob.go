// Package blob exposes the archive sink used by post-commit background tasks
// to store committed effect batches. Other packages depend on the Store
// interface; the infra backends are wrapped only here.
package blob

import (
	"context"
	"fmt"
	"os"
	"strings"

	"billingcore/internal/blob/core"
	blobfs "billingcore/internal/infra/blob/fs"
	blobmem "billingcore/internal/infra/blob/memory"
	blobs3 "billingcore/internal/infra/blob/s3"
)

type (
	// Driver identifies a concrete blob backend.
	Driver = core.Driver
	// PutOptions carries optional Put parameters.
	PutOptions = core.PutOptions
	// Info describes a stored artifact.
	Info = core.Info
	// Store is the archive sink.
	Store = core.Store
)

// Driver identifiers re-exported for callers of Open.
const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// NewMemory returns the in-memory backend.
func NewMemory() Store { return blobmem.New() }

// NewFilesystem returns the filesystem backend rooted at dir.
func NewFilesystem(dir string) (Store, error) { return blobfs.New(dir) }

// S3Config aliases the s3 backend configuration.
type S3Config = blobs3.Config

// NewS3 returns the S3 backend.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) { return blobs3.New(ctx, cfg) }

// Open selects a backend from environment variables.
//
//	BILLINGCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	BILLINGCORE_BLOB_FS_ROOT: root directory for the fs driver
//	BILLINGCORE_BLOB_S3_BUCKET / _REGION / _ENDPOINT / _PATH_STYLE: s3 driver
func Open(ctx context.Context) (Store, error) {
	driver := Driver(os.Getenv("BILLINGCORE_BLOB_DRIVER"))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFilesystem:
		root := os.Getenv("BILLINGCORE_BLOB_FS_ROOT")
		if root == "" {
			root = "./billingcore-archive"
		}
		return NewFilesystem(root)
	case DriverS3:
		bucket := os.Getenv("BILLINGCORE_BLOB_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("BILLINGCORE_BLOB_S3_BUCKET required for s3 driver")
		}
		return NewS3(ctx, S3Config{
			Bucket:    bucket,
			Region:    os.Getenv("BILLINGCORE_BLOB_S3_REGION"),
			Endpoint:  os.Getenv("BILLINGCORE_BLOB_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("BILLINGCORE_BLOB_S3_PATH_STYLE"), "true"),
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
