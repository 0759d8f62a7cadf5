// Package storage binds the remote operations of a multipart upload: creating the upload,
// issuing one pre-signed URL per part, completing and aborting the upload.
package storage

import (
	"context"

	"github.com/gostones/s3queue/internal/types"
)

// Backend is the remote side of a multipart upload. The bucket is fixed at construction.
type Backend interface {
	// CreateMultipartUpload starts an upload for key and returns its upload id.
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	// GetUploadPartURL returns a pre-signed PUT URL for one part. contentMD5 is optional;
	// when set it is signed and must be sent as the Content-MD5 header.
	GetUploadPartURL(ctx context.Context, key, uploadID string, partNumber int, contentMD5 string) (string, error)
	// CompleteMultipartUpload assembles the parts, which must be ordered by part number.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (*types.CompleteUploadData, error)
	// AbortMultipartUpload releases the upload. Aborting an unknown upload is not an error.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}
