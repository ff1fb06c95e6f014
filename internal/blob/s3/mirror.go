package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// largeObjectThreshold is the payload size above which the mirror switches
// to the multipart upload manager.
const largeObjectThreshold = 8 * 1024 * 1024

// Mirror archives pinned metadata documents to an S3 bucket, keyed by
// content hash. The pinned copy stays authoritative; the mirror exists so a
// listing remains renderable even if a pinning provider garbage-collects.
type Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewMirror creates a Mirror writing under the given key prefix in the
// client's configured bucket.
func NewMirror(c *Client, prefix string) *Mirror {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "metadata"
	}
	return &Mirror{
		client: c.S3(),
		bucket: c.Bucket(),
		prefix: prefix,
	}
}

// MirrorMetadata stores the metadata document under its content address.
// Re-mirroring identical content overwrites the object with the same bytes,
// so the operation is idempotent.
func (m *Mirror) MirrorMetadata(ctx context.Context, contentURI string, data []byte) error {
	hash := strings.TrimPrefix(contentURI, "ipfs://")
	if hash == "" || strings.Contains(hash, "/") {
		return fmt.Errorf("s3blob: unexpected content uri %q", contentURI)
	}
	key := m.prefix + "/" + hash

	contentType := http.DetectContentType(data)

	if len(data) > largeObjectThreshold {
		uploader := manager.NewUploader(m.client)
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(m.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("s3blob: multipart mirror %s: %w", key, err)
		}
		return nil
	}

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: mirror %s: %w", key, err)
	}
	return nil
}
