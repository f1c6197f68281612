package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/netopslab/fwupgrade/internal/config"
)

// ArtifactStore uploads exported backup blobs to an S3-compatible bucket.
type ArtifactStore struct {
	client *minio.Client
	bucket string
}

func NewArtifactStore(cfg config.ArtifactsConfig) (*ArtifactStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &ArtifactStore{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores content under key. Artifacts are immutable; the caller is
// expected to never reuse a key with different content.
func (a *ArtifactStore) Upload(ctx context.Context, key string, content []byte) error {
	_, err := a.client.PutObject(
		ctx,
		a.bucket,
		key,
		bytes.NewReader(content),
		int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}
