package canvas

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBlobs stores committed canvas content as objects keyed by hash.
type MinioBlobs struct {
	client *minio.Client
	bucket string
}

// NewMinioBlobs connects to MinIO and ensures the bucket exists.
func NewMinioBlobs(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioBlobs, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinioBlobs{client: client, bucket: bucket}, nil
}

func (m *MinioBlobs) objectName(hash string) string {
	// Two-level fanout keeps listings manageable.
	if len(hash) < 2 {
		return hash
	}
	return hash[:2] + "/" + hash
}

func (m *MinioBlobs) Put(ctx context.Context, hash, content string) error {
	reader := strings.NewReader(content)
	_, err := m.client.PutObject(ctx, m.bucket, m.objectName(hash), reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", hash, err)
	}
	return nil
}

func (m *MinioBlobs) Get(ctx context.Context, hash string) (string, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.objectName(hash), minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("get object %s: %w", hash, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj); err != nil {
		return "", fmt.Errorf("read object %s: %w", hash, err)
	}
	return buf.String(), nil
}
