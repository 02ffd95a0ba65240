package s3store

import (
	"context"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectAPI is the object-store surface the backend needs. FromMinio adapts a
// minio client; tests use s3mem.
type ObjectAPI interface {
	ListObjects(ctx context.Context, bucket, prefix string) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	RemoveObject(ctx context.Context, bucket, key string) error

	NewMultipartUpload(ctx context.Context, bucket, key string) (string, error)
	PutObjectPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (minio.CompletePart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []minio.CompletePart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// Endpoint describes how to reach an S3-compatible service.
type Endpoint struct {
	Address   string // host[:port]
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// Dial connects to an S3-compatible service.
func Dial(ep Endpoint) (ObjectAPI, error) {
	client, err := minio.New(ep.Address, &minio.Options{
		Creds:  credentials.NewStaticV4(ep.AccessKey, ep.SecretKey, ""),
		Secure: ep.Secure,
		Region: ep.Region,
	})
	if err != nil {
		return nil, err
	}
	return FromMinio(client), nil
}

// FromMinio adapts a minio client.
func FromMinio(client *minio.Client) ObjectAPI {
	return &minioAPI{client: client, core: &minio.Core{Client: client}}
}

type minioAPI struct {
	client *minio.Client
	core   *minio.Core
}

func (m *minioAPI) ListObjects(ctx context.Context, bucket, prefix string) <-chan minio.ObjectInfo {
	return m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
}

func (m *minioAPI) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat surfaces a missing key now rather than on the
	// first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, err
	}
	return obj, nil
}

func (m *minioAPI) StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error) {
	return m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
}

func (m *minioAPI) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

func (m *minioAPI) RemoveObject(ctx context.Context, bucket, key string) error {
	return m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (m *minioAPI) NewMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	return m.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{ContentType: "application/octet-stream"})
}

func (m *minioAPI) PutObjectPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (minio.CompletePart, error) {
	part, err := m.core.PutObjectPart(ctx, bucket, key, uploadID, partNumber, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return minio.CompletePart{}, err
	}
	return minio.CompletePart{PartNumber: part.PartNumber, ETag: part.ETag}, nil
}

func (m *minioAPI) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []minio.CompletePart) error {
	_, err := m.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts, minio.PutObjectOptions{})
	return err
}

func (m *minioAPI) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return m.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}

// isNoSuchKey reports whether err is the service's missing-object response.
func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
