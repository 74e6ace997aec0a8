package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the connection settings for an S3-compatible
// archive backend.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioBlobStore archives source documents in an S3-compatible bucket.
// Metadata rides alongside the object as a sibling ".meta.json" key.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
}

// NewMinioBlobStore connects to the endpoint and ensures the bucket
// exists.
func NewMinioBlobStore(ctx context.Context, cfg MinioConfig) (*MinioBlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: connect minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blobstore: check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blobstore: create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinioBlobStore{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(uploadID string) string { return "uploads/" + uploadID }
func metaKey(uploadID string) string   { return "uploads/" + uploadID + ".meta.json" }
func isNoSuchKey(err error) bool       { return minio.ToErrorResponse(err).Code == "NoSuchKey" }

func (s *MinioBlobStore) Put(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	if meta.UploadID == "" {
		return nil, ErrMissingUploadID
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxBlobSize {
		return nil, ErrBlobTooLarge
	}

	h := sha256.Sum256(data)
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()
	stored := &meta

	_, err = s.client.PutObject(ctx, s.bucket, objectKey(meta.UploadID), bytes.NewReader(data), stored.Size, minio.PutObjectOptions{
		ContentType: stored.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: put object %q: %w", meta.UploadID, err)
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("blobstore: encode metadata: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, metaKey(meta.UploadID),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return nil, fmt.Errorf("blobstore: put metadata %q: %w", meta.UploadID, err)
	}

	return stored, nil
}

func (s *MinioBlobStore) Get(ctx context.Context, uploadID string) (io.ReadCloser, *Metadata, error) {
	metaObj, err := s.client.GetObject(ctx, s.bucket, metaKey(uploadID), minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("blobstore: get metadata %q: %w", uploadID, err)
	}
	defer metaObj.Close()

	meta := &Metadata{}
	if err := json.NewDecoder(metaObj).Decode(meta); err != nil {
		if isNoSuchKey(err) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("blobstore: decode metadata %q: %w", uploadID, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(uploadID), minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("blobstore: get object %q: %w", uploadID, err)
	}
	return obj, meta, nil
}

func (s *MinioBlobStore) Delete(ctx context.Context, uploadID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(uploadID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blobstore: remove object %q: %w", uploadID, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, metaKey(uploadID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blobstore: remove metadata %q: %w", uploadID, err)
	}
	return nil
}
