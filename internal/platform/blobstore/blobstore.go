// Package blobstore archives the original bytes of every import so a
// stored record set can always be traced back to its source document.
// It defines the BlobStore interface, an in-memory implementation for
// testing and development, and a minio-backed implementation.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrBlobTooLarge    = errors.New("blob exceeds maximum allowed size")
	ErrMissingUploadID = errors.New("upload id is required")
)

// MaxBlobSize caps a single archived document (50 MB).
const MaxBlobSize = 50 * 1024 * 1024

// Metadata describes one archived source document. The upload id is the
// archive key.
type Metadata struct {
	UploadID    string    `json:"upload_id"`
	FileName    string    `json:"file_name"`
	Format      string    `json:"format"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore is the contract archive backends implement.
type BlobStore interface {
	Put(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error)
	Get(ctx context.Context, uploadID string) (io.ReadCloser, *Metadata, error)
	Delete(ctx context.Context, uploadID string) error
}

type storedBlob struct {
	metadata Metadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory archive for testing and
// single-process development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

// Put reads the content, computes a SHA-256 hash, and stores the blob
// under its upload id.
func (s *InMemoryBlobStore) Put(_ context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
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

	s.mu.Lock()
	s.blobs[meta.UploadID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta // copy
	return &out, nil
}

// Get returns an io.ReadCloser over the archived content and its
// metadata.
func (s *InMemoryBlobStore) Get(_ context.Context, uploadID string) (io.ReadCloser, *Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[uploadID]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata // copy
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// Delete removes an archived document.
func (s *InMemoryBlobStore) Delete(_ context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[uploadID]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, uploadID)
	return nil
}
