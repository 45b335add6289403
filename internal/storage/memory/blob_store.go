package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore keeps archived payloads in memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string]blob
}

type blob struct {
	contentType string
	body        []byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string]blob)}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = blob{contentType: contentType, body: body}
	return "memory://" + path, nil
}

// Object returns a stored body and content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), b.body...), b.contentType, true
}
