package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

type UploadInput struct {
	Key         string
	ContentType string
	Body        io.Reader
	Size        int64
}

// Service stores uploaded pictures. PutObject returns the public URL of the
// stored object.
type Service interface {
	PutObject(ctx context.Context, in UploadInput) (string, error)
	DeleteObject(ctx context.Context, key string) error
	// DeletePrefix removes every object whose key starts with prefix and
	// returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// MemoryService keeps objects in process. It backs local development and
// tests when no bucket is configured.
type MemoryService struct {
	mu      sync.Mutex
	objects map[string][]byte
	baseURL string
}

func NewMemoryService(baseURL string) *MemoryService {
	return &MemoryService{objects: make(map[string][]byte), baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *MemoryService) PutObject(ctx context.Context, in UploadInput) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, in.Body); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	m.mu.Lock()
	m.objects[in.Key] = buf.Bytes()
	m.mu.Unlock()
	return m.baseURL + "/" + strings.TrimLeft(in.Key, "/"), nil
}

func (m *MemoryService) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryService) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

// Keys lists stored keys in order.
func (m *MemoryService) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Service = (*MemoryService)(nil)
