package remote

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// memoryBackend keeps objects in memory for tests.
type memoryBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]string
	uploads int
	corrupt bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{objects: map[string][]byte{}, meta: map[string]string{}}
}

func (m *memoryBackend) Upload(ctx context.Context, localPath, name, checksumHash string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrupt {
		data = append(data, '!')
	}
	m.objects[name] = data
	m.meta[name] = checksumHash
	m.uploads++
	return nil
}

func (m *memoryBackend) Download(ctx context.Context, name, localPath string) error {
	m.mu.Lock()
	data, ok := m.objects[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such key: %s", name)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (m *memoryBackend) Head(ctx context.Context, name string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", name)
	}
	return &ObjectInfo{Size: int64(len(data)), Blake3: m.meta[name]}, nil
}

func (m *memoryBackend) VerifyCredentials(ctx context.Context) error { return nil }
