package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryImageStore keeps images in-process. It backs tests and local
// development without a MinIO instance; URLs are synthetic.
type MemoryImageStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryImageStore() *MemoryImageStore {
	return &MemoryImageStore{objects: make(map[string][]byte)}
}

func (m *MemoryImageStore) PutImage(_ context.Context, userID string, jpeg []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := imageKey(userID)
	data := make([]byte, len(jpeg))
	copy(data, jpeg)
	m.objects[key] = data
	return key, nil
}

func (m *MemoryImageStore) ImageURL(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("image %s not found", key)
	}
	return "memory://" + key, nil
}

func (m *MemoryImageStore) DeleteImage(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len reports the number of stored images.
func (m *MemoryImageStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
