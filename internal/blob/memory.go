package blob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
)

// Memory is an in-process Store for tests and local development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	deletes map[string]int
}

type memObject struct {
	data        []byte
	contentType string
}

var (
	_ Store        = (*Memory)(nil)
	_ BucketReader = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]memObject),
		deletes: make(map[string]int),
	}
}

// Put stores data under key. An empty contentType is sniffed from the bytes.
func (m *Memory) Put(key string, data []byte, contentType string) {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: cp, contentType: contentType}
}

// Has reports whether key exists.
func (m *Memory) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// Deletes returns how many times key was actually removed.
func (m *Memory) Deletes(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deletes[key]
}

// Keys returns every stored key.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

func (m *Memory) HeadObject(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{ContentType: obj.contentType, ContentLength: int64(len(obj.data))}, nil
}

func (m *Memory) GetObjectBytes(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) CopyObjectIfMissing(_ context.Context, src, dst string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[dst]; ok {
		return false, nil
	}
	obj, ok := m.objects[src]
	if !ok {
		return false, ErrNotFound
	}
	m.objects[dst] = memObject{data: append([]byte(nil), obj.data...), contentType: obj.contentType}
	return true, nil
}

func (m *Memory) DeleteObjectIgnoreMissing(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		delete(m.objects, key)
		m.deletes[key]++
	}
	return nil
}

func (m *Memory) OpenObject(ctx context.Context, _ string, key string) (io.ReadCloser, error) {
	data, err := m.GetObjectBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
