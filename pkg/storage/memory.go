package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage implements Storage with an in-process map. It exists for
// tests and local experiments: all operations, including WriteIfAbsent,
// hold the same mutex, so it provides the same atomicity the S3 backend
// gets from conditional puts.
type MemoryStorage struct {
	mu      sync.Mutex
	objects map[string]*memObject
}

type memObject struct {
	data        []byte
	contentType string
	modTime     time.Time
	tags        map[string]string
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[string]*memObject),
	}
}

// Write stores content from the reader with the given key.
func (s *MemoryStorage) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key] = &memObject{
		data:        data,
		contentType: contentType,
		modTime:     time.Now(),
		tags:        map[string]string{},
	}

	return nil
}

// WriteIfAbsent stores content only if no object exists at the key.
func (s *MemoryStorage) WriteIfAbsent(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[key]; exists {
		return ErrPreconditionFailed
	}

	s.objects[key] = &memObject{
		data:        data,
		contentType: contentType,
		modTime:     time.Now(),
		tags:        map[string]string{},
	}

	return nil
}

// Read retrieves content for the given key.
func (s *MemoryStorage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, exists := s.objects[key]
	if !exists {
		return nil, ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete removes the content with the given key. Idempotent.
func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)

	return nil
}

// Stat returns metadata for the object at the given key.
func (s *MemoryStorage) Stat(ctx context.Context, key string) (FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, exists := s.objects[key]
	if !exists {
		return FileInfo{}, ErrNotFound
	}

	return FileInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modTime,
		ContentType:  obj.contentType,
	}, nil
}

// List returns information about all objects with keys starting with the given prefix.
func (s *MemoryStorage) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var files []FileInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			files = append(files, FileInfo{
				Key:          key,
				Size:         int64(len(obj.data)),
				LastModified: obj.modTime,
				ContentType:  obj.contentType,
			})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })

	return files, nil
}

// Exists checks if content with the given key exists.
func (s *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.objects[key]

	return exists, nil
}

// TagObject sets a single tag on an existing object.
func (s *MemoryStorage) TagObject(ctx context.Context, key, tagKey, tagValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, exists := s.objects[key]
	if !exists {
		return ErrNotFound
	}

	obj.tags[tagKey] = tagValue

	return nil
}

// GetObjectTags returns the tag set of the object at the given key.
func (s *MemoryStorage) GetObjectTags(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, exists := s.objects[key]
	if !exists {
		return nil, ErrNotFound
	}

	tags := make(map[string]string, len(obj.tags))
	for k, v := range obj.tags {
		tags[k] = v
	}

	return tags, nil
}

// SetModTime overrides the stored modification time for key. Test helper
// for exercising staleness/TTL behaviour without waiting.
func (s *MemoryStorage) SetModTime(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, exists := s.objects[key]; exists {
		obj.modTime = t
	}
}
