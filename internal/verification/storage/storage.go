// Package storage keeps uploaded prescription documents in a blob store
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("blob not found")

// Location is where a blob was written
type Location struct {
	Bucket string
	Key    string
}

// BlobStore is the blob store contract of the pipeline
type BlobStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (Location, error)
	SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey builds the key of an uploaded document. Patient and upload ids
// namespace the object; the file name is kept for operators only.
func ObjectKey(patientID, uploadID, fileName string) string {
	name := unsafeChars.ReplaceAllString(path.Base(strings.TrimSpace(fileName)), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "document"
	}
	return path.Join(patientID, uploadID+"_"+name)
}

func applyPrefix(prefix, key string) string {
	cleanPrefix := strings.Trim(prefix, "/")
	cleanKey := strings.TrimLeft(key, "/")
	if cleanPrefix == "" {
		return cleanKey
	}
	if cleanKey == "" || strings.HasPrefix(cleanKey, cleanPrefix+"/") {
		return cleanKey
	}
	return cleanPrefix + "/" + cleanKey
}

// Memory is an in-process BlobStore used in development and tests
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	prefix  string
}

// NewMemory creates an empty in-memory store
func NewMemory(prefix string) *Memory {
	return &Memory{objects: make(map[string][]byte), prefix: prefix}
}

func (m *Memory) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Put(ctx context.Context, bucket, key string, data []byte, _ string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	key = applyPrefix(m.prefix, key)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return Location{Bucket: bucket, Key: key}, nil
}

func (m *Memory) SignedURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?ttl=%d", bucket, key, int(ttl.Seconds())), nil
}

// Delete removes an object
func (m *Memory) Delete(bucket, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
}
