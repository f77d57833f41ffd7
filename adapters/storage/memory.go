package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
	"github.com/Skryldev/image-dither/utils"
)

// Memory keeps resources in process memory.  It is the default backend:
// resources live only as long as the session.
type Memory struct {
	mu      sync.RWMutex
	objects map[core.StorageKey]memObject
}

type memObject struct {
	data []byte
	meta map[string]string
}

// NewMemory returns an empty Memory adapter.
func NewMemory() *Memory {
	return &Memory{objects: make(map[core.StorageKey]memObject)}
}

func (m *Memory) Put(ctx context.Context, key core.StorageKey, r io.Reader, meta map[string]string) error {
	data, err := utils.ReadAll(ctx, r, 0, 0)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "memory.put", err)
	}
	cp := make(map[string]string, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	m.mu.Lock()
	m.objects[key] = memObject{data: data, meta: cp}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, key core.StorageKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "memory.get", err)
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CategoryStorage, "memory.get",
			fmt.Errorf("%w: %v", apperrors.ErrResourceNotFound, key))
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) Delete(ctx context.Context, key core.StorageKey) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "memory.delete", err)
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(ctx context.Context, key core.StorageKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(apperrors.CategoryStorage, "memory.exists", err)
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ core.StorageAdapter = (*Memory)(nil)
