// Package resource owns the displayable resources created from processed
// images.  Each resource is named by an opaque blob: locator and stays live
// until it is released.
package resource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Skryldev/image-dither/core"
	apperrors "github.com/Skryldev/image-dither/errors"
)

// Scheme prefixes every locator issued by a Store.
const Scheme = "blob:"

// DefaultBucket is the storage bucket resources are written under.
const DefaultBucket = "resources"

// Store issues blob: locators for resource bytes kept in a StorageAdapter.
type Store struct {
	backend core.StorageAdapter
	bucket  string
	logger  core.Logger

	mu   sync.Mutex
	live map[string]entry
}

type entry struct {
	key    core.StorageKey
	format core.Format
	size   int
}

// Option configures a Store.
type Option func(*Store)

// WithBucket overrides DefaultBucket.
func WithBucket(b string) Option { return func(s *Store) { s.bucket = b } }

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option { return func(s *Store) { s.logger = core.OrNop(l) } }

// New returns a Store writing to backend.
func New(backend core.StorageAdapter, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		bucket:  DefaultBucket,
		logger:  core.NopLogger{},
		live:    make(map[string]entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create stores data and returns a fresh locator for it.
func (s *Store) Create(ctx context.Context, data []byte, format core.Format) (string, error) {
	if len(data) == 0 {
		return "", apperrors.New(apperrors.CategoryStorage, "resource.create", apperrors.ErrEmptyInput)
	}
	id := uuid.NewString()
	key := core.StorageKey{Bucket: s.bucket, Path: id + extension(format)}
	meta := map[string]string{"content-type": format.ContentType()}
	if err := s.backend.Put(ctx, key, bytes.NewReader(data), meta); err != nil {
		return "", err
	}

	locator := Scheme + id
	s.mu.Lock()
	s.live[locator] = entry{key: key, format: format, size: len(data)}
	s.mu.Unlock()
	s.logger.Debug("resource.created", "locator", locator, "bytes", len(data))
	return locator, nil
}

// Open returns the bytes of a live resource.
func (s *Store) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	e, ok := s.lookup(locator)
	if !ok {
		return nil, notFound("resource.open", locator)
	}
	return s.backend.Get(ctx, e.key)
}

// Release deletes a live resource.  Releasing an unknown or already
// released locator fails with ErrResourceNotFound.
func (s *Store) Release(ctx context.Context, locator string) error {
	s.mu.Lock()
	e, ok := s.live[locator]
	if ok {
		delete(s.live, locator)
	}
	s.mu.Unlock()
	if !ok {
		return notFound("resource.release", locator)
	}
	if err := s.backend.Delete(ctx, e.key); err != nil {
		return err
	}
	s.logger.Debug("resource.released", "locator", locator)
	return nil
}

// Format returns the container format of a live resource.
func (s *Store) Format(locator string) (core.Format, bool) {
	e, ok := s.lookup(locator)
	return e.format, ok
}

// Owns reports whether locator was issued by this Store and is still live.
func (s *Store) Owns(locator string) bool {
	_, ok := s.lookup(locator)
	return ok
}

// Live returns the number of resources not yet released.
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// LiveBytes returns the total size of live resources.
func (s *Store) LiveBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.live {
		n += int64(e.size)
	}
	return n
}

// Locators lists live locators in sorted order.
func (s *Store) Locators() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.live))
	for l := range s.live {
		out = append(out, l)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Store) lookup(locator string) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live[locator]
	return e, ok
}

func notFound(op, locator string) error {
	return apperrors.New(apperrors.CategoryStorage, op, fmt.Errorf("%w: %s", apperrors.ErrResourceNotFound, locator))
}

// Extension returns the file extension used for format, with the dot.
func Extension(format core.Format) string { return extension(format) }

func extension(format core.Format) string {
	switch format {
	case core.FormatJPEG:
		return ".jpg"
	case core.FormatUnknown, "":
		return ".bin"
	}
	return "." + strings.ToLower(string(format))
}

var _ core.ResourceStore = (*Store)(nil)
