package coordinator

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces correlation ids.  Every call must return a value not
// returned before by the same generator.
type IDGenerator interface {
	NextID() string
}

// IDFunc adapts a function to IDGenerator.
type IDFunc func() string

func (f IDFunc) NextID() string { return f() }

// UUIDGenerator returns random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NextID() string { return uuid.NewString() }

// SequenceGenerator returns "<prefix>-0", "<prefix>-1", ...  It is safe for
// concurrent use.
type SequenceGenerator struct {
	Prefix string
	next   uint64
}

func (s *SequenceGenerator) NextID() string {
	n := atomic.AddUint64(&s.next, 1) - 1
	prefix := s.Prefix
	if prefix == "" {
		prefix = "img"
	}
	return fmt.Sprintf("%s-%d", prefix, n)
}
