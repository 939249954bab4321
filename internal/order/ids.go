package order

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator issues client order ids.
type IDGenerator interface {
	NewID() string
}

// UUIDs issues random v4 ids for live trading.
type UUIDs struct{}

func (UUIDs) NewID() string { return uuid.NewString() }

// SequentialIDs issues prefix-000001, prefix-000002, ... so replays are
// reproducible.
type SequentialIDs struct {
	Prefix string
	n      atomic.Uint64
}

func (s *SequentialIDs) NewID() string {
	return fmt.Sprintf("%s-%06d", s.Prefix, s.n.Add(1))
}
