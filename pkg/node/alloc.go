package node

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/marmos91/erlnode/pkg/etf"
)

// pidIDBits is the width of the id field; the allocator rolls id over at
// this boundary and bumps serial.
const pidIDBits = 28

// PidAllocator hands out (id, serial) pairs for locally spawned processes.
// Creation is set once at registration and folded into every pid issued
// afterwards.
type PidAllocator struct {
	node     etf.Atom
	counter  atomic.Uint64
	creation atomic.Uint32
}

// NewPidAllocator returns an allocator for the given node name.
func NewPidAllocator(node etf.Atom, creation uint32) *PidAllocator {
	a := &PidAllocator{node: node}
	a.creation.Store(creation)
	return a
}

// SetCreation installs the creation number assigned by the port mapper.
func (a *PidAllocator) SetCreation(creation uint32) {
	a.creation.Store(creation)
}

// Allocate returns the next pid. The 28-bit id increments first; overflow
// rolls it to zero and bumps serial.
func (a *PidAllocator) Allocate() etf.Pid {
	n := a.counter.Add(1) - 1
	return etf.Pid{
		Node:     a.node,
		ID:       uint32(n & (1<<pidIDBits - 1)),
		Serial:   uint32(n >> pidIDBits),
		Creation: a.creation.Load(),
	}
}

// RefAllocator issues unique references for monitors and unlink ids. Two of
// the three words come from per-allocator random material so references stay
// unique across restarts even when the creation number repeats; the third is
// a monotonic counter guaranteeing uniqueness within the node lifetime.
type RefAllocator struct {
	node     etf.Atom
	creation atomic.Uint32
	counter  atomic.Uint32
	seed     [2]uint32
}

// NewRefAllocator returns an allocator seeded with fresh random material.
func NewRefAllocator(node etf.Atom, creation uint32) *RefAllocator {
	id := uuid.New()
	a := &RefAllocator{
		node: node,
		seed: [2]uint32{
			binary.BigEndian.Uint32(id[0:4]),
			binary.BigEndian.Uint32(id[4:8]),
		},
	}
	a.creation.Store(creation)
	return a
}

// SetCreation installs the creation number assigned by the port mapper.
func (a *RefAllocator) SetCreation(creation uint32) {
	a.creation.Store(creation)
}

// Allocate returns the next reference.
func (a *RefAllocator) Allocate() etf.Ref {
	n := a.counter.Add(1)
	return etf.Ref{
		Node:     a.node,
		Creation: a.creation.Load(),
		IDs:      []uint32{n, a.seed[0], a.seed[1]},
	}
}

// NextUnlinkID returns a fresh id for the acknowledged unlink protocol.
func (a *RefAllocator) NextUnlinkID() uint64 {
	return uint64(a.counter.Add(1))
}
