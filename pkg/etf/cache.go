package etf

import (
	"encoding/binary"
	"fmt"
)

// distHeaderTag introduces a distribution header inside a data-phase frame.
const distHeaderTag = 68 // 'D'

// AtomCache is one side of a connection's 256-slot atom table. The receiver
// keeps one updated from inbound distribution headers; the sender keeps one
// (wrapped in an OutgoingCache) recording which atoms the peer already holds.
//
// The cache is owned by a single connection and is not safe for concurrent
// use; the connection's write lock serializes sender-side mutation and the
// receiver task is the only reader-side mutator.
type AtomCache struct {
	slots [256]Atom
	used  [256]bool
	count int
}

// NewAtomCache returns an empty cache.
func NewAtomCache() *AtomCache {
	return &AtomCache{}
}

// Insert stores atom in the given slot, overwriting any previous occupant.
func (c *AtomCache) Insert(index uint8, atom Atom) {
	if !c.used[index] {
		c.count++
	}
	c.slots[index] = atom
	c.used[index] = true
}

// Get returns the atom in the given slot.
func (c *AtomCache) Get(index uint8) (Atom, bool) {
	if !c.used[index] {
		return "", false
	}
	return c.slots[index], true
}

// Len returns the number of occupied slots.
func (c *AtomCache) Len() int {
	return c.count
}

// IsEmpty reports whether no slot is occupied.
func (c *AtomCache) IsEmpty() bool {
	return c.count == 0
}

// OutgoingCache tracks which atoms the peer's cache holds and in which slot,
// so the encoder can emit cache references instead of atom text. Slots are
// assigned round-robin; overwriting a slot evicts whatever atom held it.
type OutgoingCache struct {
	cache   AtomCache
	indexOf map[Atom]uint8
	next    int
}

// NewOutgoingCache returns an empty sender-side cache.
func NewOutgoingCache() *OutgoingCache {
	return &OutgoingCache{indexOf: make(map[Atom]uint8)}
}

// Lookup returns the slot already holding atom.
func (c *OutgoingCache) Lookup(atom Atom) (uint8, bool) {
	i, ok := c.indexOf[atom]
	return i, ok
}

// Install assigns a slot to atom, evicting the previous occupant of that
// slot, and returns the slot index.
func (c *OutgoingCache) Install(atom Atom) uint8 {
	index := uint8(c.next % 256)
	c.next++
	if prev, ok := c.cache.Get(index); ok {
		delete(c.indexOf, prev)
	}
	c.cache.Insert(index, atom)
	c.indexOf[atom] = index
	return index
}

// headerRef is one entry of a distribution header: a slot plus either a
// "use cached" marker or the atom text to install.
type headerRef struct {
	index   uint8
	install bool
	text    Atom
}

// headerBuilder accumulates the cache operations of one frame. The first use
// of an uncached atom adds an install entry; the first use of an
// already-cached atom adds a use-cached entry; later uses in the same frame
// add nothing.
type headerBuilder struct {
	refs []headerRef
	seen map[Atom]uint8
}

func newHeaderBuilder() *headerBuilder {
	return &headerBuilder{seen: make(map[Atom]uint8)}
}

// resolve maps atom to its cache slot for this frame, recording the header
// entry on first use. seenBefore reports whether the atom should be encoded
// as a cache ref: it was already used earlier in the same frame, or it was
// installed by an earlier frame.
func (b *headerBuilder) resolve(cache *OutgoingCache, atom Atom) (index uint8, seenBefore bool) {
	if i, ok := b.seen[atom]; ok {
		return i, true
	}
	if i, ok := cache.Lookup(atom); ok {
		b.refs = append(b.refs, headerRef{index: i})
		b.seen[atom] = i
		// Cached from an earlier frame: every use in this frame refs it.
		return i, true
	}
	i := cache.Install(atom)
	b.refs = append(b.refs, headerRef{index: i, install: true, text: atom})
	b.seen[atom] = i
	return i, false
}

// encode appends the distribution header bytes:
//
//	[68][ref count:1] then per ref [slot:1][kind:1] and, for installs,
//	[text len:2][utf-8 bytes]
func (b *headerBuilder) encode(buf []byte) ([]byte, error) {
	if len(b.refs) > 255 {
		return nil, &EncodeError{Detail: fmt.Sprintf("distribution header with %d cache refs", len(b.refs))}
	}
	buf = append(buf, distHeaderTag, byte(len(b.refs)))
	for _, ref := range b.refs {
		buf = append(buf, ref.index)
		if ref.install {
			if len(ref.text) > 0xFFFF {
				return nil, &EncodeError{Detail: "cached atom exceeds 65535 bytes"}
			}
			buf = append(buf, 1)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(ref.text)))
			buf = append(buf, ref.text...)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf, nil
}

// DecodeDistHeader consumes a distribution header at the start of data,
// applying install entries to cache, and returns the remaining bytes. Data
// without a leading header byte is returned unchanged.
func DecodeDistHeader(data []byte, cache *AtomCache) ([]byte, error) {
	if len(data) == 0 || data[0] != distHeaderTag {
		return data, nil
	}
	if cache == nil {
		return nil, &DecodeError{Kind: ErrBadDistHeader, Detail: "distribution header without negotiated atom cache"}
	}
	if len(data) < 2 {
		return nil, &DecodeError{Kind: ErrBadDistHeader, Offset: len(data), Detail: "truncated header"}
	}
	count := int(data[1])
	pos := 2
	for i := 0; i < count; i++ {
		if len(data) < pos+2 {
			return nil, &DecodeError{Kind: ErrBadDistHeader, Offset: pos, Detail: "truncated cache ref"}
		}
		index := data[pos]
		kind := data[pos+1]
		pos += 2
		switch kind {
		case 0: // use cached
			if _, ok := cache.Get(index); !ok {
				return nil, &DecodeError{
					Kind:   ErrBadCacheRef,
					Offset: pos,
					Detail: fmt.Sprintf("slot %d referenced before install", index),
				}
			}
		case 1: // install
			if len(data) < pos+2 {
				return nil, &DecodeError{Kind: ErrBadDistHeader, Offset: pos, Detail: "truncated install entry"}
			}
			n := int(binary.BigEndian.Uint16(data[pos:]))
			pos += 2
			if len(data) < pos+n {
				return nil, &DecodeError{Kind: ErrBadDistHeader, Offset: pos, Detail: "truncated atom text"}
			}
			cache.Insert(index, internBytes(data[pos:pos+n]))
			pos += n
		default:
			return nil, &DecodeError{
				Kind:   ErrBadDistHeader,
				Offset: pos - 1,
				Detail: fmt.Sprintf("unknown cache ref kind %d", kind),
			}
		}
	}
	return data[pos:], nil
}
