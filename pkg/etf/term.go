// Package etf implements the Erlang external term format: the term model,
// canonical ordering, the binary encoder/decoder, and the per-connection
// atom cache used by the distribution protocol.
//
// The codec is fully synchronous over in-memory byte slices; all I/O happens
// at the connection boundary. Every term produced by this package round-trips
// through encode/decode to an equal term.
package etf

import "math"

// Term is the discriminated union of external term format values.
//
// The concrete variants are Atom, Int, BigInt, Float, Binary, BitBinary,
// String, List, ImproperList, *Map, Tuple, Pid, Port, Ref, Export, *Fun and
// Nil. Cross-variant comparisons follow the canonical term order implemented
// by Compare.
type Term interface {
	isTerm()
}

// Atom is an interned string identifier. Equality is by string value.
type Atom string

// Int is a signed 64-bit integer.
type Int int64

// BigInt is an arbitrary-precision integer: a sign plus the little-endian
// magnitude bytes, exactly as carried on the wire.
type BigInt struct {
	Negative bool
	Digits   []byte // little-endian magnitude, no trailing zero bytes
}

// Float is an IEEE-754 double.
type Float float64

// Binary is a byte vector.
type Binary []byte

// BitBinary is a byte vector whose final byte carries only Bits (1-7)
// significant bits.
type BitBinary struct {
	Bytes []byte
	Bits  uint8
}

// String is the legacy byte-list shortcut encoding. It is kept distinct from
// Binary: peers that canonicalize charlists may return either form.
type String string

// List is a proper list (nil-terminated on the wire).
type List []Term

// ImproperList is a list whose tail is not the empty list.
type ImproperList struct {
	Elements []Term
	Tail     Term
}

// Tuple is a fixed-size ordered sequence of terms.
type Tuple []Term

// Nil is the empty list sentinel. It compares equal to an empty List.
type Nil struct{}

// Pid is a process identifier, unique per (node, id, serial, creation).
type Pid struct {
	Node     Atom
	ID       uint32
	Serial   uint32
	Creation uint32
}

// Port identifies a port on a node.
type Port struct {
	Node     Atom
	ID       uint64
	Creation uint32
}

// Ref is a reference: 1..5 32-bit words scoped by node and creation.
type Ref struct {
	Node     Atom
	Creation uint32
	IDs      []uint32
}

// Export is an external fun: fun module:function/arity.
type Export struct {
	Module   Atom
	Function Atom
	Arity    uint8
}

// Fun is an internal fun with its environment.
type Fun struct {
	Arity    uint8
	Uniq     [16]byte
	Index    uint32
	Module   Atom
	OldIndex uint32
	OldUniq  uint32
	Pid      Pid
	FreeVars []Term
}

func (Atom) isTerm()         {}
func (Int) isTerm()          {}
func (BigInt) isTerm()       {}
func (Float) isTerm()        {}
func (Binary) isTerm()       {}
func (BitBinary) isTerm()    {}
func (String) isTerm()       {}
func (List) isTerm()         {}
func (ImproperList) isTerm() {}
func (Tuple) isTerm()        {}
func (Nil) isTerm()          {}
func (Pid) isTerm()          {}
func (Port) isTerm()         {}
func (Ref) isTerm()          {}
func (Export) isTerm()       {}
func (*Fun) isTerm()         {}
func (*Map) isTerm()         {}

// Map is an ordered term-to-term mapping. Entries are kept sorted under the
// canonical term order, which makes encoding deterministic and map equality
// structural. Duplicate keys keep the last value written.
type Map struct {
	entries []MapEntry
}

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key   Term
	Value Term
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{}
}

// MapFrom builds a map from the given entries, later duplicates winning.
func MapFrom(entries ...MapEntry) *Map {
	m := NewMap()
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.entries)
}

// search locates key's position under canonical order.
func (m *Map) search(key Term) (int, bool) {
	lo, hi := 0, len(m.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch c := Compare(m.entries[mid].Key, key); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// Set inserts or replaces the value for key.
func (m *Map) Set(key, value Term) {
	i, found := m.search(key)
	if found {
		m.entries[i].Value = value
		return
	}
	m.entries = append(m.entries, MapEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = MapEntry{Key: key, Value: value}
}

// Get returns the value for key.
func (m *Map) Get(key Term) (Term, bool) {
	if i, found := m.search(key); found {
		return m.entries[i].Value, true
	}
	return nil, false
}

// Entries returns the entries in canonical key order. The returned slice is
// the map's backing storage and must not be mutated.
func (m *Map) Entries() []MapEntry {
	return m.entries
}

// GetAtom returns the value stored under the atom key name.
func (m *Map) GetAtom(name string) (Term, bool) {
	return m.Get(A(name))
}

// Constructor helpers.

// T builds a tuple from its elements.
func T(elems ...Term) Tuple {
	return Tuple(elems)
}

// L builds a proper list from its elements.
func L(elems ...Term) List {
	return List(elems)
}

// Charlist encodes s as a legacy String term, the representation Erlang uses
// for short ASCII character lists.
func Charlist(s string) Term {
	return String(s)
}

// OkTuple builds {ok, Value}.
func OkTuple(value Term) Tuple {
	return Tuple{AtomOK, value}
}

// ErrorTuple builds {error, Reason}.
func ErrorTuple(reason Term) Tuple {
	return Tuple{AtomError, reason}
}

// Bool returns the atom true or false.
func Bool(v bool) Atom {
	if v {
		return AtomTrue
	}
	return AtomFalse
}

// IntFrom builds the narrowest numeric term for v: Int always fits.
func IntFrom(v int64) Int {
	return Int(v)
}

// Typed accessors. Each As* returns the zero value and false when the term
// is a different variant.

// AsAtom returns t as an Atom.
func AsAtom(t Term) (Atom, bool) {
	a, ok := t.(Atom)
	return a, ok
}

// AsInt returns t as an int64.
func AsInt(t Term) (int64, bool) {
	i, ok := t.(Int)
	return int64(i), ok
}

// AsFloat returns t as a float64.
func AsFloat(t Term) (float64, bool) {
	f, ok := t.(Float)
	return float64(f), ok
}

// AsTuple returns t's elements when it is a tuple.
func AsTuple(t Term) (Tuple, bool) {
	tu, ok := t.(Tuple)
	return tu, ok
}

// AsList returns t's elements when it is a proper list; Nil yields an empty
// slice.
func AsList(t Term) (List, bool) {
	switch v := t.(type) {
	case List:
		return v, true
	case Nil:
		return List{}, true
	default:
		return nil, false
	}
}

// AsBinary returns t's bytes when it is a Binary or legacy String.
func AsBinary(t Term) ([]byte, bool) {
	switch v := t.(type) {
	case Binary:
		return []byte(v), true
	case String:
		return []byte(v), true
	default:
		return nil, false
	}
}

// AsPid returns t as a Pid.
func AsPid(t Term) (Pid, bool) {
	p, ok := t.(Pid)
	return p, ok
}

// AsRef returns t as a Ref.
func AsRef(t Term) (Ref, bool) {
	r, ok := t.(Ref)
	return r, ok
}

// AsMap returns t as a *Map.
func AsMap(t Term) (*Map, bool) {
	m, ok := t.(*Map)
	return m, ok
}

// IsAtom reports whether t is the atom name.
func IsAtom(t Term, name string) bool {
	a, ok := t.(Atom)
	return ok && string(a) == name
}

// TypeName names t's variant for error messages.
func TypeName(t Term) string {
	switch t.(type) {
	case Atom:
		return "atom"
	case Int:
		return "integer"
	case BigInt:
		return "big integer"
	case Float:
		return "float"
	case Binary:
		return "binary"
	case BitBinary:
		return "bit binary"
	case String:
		return "string"
	case List:
		return "list"
	case ImproperList:
		return "improper list"
	case Tuple:
		return "tuple"
	case *Map:
		return "map"
	case Nil:
		return "nil"
	case Pid:
		return "pid"
	case Port:
		return "port"
	case Ref:
		return "reference"
	case Export:
		return "export fun"
	case *Fun:
		return "fun"
	default:
		return "unknown"
	}
}

// IntoRexResponse unwraps a {rex, Result} tuple as produced by the remote
// rex service, returning Result.
func IntoRexResponse(t Term) (Term, error) {
	tu, ok := t.(Tuple)
	if !ok || len(tu) != 2 {
		return nil, &ConversionError{Expected: "{rex, Result} tuple", Actual: TypeName(t)}
	}
	if !IsAtom(tu[0], "rex") {
		return nil, &ConversionError{Expected: "{rex, Result} tuple", Actual: "tuple"}
	}
	return tu[1], nil
}

// bigIntFromInt64 widens v into the wire representation used by the small/
// large big tags. Only values outside the i32 range are encoded this way.
func bigIntFromInt64(v int64) BigInt {
	neg := v < 0
	var mag uint64
	if neg {
		// Two's complement: -MinInt64 overflows int64, go through uint64.
		mag = uint64(-(v + 1)) + 1
	} else {
		mag = uint64(v)
	}
	var digits []byte
	for mag > 0 {
		digits = append(digits, byte(mag))
		mag >>= 8
	}
	return BigInt{Negative: neg, Digits: digits}
}

// Int64 returns the big integer as an int64 when it fits.
func (b BigInt) Int64() (int64, bool) {
	if len(b.Digits) > 8 {
		return 0, false
	}
	var mag uint64
	for i := len(b.Digits) - 1; i >= 0; i-- {
		mag = mag<<8 | uint64(b.Digits[i])
	}
	if b.Negative {
		if mag > uint64(math.MaxInt64)+1 {
			return 0, false
		}
		if mag == uint64(math.MaxInt64)+1 {
			return math.MinInt64, true
		}
		return -int64(mag), true
	}
	if mag > uint64(math.MaxInt64) {
		return 0, false
	}
	return int64(mag), true
}
