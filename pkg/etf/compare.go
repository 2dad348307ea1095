package etf

import (
	"bytes"
	"math"
	"strings"
)

// typeOrder ranks variants per the canonical term order:
// numbers < atoms < references < funs < ports < pids < tuples < maps <
// lists < binaries.
func typeOrder(t Term) int {
	switch t.(type) {
	case Int, BigInt, Float:
		return 0
	case Atom:
		return 1
	case Ref:
		return 2
	case Export, *Fun:
		return 3
	case Port:
		return 4
	case Pid:
		return 5
	case Tuple:
		return 6
	case *Map:
		return 7
	case Nil, List, ImproperList:
		return 8
	case Binary, BitBinary, String:
		return 9
	default:
		return 10
	}
}

// Compare orders a and b under the canonical total term order and returns
// -1, 0 or 1. Integers and floats compare by mathematical value; NaN is
// greater than every other float and equal to NaN. Nil and an empty List
// compare equal.
func Compare(a, b Term) int {
	if d := cmpInt(typeOrder(a), typeOrder(b)); d != 0 {
		return d
	}

	switch x := a.(type) {
	case Int:
		switch y := b.(type) {
		case Int:
			return cmpInt64(int64(x), int64(y))
		case BigInt:
			return -compareBigIntToInt64(y, int64(x))
		case Float:
			return compareInt64Float(int64(x), float64(y))
		}
	case BigInt:
		switch y := b.(type) {
		case Int:
			return compareBigIntToInt64(x, int64(y))
		case BigInt:
			return compareBigInts(x, y)
		case Float:
			return compareFloats(bigIntToFloat(x), float64(y))
		}
	case Float:
		switch y := b.(type) {
		case Int:
			return -compareInt64Float(int64(y), float64(x))
		case BigInt:
			return compareFloats(float64(x), bigIntToFloat(y))
		case Float:
			return compareFloats(float64(x), float64(y))
		}
	case Atom:
		return strings.Compare(string(x), string(b.(Atom)))
	case Ref:
		y := b.(Ref)
		if d := strings.Compare(string(x.Node), string(y.Node)); d != 0 {
			return d
		}
		if d := cmpUint32(x.Creation, y.Creation); d != 0 {
			return d
		}
		return cmpUint32Slices(x.IDs, y.IDs)
	case Export:
		switch y := b.(type) {
		case Export:
			if d := strings.Compare(string(x.Module), string(y.Module)); d != 0 {
				return d
			}
			if d := strings.Compare(string(x.Function), string(y.Function)); d != 0 {
				return d
			}
			return cmpInt(int(x.Arity), int(y.Arity))
		case *Fun:
			return -1
		}
	case *Fun:
		switch y := b.(type) {
		case Export:
			return 1
		case *Fun:
			if d := strings.Compare(string(x.Module), string(y.Module)); d != 0 {
				return d
			}
			if d := cmpUint32(x.OldIndex, y.OldIndex); d != 0 {
				return d
			}
			if d := cmpUint32(x.OldUniq, y.OldUniq); d != 0 {
				return d
			}
			if d := cmpUint32(x.Index, y.Index); d != 0 {
				return d
			}
			if d := bytes.Compare(x.Uniq[:], y.Uniq[:]); d != 0 {
				return d
			}
			if d := Compare(x.Pid, y.Pid); d != 0 {
				return d
			}
			return compareTermSlices(x.FreeVars, y.FreeVars)
		}
	case Port:
		y := b.(Port)
		if d := strings.Compare(string(x.Node), string(y.Node)); d != 0 {
			return d
		}
		if d := cmpUint64(x.ID, y.ID); d != 0 {
			return d
		}
		return cmpUint32(x.Creation, y.Creation)
	case Pid:
		y := b.(Pid)
		if d := strings.Compare(string(x.Node), string(y.Node)); d != 0 {
			return d
		}
		if d := cmpUint32(x.ID, y.ID); d != 0 {
			return d
		}
		if d := cmpUint32(x.Serial, y.Serial); d != 0 {
			return d
		}
		return cmpUint32(x.Creation, y.Creation)
	case Tuple:
		y := b.(Tuple)
		if d := cmpInt(len(x), len(y)); d != 0 {
			return d
		}
		return compareTermSlices(x, y)
	case *Map:
		y := b.(*Map)
		if d := cmpInt(x.Len(), y.Len()); d != 0 {
			return d
		}
		for i := range x.entries {
			if d := Compare(x.entries[i].Key, y.entries[i].Key); d != 0 {
				return d
			}
			if d := Compare(x.entries[i].Value, y.entries[i].Value); d != 0 {
				return d
			}
		}
		return 0
	case Nil, List, ImproperList:
		return compareListLike(a, b)
	case Binary, BitBinary, String:
		return compareBinaryLike(a, b)
	}
	return 0
}

// Equal reports structural equality: same variant and equal content. The
// only cross-variant equality is Nil with an empty List. Binary and String
// with the same bytes remain distinct.
func Equal(a, b Term) bool {
	switch x := a.(type) {
	case Nil:
		switch y := b.(type) {
		case Nil:
			return true
		case List:
			return len(y) == 0
		}
		return false
	case List:
		switch y := b.(type) {
		case Nil:
			return len(x) == 0
		case List:
			if len(x) != len(y) {
				return false
			}
			for i := range x {
				if !Equal(x[i], y[i]) {
					return false
				}
			}
			return true
		}
		return false
	case ImproperList:
		y, ok := b.(ImproperList)
		if !ok || len(x.Elements) != len(y.Elements) {
			return false
		}
		for i := range x.Elements {
			if !Equal(x.Elements[i], y.Elements[i]) {
				return false
			}
		}
		return Equal(x.Tail, y.Tail)
	case Tuple:
		y, ok := b.(Tuple)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case *Map:
		y, ok := b.(*Map)
		if !ok || x.Len() != y.Len() {
			return false
		}
		for i := range x.entries {
			if !Equal(x.entries[i].Key, y.entries[i].Key) ||
				!Equal(x.entries[i].Value, y.entries[i].Value) {
				return false
			}
		}
		return true
	case Binary:
		y, ok := b.(Binary)
		return ok && bytes.Equal(x, y)
	case String:
		y, ok := b.(String)
		return ok && x == y
	case BitBinary:
		y, ok := b.(BitBinary)
		return ok && x.Bits == y.Bits && bytes.Equal(x.Bytes, y.Bytes)
	case BigInt:
		y, ok := b.(BigInt)
		return ok && x.Negative == y.Negative && bytes.Equal(x.Digits, y.Digits)
	case Float:
		y, ok := b.(Float)
		if !ok {
			return false
		}
		// NaN equals NaN under the canonical order.
		if math.IsNaN(float64(x)) && math.IsNaN(float64(y)) {
			return true
		}
		return x == y
	case *Fun:
		y, ok := b.(*Fun)
		if !ok {
			return false
		}
		if x.Arity != y.Arity || x.Uniq != y.Uniq || x.Index != y.Index ||
			x.Module != y.Module || x.OldIndex != y.OldIndex ||
			x.OldUniq != y.OldUniq || !Equal(x.Pid, y.Pid) ||
			len(x.FreeVars) != len(y.FreeVars) {
			return false
		}
		for i := range x.FreeVars {
			if !Equal(x.FreeVars[i], y.FreeVars[i]) {
				return false
			}
		}
		return true
	case Ref:
		y, ok := b.(Ref)
		if !ok || x.Node != y.Node || x.Creation != y.Creation || len(x.IDs) != len(y.IDs) {
			return false
		}
		for i := range x.IDs {
			if x.IDs[i] != y.IDs[i] {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func compareListLike(a, b Term) int {
	ae, at := listParts(a)
	be, bt := listParts(b)
	n := len(ae)
	if len(be) < n {
		n = len(be)
	}
	for i := 0; i < n; i++ {
		if d := Compare(ae[i], be[i]); d != 0 {
			return d
		}
	}
	if d := cmpInt(len(ae), len(be)); d != 0 {
		return d
	}
	// Equal prefixes and lengths: tails decide. A proper tail (nil) sorts
	// before any improper tail.
	switch {
	case at == nil && bt == nil:
		return 0
	case at == nil:
		return -1
	case bt == nil:
		return 1
	default:
		return Compare(at, bt)
	}
}

// listParts splits a list-ordered term into elements and an improper tail
// (nil tail for proper lists).
func listParts(t Term) ([]Term, Term) {
	switch v := t.(type) {
	case Nil:
		return nil, nil
	case List:
		return v, nil
	case ImproperList:
		return v.Elements, v.Tail
	default:
		return nil, nil
	}
}

func compareBinaryLike(a, b Term) int {
	ab, abits := binaryParts(a)
	bb, bbits := binaryParts(b)
	if d := bytes.Compare(ab, bb); d != 0 {
		return d
	}
	return cmpInt(int(abits), int(bbits))
}

// binaryParts returns the bytes and trailing-bit count of a binary-ordered
// term. Whole-byte binaries count 8 trailing bits so they sort after a bit
// binary with the same leading bytes.
func binaryParts(t Term) ([]byte, uint8) {
	switch v := t.(type) {
	case Binary:
		return v, 8
	case String:
		return []byte(v), 8
	case BitBinary:
		return v.Bytes, v.Bits
	default:
		return nil, 0
	}
}

func compareTermSlices(a, b []Term) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if d := Compare(a[i], b[i]); d != 0 {
			return d
		}
	}
	return cmpInt(len(a), len(b))
}

// compareBigIntToInt64 compares big against the small integer v.
func compareBigIntToInt64(big BigInt, v int64) int {
	if small, ok := big.Int64(); ok {
		return cmpInt64(small, v)
	}
	// Magnitude exceeds 64 bits: sign decides.
	if big.Negative {
		return -1
	}
	return 1
}

func compareBigInts(a, b BigInt) int {
	if a.Negative != b.Negative {
		if a.Negative {
			return -1
		}
		return 1
	}
	d := compareMagnitudes(a.Digits, b.Digits)
	if a.Negative {
		return -d
	}
	return d
}

// compareMagnitudes compares little-endian magnitudes.
func compareMagnitudes(a, b []byte) int {
	an, bn := significantLen(a), significantLen(b)
	if an != bn {
		return cmpInt(an, bn)
	}
	for i := an - 1; i >= 0; i-- {
		if a[i] != b[i] {
			return cmpInt(int(a[i]), int(b[i]))
		}
	}
	return 0
}

func significantLen(digits []byte) int {
	n := len(digits)
	for n > 0 && digits[n-1] == 0 {
		n--
	}
	return n
}

func compareInt64Float(i int64, f float64) int {
	if math.IsNaN(f) {
		return -1 // NaN is greater than every number
	}
	return compareFloats(float64(i), f)
}

func compareFloats(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func bigIntToFloat(b BigInt) float64 {
	var f float64
	for i := len(b.Digits) - 1; i >= 0; i-- {
		f = f*256 + float64(b.Digits[i])
	}
	if b.Negative {
		f = -f
	}
	return f
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint32Slices(a, b []uint32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if d := cmpUint32(a[i], b[i]); d != 0 {
			return d
		}
	}
	return cmpInt(len(a), len(b))
}
