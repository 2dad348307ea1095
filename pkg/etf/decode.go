package etf

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Decoder reads version-tagged terms from an in-memory buffer. A single
// Decoder can read several consecutive terms, which is how data-phase frames
// carry a control message followed by a payload.
type Decoder struct {
	data  []byte
	pos   int
	path  []int
	cache *AtomCache
}

// NewDecoder returns a decoder over data. cache resolves atom cache
// references (tag 82) and may be nil when no distribution header is in use.
func NewDecoder(data []byte, cache *AtomCache) *Decoder {
	return &Decoder{data: data, cache: cache}
}

// Decode is a convenience for decoding a buffer holding exactly one term.
func Decode(data []byte) (Term, error) {
	d := NewDecoder(data, nil)
	t, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, d.errorf(ErrInsufficientData, "%d trailing bytes after term", d.Remaining())
	}
	return t, nil
}

// Decode reads one version-tagged term.
func (d *Decoder) Decode() (Term, error) {
	v, err := d.takeByte()
	if err != nil {
		return nil, err
	}
	if v != versionTag {
		d.pos--
		return nil, d.errorf(ErrBadVersion, "got %d, want %d", v, versionTag)
	}
	d.path = d.path[:0]
	return d.term()
}

// Remaining returns the number of unconsumed bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// term decodes one tagged term at the current position.
func (d *Decoder) term() (Term, error) {
	tag, err := d.takeByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagSmallInteger:
		b, err := d.takeByte()
		if err != nil {
			return nil, err
		}
		return Int(b), nil

	case tagInteger:
		raw, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return Int(int32(binary.BigEndian.Uint32(raw))), nil

	case tagNewFloat:
		raw, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(raw))), nil

	case tagFloatLegacy:
		raw, err := d.take(31)
		if err != nil {
			return nil, err
		}
		text := strings.TrimRight(string(raw), "\x00 ")
		f, perr := strconv.ParseFloat(text, 64)
		if perr != nil {
			return nil, d.errorf(ErrUnknownTag, "bad legacy float %q", text)
		}
		return Float(f), nil

	case tagSmallAtomUTF, tagSmallAtomLegacy:
		a, err := d.atomBody(1, tag == tagSmallAtomUTF)
		if err != nil {
			return nil, err
		}
		return a, nil

	case tagAtomUTF, tagAtomLegacy:
		a, err := d.atomBody(2, tag == tagAtomUTF)
		if err != nil {
			return nil, err
		}
		return a, nil

	case tagCacheRef:
		index, err := d.takeByte()
		if err != nil {
			return nil, err
		}
		if d.cache == nil {
			return nil, d.errorf(ErrBadCacheRef, "cache ref %d without negotiated atom cache", index)
		}
		a, ok := d.cache.Get(index)
		if !ok {
			return nil, d.errorf(ErrBadCacheRef, "empty cache slot %d", index)
		}
		return a, nil

	case tagSmallTuple:
		n, err := d.takeByte()
		if err != nil {
			return nil, err
		}
		return d.tupleBody(int(n))

	case tagLargeTuple:
		n, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		return d.tupleBody(int(n))

	case tagMap:
		n, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		m := NewMap()
		for i := 0; i < int(n); i++ {
			d.push(i)
			key, err := d.term()
			if err != nil {
				return nil, err
			}
			value, err := d.term()
			if err != nil {
				return nil, err
			}
			d.pop()
			// Duplicate keys collapse to the last-written value.
			m.Set(key, value)
		}
		return m, nil

	case tagNil:
		return Nil{}, nil

	case tagString:
		n, err := d.takeUint16()
		if err != nil {
			return nil, err
		}
		raw, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		return String(raw), nil

	case tagList:
		n, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		elems := make([]Term, 0, minInt(int(n), 4096))
		for i := 0; i < int(n); i++ {
			d.push(i)
			elem, err := d.term()
			if err != nil {
				return nil, err
			}
			d.pop()
			elems = append(elems, elem)
		}
		d.push(int(n))
		tail, err := d.term()
		if err != nil {
			return nil, err
		}
		d.pop()
		if _, isNil := tail.(Nil); isNil {
			return List(elems), nil
		}
		return ImproperList{Elements: elems, Tail: tail}, nil

	case tagBinary:
		n, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		raw, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return Binary(out), nil

	case tagBitBinary:
		n, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		bits, err := d.takeByte()
		if err != nil {
			return nil, err
		}
		raw, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		if bits < 1 || bits > 7 {
			return nil, d.errorf(ErrUnknownTag, "bit binary with %d trailing bits", bits)
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return BitBinary{Bytes: out, Bits: bits}, nil

	case tagSmallBig:
		n, err := d.takeByte()
		if err != nil {
			return nil, err
		}
		return d.bigBody(int(n))

	case tagLargeBig:
		n, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		if n > uint32(len(d.data)-d.pos) {
			return nil, d.errorf(ErrBigIntOverflow, "digit count %d exceeds buffer", n)
		}
		return d.bigBody(int(n))

	case tagNewPid, tagPidLegacy:
		node, err := d.nodeAtom()
		if err != nil {
			return nil, err
		}
		id, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		serial, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		creation, err := d.creation(tag == tagNewPid)
		if err != nil {
			return nil, err
		}
		return Pid{Node: node, ID: id, Serial: serial, Creation: creation}, nil

	case tagNewPort:
		node, err := d.nodeAtom()
		if err != nil {
			return nil, err
		}
		raw, err := d.take(8)
		if err != nil {
			return nil, err
		}
		creation, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		return Port{Node: node, ID: binary.BigEndian.Uint64(raw), Creation: creation}, nil

	case tagPortLegacy:
		node, err := d.nodeAtom()
		if err != nil {
			return nil, err
		}
		id, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		creation, err := d.creation(false)
		if err != nil {
			return nil, err
		}
		return Port{Node: node, ID: uint64(id), Creation: creation}, nil

	case tagNewerRef, tagNewRefLegacy:
		count, err := d.takeUint16()
		if err != nil {
			return nil, err
		}
		if count < 1 || count > 5 {
			return nil, d.errorf(ErrUnknownTag, "reference with %d id words", count)
		}
		node, err := d.nodeAtom()
		if err != nil {
			return nil, err
		}
		creation, err := d.creation(tag == tagNewerRef)
		if err != nil {
			return nil, err
		}
		ids := make([]uint32, count)
		for i := range ids {
			if ids[i], err = d.takeUint32(); err != nil {
				return nil, err
			}
		}
		return Ref{Node: node, Creation: creation, IDs: ids}, nil

	case tagRefLegacy:
		node, err := d.nodeAtom()
		if err != nil {
			return nil, err
		}
		id, err := d.takeUint32()
		if err != nil {
			return nil, err
		}
		creation, err := d.creation(false)
		if err != nil {
			return nil, err
		}
		return Ref{Node: node, Creation: creation, IDs: []uint32{id}}, nil

	case tagExport:
		module, err := d.anyAtom()
		if err != nil {
			return nil, err
		}
		function, err := d.anyAtom()
		if err != nil {
			return nil, err
		}
		arity, err := d.term()
		if err != nil {
			return nil, err
		}
		n, ok := arity.(Int)
		if !ok || n < 0 || n > 255 {
			return nil, d.errorf(ErrUnknownTag, "export arity is not a small integer")
		}
		return Export{Module: module, Function: function, Arity: uint8(n)}, nil

	case tagNewFun:
		return d.funBody()

	default:
		return nil, d.errorf(ErrUnknownTag, "tag %d", tag)
	}
}

func (d *Decoder) tupleBody(arity int) (Term, error) {
	elems := make([]Term, 0, minInt(arity, 4096))
	for i := 0; i < arity; i++ {
		d.push(i)
		elem, err := d.term()
		if err != nil {
			return nil, err
		}
		d.pop()
		elems = append(elems, elem)
	}
	return Tuple(elems), nil
}

func (d *Decoder) bigBody(digits int) (Term, error) {
	sign, err := d.takeByte()
	if err != nil {
		return nil, err
	}
	raw, err := d.take(digits)
	if err != nil {
		return nil, err
	}
	mag := make([]byte, len(raw))
	copy(mag, raw)
	big := BigInt{Negative: sign != 0, Digits: mag}
	// Collapse values that fit 64 bits so that integer identity does not
	// depend on which tag the peer chose.
	if v, ok := big.Int64(); ok {
		return Int(v), nil
	}
	return big, nil
}

func (d *Decoder) funBody() (Term, error) {
	if _, err := d.takeUint32(); err != nil { // total size, redundant
		return nil, err
	}
	arity, err := d.takeByte()
	if err != nil {
		return nil, err
	}
	uniqRaw, err := d.take(16)
	if err != nil {
		return nil, err
	}
	var uniq [16]byte
	copy(uniq[:], uniqRaw)
	index, err := d.takeUint32()
	if err != nil {
		return nil, err
	}
	numFree, err := d.takeUint32()
	if err != nil {
		return nil, err
	}
	module, err := d.anyAtom()
	if err != nil {
		return nil, err
	}
	oldIndexT, err := d.term()
	if err != nil {
		return nil, err
	}
	oldUniqT, err := d.term()
	if err != nil {
		return nil, err
	}
	pidT, err := d.term()
	if err != nil {
		return nil, err
	}
	oldIndex, _ := AsInt(oldIndexT)
	oldUniq, _ := AsInt(oldUniqT)
	pid, ok := pidT.(Pid)
	if !ok {
		return nil, d.errorf(ErrUnknownTag, "fun owner is not a pid")
	}
	freeVars := make([]Term, 0, minInt(int(numFree), 4096))
	for i := 0; i < int(numFree); i++ {
		d.push(i)
		fv, err := d.term()
		if err != nil {
			return nil, err
		}
		d.pop()
		freeVars = append(freeVars, fv)
	}
	return &Fun{
		Arity:    arity,
		Uniq:     uniq,
		Index:    index,
		Module:   module,
		OldIndex: uint32(oldIndex),
		OldUniq:  uint32(oldUniq),
		Pid:      pid,
		FreeVars: freeVars,
	}, nil
}

// atomBody decodes an atom payload after its tag. lenBytes is 1 or 2;
// utf8Checked enforces UTF-8 validity for the modern tags.
func (d *Decoder) atomBody(lenBytes int, utf8Checked bool) (Atom, error) {
	var n int
	switch lenBytes {
	case 1:
		b, err := d.takeByte()
		if err != nil {
			return "", err
		}
		n = int(b)
	default:
		v, err := d.takeUint16()
		if err != nil {
			return "", err
		}
		n = int(v)
	}
	raw, err := d.take(n)
	if err != nil {
		return "", err
	}
	if utf8Checked && !utf8.Valid(raw) {
		return "", d.errorf(ErrInvalidUTF8, "%q", raw)
	}
	return internBytes(raw), nil
}

// nodeAtom reads the node field of a pid, port or reference.
func (d *Decoder) nodeAtom() (Atom, error) {
	return d.anyAtom()
}

// anyAtom decodes a term and requires it to be an atom (including cache
// references).
func (d *Decoder) anyAtom() (Atom, error) {
	t, err := d.term()
	if err != nil {
		return "", err
	}
	a, ok := t.(Atom)
	if !ok {
		return "", d.errorf(ErrUnknownTag, "expected atom, got %s", TypeName(t))
	}
	return a, nil
}

// creation reads a 32-bit creation for modern tags or the legacy single
// byte.
func (d *Decoder) creation(wide bool) (uint32, error) {
	if wide {
		return d.takeUint32()
	}
	b, err := d.takeByte()
	return uint32(b), err
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.data)-d.pos < n {
		return nil, d.errorf(ErrInsufficientData, "need %d bytes, have %d", n, len(d.data)-d.pos)
	}
	out := d.data[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *Decoder) takeByte() (byte, error) {
	raw, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

func (d *Decoder) takeUint16() (uint16, error) {
	raw, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(raw), nil
}

func (d *Decoder) takeUint32() (uint32, error) {
	raw, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (d *Decoder) push(index int) {
	d.path = append(d.path, index)
}

func (d *Decoder) pop() {
	d.path = d.path[:len(d.path)-1]
}

func (d *Decoder) errorf(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	path := make([]int, len(d.path))
	copy(path, d.path)
	e := &DecodeError{Kind: kind, Offset: d.pos, Path: path}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
