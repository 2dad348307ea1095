package etf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Version tag prefixing every top-level term.
const versionTag = 131

// External term format type tags. The encoder only emits the current tags;
// the decoder additionally accepts the legacy set below.
const (
	tagSmallInteger = 97  // 1-byte unsigned
	tagInteger      = 98  // 4-byte big-endian signed
	tagNewFloat     = 70  // 8-byte IEEE-754 big-endian
	tagSmallAtomUTF = 119 // 1-byte length + UTF-8 bytes
	tagAtomUTF      = 118 // 2-byte length + UTF-8 bytes
	tagSmallTuple   = 104 // 1-byte arity
	tagLargeTuple   = 105 // 4-byte arity
	tagMap          = 116 // 4-byte arity, key/value pairs
	tagNil          = 106
	tagString       = 107 // 2-byte length + bytes
	tagList         = 108 // 4-byte length, elements, tail
	tagBinary       = 109 // 4-byte length + bytes
	tagBitBinary    = 77  // 4-byte length, 1-byte bit count, bytes
	tagSmallBig     = 110 // 1-byte digit count, sign, little-endian digits
	tagLargeBig     = 111 // 4-byte digit count, sign, little-endian digits
	tagNewPid       = 88  // node, 4-byte id, 4-byte serial, 4-byte creation
	tagNewPort      = 89  // node, 8-byte id, 4-byte creation
	tagNewerRef     = 90  // 2-byte id count, node, 4-byte creation, id words
	tagExport       = 113 // module, function, arity
	tagNewFun       = 112 // size, arity, uniq, index, free count, env
	tagCacheRef     = 82  // 1-byte atom cache index

	// Legacy tags, decode-only.
	tagAtomLegacy      = 100 // 2-byte length + bytes
	tagSmallAtomLegacy = 115 // 1-byte length + bytes
	tagFloatLegacy     = 99  // 31-byte text form
	tagPidLegacy       = 103 // node, 4-byte id, 4-byte serial, 1-byte creation
	tagPortLegacy      = 102 // node, 4-byte id, 1-byte creation
	tagRefLegacy       = 101 // node, 4-byte id, 1-byte creation
	tagNewRefLegacy    = 114 // 2-byte id count, node, 1-byte creation, id words
)

// Encode serializes t prefixed with the version tag. The output is
// deterministic: encoding the same term twice yields identical bytes.
func Encode(t Term) ([]byte, error) {
	buf := make([]byte, 1, 1+estimateSize(t))
	buf[0] = versionTag
	return appendTerm(buf, t, nil, nil)
}

// FrameEncoder serializes the terms of one data-phase frame against a
// connection's outgoing atom cache. The first use of an uncached atom is
// written in full and recorded as an install entry in the frame's
// distribution header; every later use within the frame becomes a one-byte
// cache reference. The connection's write lock must be held across a frame's
// Add calls and the cache mutation they imply.
type FrameEncoder struct {
	cache  *OutgoingCache
	header *headerBuilder
	body   []byte
}

// NewFrameEncoder returns an encoder writing through cache. A nil cache
// disables atom caching: terms encode standalone and Bytes returns no
// distribution header.
func NewFrameEncoder(cache *OutgoingCache) *FrameEncoder {
	e := &FrameEncoder{cache: cache}
	if cache != nil {
		e.header = newHeaderBuilder()
	}
	return e
}

// Add appends one version-tagged term to the frame body.
func (e *FrameEncoder) Add(t Term) error {
	buf := append(e.body, versionTag)
	buf, err := appendTerm(buf, t, e.cache, e.header)
	if err != nil {
		return err
	}
	e.body = buf
	return nil
}

// Frame returns the distribution header (empty when atom caching is off or
// the frame touched no atoms) and the encoded terms. The transport writes
// the header before its pass-through byte and the body after it.
func (e *FrameEncoder) Frame() (header, body []byte, err error) {
	if e.header == nil || len(e.header.refs) == 0 {
		return nil, e.body, nil
	}
	header, err = e.header.encode(nil)
	if err != nil {
		return nil, nil, err
	}
	return header, e.body, nil
}

// appendTerm appends the encoding of t. cache and header are nil outside
// frame encoding.
func appendTerm(buf []byte, t Term, cache *OutgoingCache, header *headerBuilder) ([]byte, error) {
	var err error
	switch v := t.(type) {
	case Atom:
		return appendAtom(buf, v, cache, header)

	case Int:
		return appendInt(buf, int64(v)), nil

	case BigInt:
		return appendBigInt(buf, v)

	case Float:
		buf = append(buf, tagNewFloat)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(float64(v))), nil

	case Binary:
		buf = append(buf, tagBinary)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		return append(buf, v...), nil

	case BitBinary:
		if v.Bits < 1 || v.Bits > 7 {
			return nil, &EncodeError{Detail: fmt.Sprintf("bit binary with %d trailing bits", v.Bits)}
		}
		buf = append(buf, tagBitBinary)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Bytes)))
		buf = append(buf, v.Bits)
		return append(buf, v.Bytes...), nil

	case String:
		if len(v) > 0xFFFF {
			return nil, &EncodeError{Detail: fmt.Sprintf("string of %d bytes exceeds 65535", len(v))}
		}
		buf = append(buf, tagString)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
		return append(buf, v...), nil

	case Nil:
		return append(buf, tagNil), nil

	case List:
		if len(v) == 0 {
			return append(buf, tagNil), nil
		}
		buf = append(buf, tagList)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		for _, elem := range v {
			if buf, err = appendTerm(buf, elem, cache, header); err != nil {
				return nil, err
			}
		}
		return append(buf, tagNil), nil

	case ImproperList:
		if len(v.Elements) == 0 {
			return nil, &EncodeError{Detail: "improper list without elements"}
		}
		buf = append(buf, tagList)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Elements)))
		for _, elem := range v.Elements {
			if buf, err = appendTerm(buf, elem, cache, header); err != nil {
				return nil, err
			}
		}
		return appendTerm(buf, v.Tail, cache, header)

	case Tuple:
		if len(v) <= 255 {
			buf = append(buf, tagSmallTuple, byte(len(v)))
		} else {
			buf = append(buf, tagLargeTuple)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		}
		for _, elem := range v {
			if buf, err = appendTerm(buf, elem, cache, header); err != nil {
				return nil, err
			}
		}
		return buf, nil

	case *Map:
		buf = append(buf, tagMap)
		buf = binary.BigEndian.AppendUint32(buf, uint32(v.Len()))
		for _, entry := range v.entries {
			if buf, err = appendTerm(buf, entry.Key, cache, header); err != nil {
				return nil, err
			}
			if buf, err = appendTerm(buf, entry.Value, cache, header); err != nil {
				return nil, err
			}
		}
		return buf, nil

	case Pid:
		buf = append(buf, tagNewPid)
		if buf, err = appendAtom(buf, v.Node, cache, header); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, v.ID)
		buf = binary.BigEndian.AppendUint32(buf, v.Serial)
		return binary.BigEndian.AppendUint32(buf, v.Creation), nil

	case Port:
		buf = append(buf, tagNewPort)
		if buf, err = appendAtom(buf, v.Node, cache, header); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint64(buf, v.ID)
		return binary.BigEndian.AppendUint32(buf, v.Creation), nil

	case Ref:
		if len(v.IDs) < 1 || len(v.IDs) > 5 {
			return nil, &EncodeError{Detail: fmt.Sprintf("reference with %d id words", len(v.IDs))}
		}
		buf = append(buf, tagNewerRef)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v.IDs)))
		if buf, err = appendAtom(buf, v.Node, cache, header); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, v.Creation)
		for _, id := range v.IDs {
			buf = binary.BigEndian.AppendUint32(buf, id)
		}
		return buf, nil

	case Export:
		buf = append(buf, tagExport)
		if buf, err = appendAtom(buf, v.Module, cache, header); err != nil {
			return nil, err
		}
		if buf, err = appendAtom(buf, v.Function, cache, header); err != nil {
			return nil, err
		}
		return append(buf, tagSmallInteger, v.Arity), nil

	case *Fun:
		return appendFun(buf, v, cache, header)

	default:
		return nil, &EncodeError{Detail: fmt.Sprintf("unsupported term %T", t)}
	}
}

// appendAtom picks the narrowest atom form, or a cache reference when the
// atom was already resolved for this frame.
func appendAtom(buf []byte, a Atom, cache *OutgoingCache, header *headerBuilder) ([]byte, error) {
	if len(a) > 0xFFFF {
		return nil, &EncodeError{Detail: fmt.Sprintf("atom of %d bytes exceeds 65535", len(a))}
	}
	if cache != nil && header != nil {
		if index, seenBefore := header.resolve(cache, a); seenBefore {
			return append(buf, tagCacheRef, index), nil
		}
	}
	if len(a) <= 255 {
		buf = append(buf, tagSmallAtomUTF, byte(len(a)))
	} else {
		buf = append(buf, tagAtomUTF)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(a)))
	}
	return append(buf, a...), nil
}

// appendInt picks the narrowest integer form: small integer for 0..255,
// 32-bit integer within the signed i32 range, small big otherwise.
func appendInt(buf []byte, v int64) []byte {
	switch {
	case v >= 0 && v <= 255:
		return append(buf, tagSmallInteger, byte(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		buf = append(buf, tagInteger)
		return binary.BigEndian.AppendUint32(buf, uint32(int32(v)))
	default:
		out, _ := appendBigInt(buf, bigIntFromInt64(v))
		return out
	}
}

func appendBigInt(buf []byte, v BigInt) ([]byte, error) {
	sign := byte(0)
	if v.Negative {
		sign = 1
	}
	if len(v.Digits) <= 255 {
		buf = append(buf, tagSmallBig, byte(len(v.Digits)), sign)
	} else {
		if uint64(len(v.Digits)) > math.MaxUint32 {
			return nil, &EncodeError{Detail: "big integer digit count exceeds 32 bits"}
		}
		buf = append(buf, tagLargeBig)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Digits)))
		buf = append(buf, sign)
	}
	return append(buf, v.Digits...), nil
}

func appendFun(buf []byte, v *Fun, cache *OutgoingCache, header *headerBuilder) ([]byte, error) {
	// Size field counts from the size word itself through the last free var,
	// so encode the payload first.
	inner := []byte{v.Arity}
	inner = append(inner, v.Uniq[:]...)
	inner = binary.BigEndian.AppendUint32(inner, v.Index)
	inner = binary.BigEndian.AppendUint32(inner, uint32(len(v.FreeVars)))
	inner, err := appendAtom(inner, v.Module, cache, header)
	if err != nil {
		return nil, err
	}
	inner = appendInt(inner, int64(v.OldIndex))
	inner = appendInt(inner, int64(v.OldUniq))
	if inner, err = appendTerm(inner, v.Pid, cache, header); err != nil {
		return nil, err
	}
	for _, fv := range v.FreeVars {
		if inner, err = appendTerm(inner, fv, cache, header); err != nil {
			return nil, err
		}
	}
	buf = append(buf, tagNewFun)
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(inner)))
	return append(buf, inner...), nil
}

// estimateSize guesses the encoded size to pre-size buffers. It only has to
// be cheap and roughly right.
func estimateSize(t Term) int {
	switch v := t.(type) {
	case Atom:
		return 3 + len(v)
	case Int:
		return 5
	case BigInt:
		return 6 + len(v.Digits)
	case Float:
		return 9
	case Binary:
		return 5 + len(v)
	case BitBinary:
		return 6 + len(v.Bytes)
	case String:
		return 3 + len(v)
	case List:
		n := 6
		for _, e := range v {
			n += estimateSize(e)
		}
		return n
	case ImproperList:
		n := 5 + estimateSize(v.Tail)
		for _, e := range v.Elements {
			n += estimateSize(e)
		}
		return n
	case Tuple:
		n := 5
		for _, e := range v {
			n += estimateSize(e)
		}
		return n
	case *Map:
		n := 5
		for _, e := range v.entries {
			n += estimateSize(e.Key) + estimateSize(e.Value)
		}
		return n
	case Pid:
		return 16 + len(v.Node)
	case Port:
		return 16 + len(v.Node)
	case Ref:
		return 10 + len(v.Node) + 4*len(v.IDs)
	default:
		return 32
	}
}
