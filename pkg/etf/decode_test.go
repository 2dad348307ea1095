package etf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLegacyTags(t *testing.T) {
	t.Run("PlainAtom", func(t *testing.T) {
		decoded, err := Decode([]byte{versionTag, tagAtomLegacy, 0, 2, 'o', 'k'})
		require.NoError(t, err)
		assert.Equal(t, AtomOK, decoded)
	})

	t.Run("SmallPlainAtom", func(t *testing.T) {
		decoded, err := Decode([]byte{versionTag, tagSmallAtomLegacy, 4, 't', 'r', 'u', 'e'})
		require.NoError(t, err)
		assert.Equal(t, AtomTrue, decoded)
	})

	t.Run("TextFloat", func(t *testing.T) {
		raw := make([]byte, 31)
		copy(raw, "1.50000000000000000000e+00")
		decoded, err := Decode(append([]byte{versionTag, tagFloatLegacy}, raw...))
		require.NoError(t, err)
		assert.Equal(t, Float(1.5), decoded)
	})

	t.Run("OldPid", func(t *testing.T) {
		buf := []byte{versionTag, tagPidLegacy, tagSmallAtomUTF, 1, 'n'}
		buf = append(buf, 0, 0, 0, 9) // id
		buf = append(buf, 0, 0, 0, 0) // serial
		buf = append(buf, 3)          // 1-byte creation
		decoded, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, Pid{Node: etfAtom("n"), ID: 9, Serial: 0, Creation: 3}, decoded)
	})

	t.Run("OldPort", func(t *testing.T) {
		buf := []byte{versionTag, tagPortLegacy, tagSmallAtomUTF, 1, 'n'}
		buf = append(buf, 0, 0, 0, 5) // 4-byte id
		buf = append(buf, 2)          // 1-byte creation
		decoded, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, Port{Node: etfAtom("n"), ID: 5, Creation: 2}, decoded)
	})

	t.Run("OldReference", func(t *testing.T) {
		buf := []byte{versionTag, tagRefLegacy, tagSmallAtomUTF, 1, 'n'}
		buf = append(buf, 0, 0, 0, 7) // single id word
		buf = append(buf, 1)          // 1-byte creation
		decoded, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, Ref{Node: etfAtom("n"), Creation: 1, IDs: []uint32{7}}, decoded)
	})

	t.Run("NewReferenceNarrowCreation", func(t *testing.T) {
		buf := []byte{versionTag, tagNewRefLegacy, 0, 2, tagSmallAtomUTF, 1, 'n'}
		buf = append(buf, 4)          // 1-byte creation
		buf = append(buf, 0, 0, 0, 1) // word 0
		buf = append(buf, 0, 0, 0, 2) // word 1
		decoded, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, Ref{Node: etfAtom("n"), Creation: 4, IDs: []uint32{1, 2}}, decoded)
	})
}

func TestDecodeErrors(t *testing.T) {
	t.Run("BadVersion", func(t *testing.T) {
		_, err := Decode([]byte{130, tagNil})
		requireDecodeKind(t, err, ErrBadVersion)
	})

	t.Run("UnknownTag", func(t *testing.T) {
		_, err := Decode([]byte{versionTag, 250})
		requireDecodeKind(t, err, ErrUnknownTag)
	})

	t.Run("Truncated", func(t *testing.T) {
		encoded, err := Encode(T(Int(1), Int(2), Int(3)))
		require.NoError(t, err)
		_, err = Decode(encoded[:len(encoded)-1])
		requireDecodeKind(t, err, ErrInsufficientData)
	})

	t.Run("InvalidAtomUTF8", func(t *testing.T) {
		_, err := Decode([]byte{versionTag, tagSmallAtomUTF, 2, 0xFF, 0xFE})
		requireDecodeKind(t, err, ErrInvalidUTF8)
	})

	t.Run("BigDigitCountOverflow", func(t *testing.T) {
		_, err := Decode([]byte{versionTag, tagLargeBig, 0xFF, 0xFF, 0xFF, 0xFF, 0})
		requireDecodeKind(t, err, ErrBigIntOverflow)
	})

	t.Run("CacheRefWithoutCache", func(t *testing.T) {
		_, err := Decode([]byte{versionTag, tagCacheRef, 0})
		requireDecodeKind(t, err, ErrBadCacheRef)
	})

	t.Run("TrailingBytes", func(t *testing.T) {
		_, err := Decode([]byte{versionTag, tagNil, 0})
		requireDecodeKind(t, err, ErrInsufficientData)
	})

	t.Run("ErrorCarriesPath", func(t *testing.T) {
		// {1, {2, <truncated>}}
		encoded, err := Encode(T(Int(1), T(Int(2), Binary{1, 2, 3})))
		require.NoError(t, err)
		_, err = Decode(encoded[:len(encoded)-2])
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.NotEmpty(t, decodeErr.Path)
		assert.Positive(t, decodeErr.Offset)
	})
}

func TestDecodeMapDuplicateKeys(t *testing.T) {
	// Hand-build a map with the key "a" twice; the later value wins.
	buf := []byte{versionTag, tagMap, 0, 0, 0, 2}
	buf = append(buf, tagSmallAtomUTF, 1, 'a', tagSmallInteger, 1)
	buf = append(buf, tagSmallAtomUTF, 1, 'a', tagSmallInteger, 2)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	m, ok := AsMap(decoded)
	require.True(t, ok)
	assert.Equal(t, 1, m.Len())
	value, found := m.GetAtom("a")
	require.True(t, found)
	assert.Equal(t, Int(2), value)
}

func TestDecodeMultipleTerms(t *testing.T) {
	first, err := Encode(AtomOK)
	require.NoError(t, err)
	second, err := Encode(Int(42))
	require.NoError(t, err)

	dec := NewDecoder(append(first, second...), nil)
	a, err := dec.Decode()
	require.NoError(t, err)
	b, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, AtomOK, a)
	assert.Equal(t, Int(42), b)
	assert.Zero(t, dec.Remaining())
}

func TestDecodeBigCollapsesToInt(t *testing.T) {
	// 300 encoded as a small big still decodes to a fixed-width integer.
	buf := []byte{versionTag, tagSmallBig, 2, 0, 0x2C, 0x01}
	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, Int(300), decoded)
}

func requireDecodeKind(t *testing.T, err error, kind DecodeErrorKind) {
	t.Helper()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, kind, decodeErr.Kind, "got %v", decodeErr)
}
