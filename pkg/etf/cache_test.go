package etf

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomCacheStoresAndRetrieves(t *testing.T) {
	cache := NewAtomCache()

	cache.Insert(0, etfAtom("test"))
	got, ok := cache.Get(0)
	require.True(t, ok)
	assert.Equal(t, etfAtom("test"), got)
}

func TestAtomCacheEmptyState(t *testing.T) {
	cache := NewAtomCache()
	assert.True(t, cache.IsEmpty())
	assert.Zero(t, cache.Len())

	_, ok := cache.Get(17)
	assert.False(t, ok)
}

func TestAtomCacheOverwritesSameIndex(t *testing.T) {
	cache := NewAtomCache()
	cache.Insert(5, etfAtom("first"))
	cache.Insert(5, etfAtom("second"))

	got, ok := cache.Get(5)
	require.True(t, ok)
	assert.Equal(t, etfAtom("second"), got)
	assert.Equal(t, 1, cache.Len())
}

func TestAtomCacheProtocolLimit(t *testing.T) {
	cache := NewAtomCache()
	for i := 0; i < 1000; i++ {
		cache.Insert(uint8(i%256), etfAtom(fmt.Sprintf("atom_%d", i)))
	}
	assert.Equal(t, 256, cache.Len(), "cache limited to 256 slots by byte index")
}

func TestOutgoingCacheEvictsOnWrap(t *testing.T) {
	cache := NewOutgoingCache()

	first := cache.Install(etfAtom("atom_0"))
	for i := 1; i < 256; i++ {
		cache.Install(etfAtom(fmt.Sprintf("atom_%d", i)))
	}

	// Slot 0 wraps around and evicts atom_0.
	wrapped := cache.Install(etfAtom("late"))
	assert.Equal(t, first, wrapped)

	_, stillCached := cache.Lookup(etfAtom("atom_0"))
	assert.False(t, stillCached)
	index, cached := cache.Lookup(etfAtom("late"))
	require.True(t, cached)
	assert.Equal(t, first, index)
}

func TestDecodeDistHeader(t *testing.T) {
	t.Run("InstallAndUse", func(t *testing.T) {
		cache := NewAtomCache()
		header := []byte{
			distHeaderTag, 2,
			7, 1, 0, 2, 'o', 'k', // install "ok" in slot 7
			7, 0, // use cached slot 7
		}
		rest, err := DecodeDistHeader(append(header, 0xAB), cache)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xAB}, rest)

		got, ok := cache.Get(7)
		require.True(t, ok)
		assert.Equal(t, AtomOK, got)
	})

	t.Run("UseBeforeInstallFails", func(t *testing.T) {
		cache := NewAtomCache()
		header := []byte{distHeaderTag, 1, 3, 0}
		_, err := DecodeDistHeader(header, cache)
		requireDecodeKind(t, err, ErrBadCacheRef)
	})

	t.Run("TruncatedHeaderFails", func(t *testing.T) {
		cache := NewAtomCache()
		_, err := DecodeDistHeader([]byte{distHeaderTag, 1, 3}, cache)
		requireDecodeKind(t, err, ErrBadDistHeader)
	})

	t.Run("NoHeaderPassesThrough", func(t *testing.T) {
		data := []byte{112, versionTag, tagNil}
		rest, err := DecodeDistHeader(data, NewAtomCache())
		require.NoError(t, err)
		assert.Equal(t, data, rest)
	})
}
