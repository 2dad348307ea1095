// Package dist implements the Erlang distribution protocol between two
// nodes: the version-6 handshake, the framed data-phase transport with tick
// keepalive, and the control-message codec.
package dist

import "strings"

// Flags is the 64-bit capability bitfield exchanged during the handshake.
// The intersection of both sides' flags selects the optional wire features
// used in the data phase.
type Flags uint64

const (
	// FlagPublished marks a node registered with the port mapper.
	FlagPublished Flags = 1 << 0

	// FlagExtendedReferences enables references with up to 5 id words.
	FlagExtendedReferences Flags = 1 << 2

	// FlagDistMonitor enables remote monitor/demonitor (ops 13/14/15).
	FlagDistMonitor Flags = 1 << 3

	// FlagFunTags enables fun terms on the wire.
	FlagFunTags Flags = 1 << 4

	// FlagExtendedPidsPorts enables the extended pid and port tags.
	FlagExtendedPidsPorts Flags = 1 << 8

	// FlagNewFunTags enables the new fun encoding (tag 112).
	FlagNewFunTags Flags = 1 << 11

	// FlagNewFloats enables the IEEE-754 float encoding (tag 70).
	FlagNewFloats Flags = 1 << 12

	// FlagUnlinkID enables the acknowledged unlink protocol (ops 35/36).
	FlagUnlinkID Flags = 1 << 14

	// FlagUTF8Atoms enables the UTF-8 atom tags (118/119).
	FlagUTF8Atoms Flags = 1 << 20

	// FlagMapTag enables the map tag (116).
	FlagMapTag Flags = 1 << 21

	// FlagPidAtomCache enables the distribution header atom cache.
	FlagPidAtomCache Flags = 1 << 22

	// FlagHandshake6 marks the version-6 handshake: 'N' name tags, 64-bit
	// flags and 32-bit creations.
	FlagHandshake6 Flags = 1 << 24

	// FlagBigCreation enables 32-bit creations inside pid/port/ref terms.
	FlagBigCreation Flags = 1 << 32

	// FlagNameMe asks the peer to assign the node a name. Never set by this
	// implementation.
	FlagNameMe Flags = 1 << 33
)

// MandatoryFlags are required on both sides; a handshake missing any of them
// fails.
func MandatoryFlags() Flags {
	return FlagExtendedReferences |
		FlagExtendedPidsPorts |
		FlagNewFloats |
		FlagUTF8Atoms |
		FlagMapTag |
		FlagBigCreation |
		FlagHandshake6
}

// DefaultFlags is the capability set this node offers.
func DefaultFlags() Flags {
	return MandatoryFlags() |
		FlagPublished |
		FlagDistMonitor |
		FlagFunTags |
		FlagNewFunTags |
		FlagUnlinkID
}

// Has reports whether every bit of q is set.
func (f Flags) Has(q Flags) bool {
	return f&q == q
}

// String renders the set flags for logs.
func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagPublished, "published"},
		{FlagExtendedReferences, "extended_references"},
		{FlagDistMonitor, "dist_monitor"},
		{FlagFunTags, "fun_tags"},
		{FlagExtendedPidsPorts, "extended_pids_ports"},
		{FlagNewFunTags, "new_fun_tags"},
		{FlagNewFloats, "new_floats"},
		{FlagUnlinkID, "unlink_id"},
		{FlagUTF8Atoms, "utf8_atoms"},
		{FlagMapTag, "map_tag"},
		{FlagPidAtomCache, "pid_atom_cache"},
		{FlagHandshake6, "handshake_6"},
		{FlagBigCreation, "big_creation"},
		{FlagNameMe, "name_me"},
	}
	var set []string
	for _, n := range names {
		if f.Has(n.bit) {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, "|")
}
