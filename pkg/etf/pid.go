package etf

import (
	"fmt"
	"strconv"
	"strings"
)

// String formats the pid as <id.serial.creation>.
func (p Pid) String() string {
	return fmt.Sprintf("<%d.%d.%d>", p.ID, p.Serial, p.Creation)
}

// ErlangString formats the pid the way the runtime prints local pids,
// suitable for erlang:list_to_pid/1 on the owning node.
func (p Pid) ErlangString() string {
	return fmt.Sprintf("<0.%d.%d>", p.ID, p.Serial)
}

// ParsePid parses a <id.serial.creation> string produced by Pid.String,
// attaching the given node atom.
func ParsePid(node Atom, s string) (Pid, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "<") || !strings.HasSuffix(trimmed, ">") {
		return Pid{}, &DecodeError{Kind: ErrInvalidPid, Detail: fmt.Sprintf("missing angle brackets in %q", s)}
	}
	parts := strings.Split(trimmed[1:len(trimmed)-1], ".")
	if len(parts) != 3 {
		return Pid{}, &DecodeError{Kind: ErrInvalidPid, Detail: fmt.Sprintf("want id.serial.creation, got %q", s)}
	}
	words := make([]uint32, 3)
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return Pid{}, &DecodeError{Kind: ErrInvalidPid, Detail: fmt.Sprintf("bad component %q in %q", part, s)}
		}
		words[i] = uint32(v)
	}
	return Pid{Node: node, ID: words[0], Serial: words[1], Creation: words[2]}, nil
}

func (r Ref) String() string {
	ids := make([]string, len(r.IDs))
	for i, id := range r.IDs {
		ids[i] = strconv.FormatUint(uint64(id), 10)
	}
	return fmt.Sprintf("#Ref<%d.%s>", r.Creation, strings.Join(ids, "."))
}
