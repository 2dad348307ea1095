package dist

import (
	"github.com/marmos91/erlnode/pkg/etf"
)

// Control message op-codes carried as the first element of the control
// tuple.
const (
	opSend        = 2
	opExit        = 3
	opLink        = 4
	opExit2       = 5
	opRegSend     = 6
	opMonitor     = 13
	opDemonitor   = 14
	opMonitorDown = 15
	opUnlinkID    = 35
	opUnlinkIDAck = 36
)

// ControlMessage is one decoded data-phase control tuple. The concrete types
// below mirror the op-code table; ops that deliver a payload term (Send,
// RegSend) have it returned alongside by ReadMessage.
type ControlMessage interface {
	// controlTuple renders the wire form of the message.
	controlTuple() etf.Tuple
}

// Send delivers a payload to a pid ({2, Unused, ToPid}).
type Send struct {
	To etf.Pid
}

// RegSend delivers a payload to a registered name
// ({6, FromPid, Unused, ToName}).
type RegSend struct {
	From   etf.Pid
	ToName etf.Atom
}

// Exit propagates a link exit signal ({3, FromPid, ToPid, Reason}).
type Exit struct {
	From   etf.Pid
	To     etf.Pid
	Reason etf.Term
}

// Link establishes a link ({4, FromPid, ToPid}).
type Link struct {
	From etf.Pid
	To   etf.Pid
}

// Exit2 is an explicit exit/2 kill signal ({5, FromPid, ToPid, Reason}).
type Exit2 struct {
	From   etf.Pid
	To     etf.Pid
	Reason etf.Term
}

// Monitor starts monitoring a process or registered name
// ({13, FromPid, ToProc, Ref}).
type Monitor struct {
	From etf.Pid
	To   etf.Term // Pid or Atom
	Ref  etf.Ref
}

// Demonitor cancels a monitor ({14, FromPid, ToProc, Ref}).
type Demonitor struct {
	From etf.Pid
	To   etf.Term // Pid or Atom
	Ref  etf.Ref
}

// MonitorDown reports a monitored process exit
// ({15, FromProc, ToPid, Ref, Reason}).
type MonitorDown struct {
	From   etf.Term // Pid or Atom
	To     etf.Pid
	Ref    etf.Ref
	Reason etf.Term
}

// Unlink starts an acknowledged unlink ({35, Id, FromPid, ToPid}).
type Unlink struct {
	ID   uint64
	From etf.Pid
	To   etf.Pid
}

// UnlinkAck acknowledges an Unlink with the same id
// ({36, Id, FromPid, ToPid}).
type UnlinkAck struct {
	ID   uint64
	From etf.Pid
	To   etf.Pid
}

func (m Send) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opSend), etf.Atom(""), m.To)
}

func (m RegSend) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opRegSend), m.From, etf.Atom(""), m.ToName)
}

func (m Exit) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opExit), m.From, m.To, m.Reason)
}

func (m Link) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opLink), m.From, m.To)
}

func (m Exit2) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opExit2), m.From, m.To, m.Reason)
}

func (m Monitor) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opMonitor), m.From, m.To, m.Ref)
}

func (m Demonitor) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opDemonitor), m.From, m.To, m.Ref)
}

func (m MonitorDown) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opMonitorDown), m.From, m.To, m.Ref, m.Reason)
}

func (m Unlink) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opUnlinkID), etf.Int(m.ID), m.From, m.To)
}

func (m UnlinkAck) controlTuple() etf.Tuple {
	return etf.T(etf.Int(opUnlinkIDAck), etf.Int(m.ID), m.From, m.To)
}

// HasPayload reports whether the op carries a second top-level payload term.
func HasPayload(m ControlMessage) bool {
	switch m.(type) {
	case Send, RegSend:
		return true
	default:
		return false
	}
}

// DecodeControl interprets a decoded control tuple. An op this
// implementation does not know yields *UnknownOpError so the receiver can
// skip the frame.
func DecodeControl(t etf.Term) (ControlMessage, error) {
	tuple, ok := t.(etf.Tuple)
	if !ok || len(tuple) == 0 {
		return nil, &UnknownOpError{Op: -1}
	}
	op, ok := etf.AsInt(tuple[0])
	if !ok {
		return nil, &UnknownOpError{Op: -1}
	}

	switch op {
	case opSend:
		if len(tuple) != 3 {
			return nil, &UnknownOpError{Op: op}
		}
		to, ok := etf.AsPid(tuple[2])
		if !ok {
			return nil, &UnknownOpError{Op: op}
		}
		return Send{To: to}, nil

	case opRegSend:
		if len(tuple) != 4 {
			return nil, &UnknownOpError{Op: op}
		}
		from, _ := etf.AsPid(tuple[1])
		name, ok := etf.AsAtom(tuple[3])
		if !ok {
			return nil, &UnknownOpError{Op: op}
		}
		return RegSend{From: from, ToName: name}, nil

	case opExit, opExit2:
		if len(tuple) != 4 {
			return nil, &UnknownOpError{Op: op}
		}
		from, okF := etf.AsPid(tuple[1])
		to, okT := etf.AsPid(tuple[2])
		if !okF || !okT {
			return nil, &UnknownOpError{Op: op}
		}
		if op == opExit {
			return Exit{From: from, To: to, Reason: tuple[3]}, nil
		}
		return Exit2{From: from, To: to, Reason: tuple[3]}, nil

	case opLink:
		if len(tuple) != 3 {
			return nil, &UnknownOpError{Op: op}
		}
		from, okF := etf.AsPid(tuple[1])
		to, okT := etf.AsPid(tuple[2])
		if !okF || !okT {
			return nil, &UnknownOpError{Op: op}
		}
		return Link{From: from, To: to}, nil

	case opMonitor, opDemonitor:
		if len(tuple) != 4 {
			return nil, &UnknownOpError{Op: op}
		}
		from, okF := etf.AsPid(tuple[1])
		ref, okR := etf.AsRef(tuple[3])
		if !okF || !okR {
			return nil, &UnknownOpError{Op: op}
		}
		if op == opMonitor {
			return Monitor{From: from, To: tuple[2], Ref: ref}, nil
		}
		return Demonitor{From: from, To: tuple[2], Ref: ref}, nil

	case opMonitorDown:
		if len(tuple) != 5 {
			return nil, &UnknownOpError{Op: op}
		}
		to, okT := etf.AsPid(tuple[2])
		ref, okR := etf.AsRef(tuple[3])
		if !okT || !okR {
			return nil, &UnknownOpError{Op: op}
		}
		return MonitorDown{From: tuple[1], To: to, Ref: ref, Reason: tuple[4]}, nil

	case opUnlinkID, opUnlinkIDAck:
		if len(tuple) != 4 {
			return nil, &UnknownOpError{Op: op}
		}
		id, okI := etf.AsInt(tuple[1])
		from, okF := etf.AsPid(tuple[2])
		to, okT := etf.AsPid(tuple[3])
		if !okI || !okF || !okT {
			return nil, &UnknownOpError{Op: op}
		}
		if op == opUnlinkID {
			return Unlink{ID: uint64(id), From: from, To: to}, nil
		}
		return UnlinkAck{ID: uint64(id), From: from, To: to}, nil

	default:
		return nil, &UnknownOpError{Op: op}
	}
}
