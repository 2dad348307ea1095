package etf

import "sync"

// Well-known atoms shared across the process. Using these constants (or
// passing the same text to A) always yields the interned backing string.
const (
	AtomOK        = Atom("ok")
	AtomError     = Atom("error")
	AtomTrue      = Atom("true")
	AtomFalse     = Atom("false")
	AtomNil       = Atom("nil")
	AtomUndefined = Atom("undefined")
	AtomNormal    = Atom("normal")
	AtomShutdown  = Atom("shutdown")
	AtomInfinity  = Atom("infinity")
	AtomBadarg    = Atom("badarg")
	AtomBadarith  = Atom("badarith")
	AtomBadmatch  = Atom("badmatch")
	AtomNoproc    = Atom("noproc")
	AtomTimeout   = Atom("timeout")
)

// internTable shares atom backing storage across the process. Reads vastly
// outnumber writes (a new atom text appears once, then recurs), so a sync.Map
// fits. Equality of atoms is always by string content, never by pointer.
var internTable sync.Map // string -> Atom

func init() {
	for _, a := range []Atom{
		AtomOK, AtomError, AtomTrue, AtomFalse, AtomNil, AtomUndefined,
		AtomNormal, AtomShutdown, AtomInfinity, AtomBadarg, AtomBadarith,
		AtomBadmatch, AtomNoproc, AtomTimeout,
	} {
		internTable.Store(string(a), a)
	}
}

// A returns the interned atom for name. The decoder funnels every atom it
// produces through here so that repeated atoms share one backing string.
func A(name string) Atom {
	if v, ok := internTable.Load(name); ok {
		return v.(Atom)
	}
	a := Atom(name)
	actual, _ := internTable.LoadOrStore(name, a)
	return actual.(Atom)
}

// internBytes interns an atom decoded from wire bytes without allocating a
// string when the atom is already known.
func internBytes(b []byte) Atom {
	if v, ok := internTable.Load(string(b)); ok {
		return v.(Atom)
	}
	return A(string(b))
}
