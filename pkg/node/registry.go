package node

import (
	"sync"

	"github.com/marmos91/erlnode/internal/logger"
	"github.com/marmos91/erlnode/pkg/etf"
)

// RemoteSignaler forwards termination signals to link/monitor endpoints
// living on other nodes. The node implements it on top of its connection
// table; tests substitute a recorder.
type RemoteSignaler interface {
	SignalExit(peer string, from, to etf.Pid, reason etf.Term)
	SignalMonitorDown(peer string, monitored, watcher etf.Pid, ref etf.Ref, reason etf.Term)
}

// MonitorEntry is one watcher of a monitored pid.
type MonitorEntry struct {
	Watcher etf.Pid
	Ref     etf.Ref
}

// unlinkKey identifies an in-flight acknowledged unlink.
type unlinkKey struct {
	Local  etf.Pid
	Remote etf.Pid
}

// Registry is the process-wide table of live processes: pid to handle, name
// to pid, and the link/monitor graph keyed by pid. The graph stores pids
// only and resolves through the handle map, so cyclic link structures never
// pin process handles.
type Registry struct {
	localNode etf.Atom

	mu             sync.RWMutex
	procs          map[etf.Pid]*Handle
	names          map[etf.Atom]etf.Pid
	links          map[etf.Pid]map[etf.Pid]struct{}
	monitors       map[etf.Pid][]MonitorEntry
	pendingUnlinks map[unlinkKey]uint64

	remote RemoteSignaler
}

// NewRegistry returns an empty registry for the given node name.
func NewRegistry(localNode etf.Atom) *Registry {
	return &Registry{
		localNode:      localNode,
		procs:          make(map[etf.Pid]*Handle),
		names:          make(map[etf.Atom]etf.Pid),
		links:          make(map[etf.Pid]map[etf.Pid]struct{}),
		monitors:       make(map[etf.Pid][]MonitorEntry),
		pendingUnlinks: make(map[unlinkKey]uint64),
	}
}

// SetRemoteSignaler installs the forwarder for cross-node termination
// signals.
func (r *Registry) SetRemoteSignaler(s RemoteSignaler) {
	r.mu.Lock()
	r.remote = s
	r.mu.Unlock()
}

// Insert adds a spawned process.
func (r *Registry) Insert(handle *Handle) {
	r.mu.Lock()
	r.procs[handle.pid] = handle
	r.mu.Unlock()
}

// Get resolves a pid to its handle.
func (r *Registry) Get(pid etf.Pid) (*Handle, bool) {
	r.mu.RLock()
	h, ok := r.procs[pid]
	r.mu.RUnlock()
	return h, ok
}

// Count returns the number of live processes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// RegisterName binds name to pid. A name already bound, or a pid with no
// live process, is an error.
func (r *Registry) RegisterName(name etf.Atom, pid etf.Pid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.names[name]; taken {
		return &NameAlreadyRegisteredError{Name: name}
	}
	if _, ok := r.procs[pid]; !ok {
		return &ProcessNotFoundError{Pid: pid}
	}
	r.names[name] = pid
	return nil
}

// UnregisterName removes a name binding.
func (r *Registry) UnregisterName(name etf.Atom) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; !ok {
		return &NameNotRegisteredError{Name: name}
	}
	delete(r.names, name)
	return nil
}

// WhereIs resolves a registered name.
func (r *Registry) WhereIs(name etf.Atom) (etf.Pid, bool) {
	r.mu.RLock()
	pid, ok := r.names[name]
	r.mu.RUnlock()
	return pid, ok
}

// RegisteredNames lists the bound names.
func (r *Registry) RegisteredNames() []etf.Atom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]etf.Atom, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	return names
}

// AddLink records the symmetric link edge between a and b.
func (r *Registry) AddLink(a, b etf.Pid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLinkLocked(a, b)
	r.addLinkLocked(b, a)
}

func (r *Registry) addLinkLocked(from, to etf.Pid) {
	set, ok := r.links[from]
	if !ok {
		set = make(map[etf.Pid]struct{})
		r.links[from] = set
	}
	set[to] = struct{}{}
}

// RemoveLink drops both directions of the link edge. Removing a side always
// succeeds locally even if the remote confirmation is lost.
func (r *Registry) RemoveLink(a, b etf.Pid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLinkLocked(a, b)
	r.removeLinkLocked(b, a)
}

func (r *Registry) removeLinkLocked(from, to etf.Pid) {
	if set, ok := r.links[from]; ok {
		delete(set, to)
		if len(set) == 0 {
			delete(r.links, from)
		}
	}
}

// HasLink reports whether a link edge exists from a to b. Exit signals are
// delivered through live links only: an exit racing ahead of an unlink ack
// finds the edge already gone and is suppressed.
func (r *Registry) HasLink(a, b etf.Pid) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.links[a]
	if !ok {
		return false
	}
	_, linked := set[b]
	return linked
}

// Links returns the link endpoints of pid.
func (r *Registry) Links(pid etf.Pid) []etf.Pid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.links[pid]
	out := make([]etf.Pid, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// BeginUnlink records an in-flight acknowledged unlink and drops the link
// edge immediately.
func (r *Registry) BeginUnlink(id uint64, local, remote etf.Pid) {
	r.mu.Lock()
	r.pendingUnlinks[unlinkKey{Local: local, Remote: remote}] = id
	r.removeLinkLocked(local, remote)
	r.removeLinkLocked(remote, local)
	r.mu.Unlock()
}

// CompleteUnlink clears the in-flight unlink when the matching ack arrives.
// A stale or unknown id leaves no state behind either way.
func (r *Registry) CompleteUnlink(id uint64, local, remote etf.Pid) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := unlinkKey{Local: local, Remote: remote}
	pending, ok := r.pendingUnlinks[key]
	if !ok {
		return false
	}
	if pending == id {
		delete(r.pendingUnlinks, key)
		return true
	}
	return false
}

// AddMonitor records watcher monitoring target under ref.
func (r *Registry) AddMonitor(target, watcher etf.Pid, ref etf.Ref) {
	r.mu.Lock()
	r.monitors[target] = append(r.monitors[target], MonitorEntry{Watcher: watcher, Ref: ref})
	r.mu.Unlock()
}

// RemoveMonitor drops the monitor identified by ref on target.
func (r *Registry) RemoveMonitor(target etf.Pid, ref etf.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.monitors[target]
	for i, entry := range entries {
		if etf.Equal(entry.Ref, ref) {
			r.monitors[target] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(r.monitors[target]) == 0 {
		delete(r.monitors, target)
	}
}

// Monitors returns the watchers of pid.
func (r *Registry) Monitors(pid etf.Pid) []MonitorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]MonitorEntry(nil), r.monitors[pid]...)
}

// Terminate runs the termination path of pid: exit signals to every linked
// process, monitor-down notifications to every watcher, then removal of the
// pid, its name bindings and its graph edges. Remote endpoints are signalled
// through the RemoteSignaler.
func (r *Registry) Terminate(pid etf.Pid, reason etf.Term) {
	r.mu.Lock()

	linked := make([]etf.Pid, 0, len(r.links[pid]))
	for p := range r.links[pid] {
		linked = append(linked, p)
	}
	watchers := r.monitors[pid]

	for _, p := range linked {
		r.removeLinkLocked(pid, p)
		r.removeLinkLocked(p, pid)
	}
	delete(r.monitors, pid)
	for name, bound := range r.names {
		if bound == pid {
			delete(r.names, name)
		}
	}
	delete(r.procs, pid)
	remote := r.remote

	r.mu.Unlock()

	for _, p := range linked {
		if p.Node == r.localNode {
			if handle, ok := r.Get(p); ok {
				_ = handle.Deliver(ExitSignal{From: pid, Reason: reason})
			}
		} else if remote != nil {
			remote.SignalExit(string(p.Node), pid, p, reason)
		}
	}

	for _, entry := range watchers {
		if entry.Watcher.Node == r.localNode {
			if handle, ok := r.Get(entry.Watcher); ok {
				_ = handle.Deliver(MonitorExit{Monitored: pid, Ref: entry.Ref, Reason: reason})
			}
		} else if remote != nil {
			remote.SignalMonitorDown(string(entry.Watcher.Node), pid, entry.Watcher, entry.Ref, reason)
		}
	}

	logger.Debug("process terminated", logger.KeyPid, pid.String())
}
