// Package node implements the actor-node runtime: the process registry and
// mailboxes, the pid/reference allocators, the per-peer connection table
// with one receiver task per connection, and remote procedure calls against
// the peer's rex service.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/erlnode/internal/logger"
	"github.com/marmos91/erlnode/internal/telemetry"
	"github.com/marmos91/erlnode/pkg/dist"
	"github.com/marmos91/erlnode/pkg/epmd"
	"github.com/marmos91/erlnode/pkg/etf"
	"github.com/marmos91/erlnode/pkg/metrics"
)

// DefaultRPCTimeout bounds RPCCall when the context has no earlier
// deadline.
const DefaultRPCTimeout = 10 * time.Second

// DistVersion is the only distribution protocol version spoken: 6, the
// revision with 64-bit capability flags and 32-bit creations.
const DistVersion = 6

// Option customizes a Node.
type Option func(*Node)

// WithHidden registers the node as hidden (node type 72).
func WithHidden() Option {
	return func(n *Node) { n.hidden = true }
}

// WithEpmd points the node at a non-default port mapper.
func WithEpmd(host string, port int) Option {
	return func(n *Node) {
		n.epmd = epmd.NewClient(host)
		n.epmd.Port = port
	}
}

// WithAtomCache offers the distribution-header atom cache to peers.
func WithAtomCache() Option {
	return func(n *Node) { n.atomCache = true }
}

// WithRPCTimeout overrides the default RPC deadline.
func WithRPCTimeout(d time.Duration) Option {
	return func(n *Node) { n.rpcTimeout = d }
}

// WithHandshakeTimeout overrides the per-step handshake deadline.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(n *Node) { n.handshakeTimeout = d }
}

// WithTickIntervals overrides the keepalive send interval and the
// read-silence threshold.
func WithTickIntervals(send, expect time.Duration) Option {
	return func(n *Node) {
		n.tickInterval = send
		n.tickTimeout = expect
	}
}

// WithMetrics installs a metrics sink. A nil sink disables collection.
func WithMetrics(m metrics.NodeMetrics) Option {
	return func(n *Node) { n.metrics = m }
}

// peerConn is one entry of the connection table.
type peerConn struct {
	conn   *dist.Connection
	cancel context.CancelFunc
}

// Node is a client node of the distribution protocol. It registers with the
// port mapper, initiates authenticated connections to peers, spawns local
// mailboxed processes and routes messages between them and the cluster.
type Node struct {
	name   etf.Atom // full name, name@host
	short  string   // name part before the @
	host   string   // host part after the @
	cookie string
	hidden bool

	epmd         *epmd.Client
	registration *epmd.Registration

	pids     *PidAllocator
	refs     *RefAllocator
	registry *Registry

	connMu sync.RWMutex
	conns  map[string]*peerConn

	rpcMu       sync.Mutex
	pendingRPCs map[etf.Pid]chan etf.Term

	atomCache        bool
	rpcTimeout       time.Duration
	handshakeTimeout time.Duration
	tickInterval     time.Duration
	tickTimeout      time.Duration

	metrics metrics.NodeMetrics

	mu       sync.Mutex
	started  bool
	baseCtx  context.Context
	baseStop context.CancelFunc
	group    *errgroup.Group
}

// New creates a node with the given full name (name@host) and cookie. The
// node is inert until Start registers it with the port mapper.
func New(name, cookie string, opts ...Option) (*Node, error) {
	short, host, ok := strings.Cut(name, "@")
	if !ok || short == "" || host == "" {
		return nil, fmt.Errorf("node: invalid node name %q, want name@host", name)
	}

	nameAtom := etf.A(name)
	n := &Node{
		name:        nameAtom,
		short:       short,
		host:        host,
		cookie:      cookie,
		epmd:        epmd.NewClient("localhost"),
		pids:        NewPidAllocator(nameAtom, 1),
		refs:        NewRefAllocator(nameAtom, 1),
		registry:    NewRegistry(nameAtom),
		conns:       make(map[string]*peerConn),
		pendingRPCs: make(map[etf.Pid]chan etf.Term),
		rpcTimeout:  DefaultRPCTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.registry.SetRemoteSignaler((*remoteSignaler)(n))
	return n, nil
}

// ConnectTo creates a node, starts it (registered with listen port 0; the
// node opens no listener) and connects it to remote in one call.
func ConnectTo(ctx context.Context, name, cookie, remote string, opts ...Option) (*Node, error) {
	n, err := New(name, cookie, opts...)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx, 0); err != nil {
		return nil, err
	}
	if err := n.Connect(ctx, remote); err != nil {
		n.Stop()
		return nil, err
	}
	return n, nil
}

// Name returns the full node name.
func (n *Node) Name() etf.Atom {
	return n.name
}

// Creation returns the creation number assigned at registration.
func (n *Node) Creation() uint32 {
	return n.pids.creation.Load()
}

// Registry exposes the process registry.
func (n *Node) Registry() *Registry {
	return n.registry
}

// Start registers the node with the port mapper and records the assigned
// creation number. Starting twice is an error.
func (n *Node) Start(ctx context.Context, listenPort uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	nodeType := epmd.NodeTypeNormal
	if n.hidden {
		nodeType = epmd.NodeTypeHidden
	}
	reg, err := n.epmd.Register(ctx, listenPort, n.short, nodeType, DistVersion, DistVersion, nil)
	if err != nil {
		return fmt.Errorf("node: epmd registration: %w", err)
	}

	n.registration = reg
	n.pids.SetCreation(reg.Creation)
	n.refs.SetCreation(reg.Creation)

	n.baseCtx, n.baseStop = context.WithCancel(context.Background())
	n.group, _ = errgroup.WithContext(n.baseCtx)
	n.started = true

	logger.Info("node started",
		logger.KeyNode, string(n.name),
		logger.KeyPort, listenPort,
		logger.KeyCreation, reg.Creation)
	return nil
}

// Stop tears the node down: every connection is closed, the port mapper
// registration is withdrawn and all background tasks are joined.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	stop := n.baseStop
	group := n.group
	n.mu.Unlock()

	stop()

	n.connMu.Lock()
	for peer, pc := range n.conns {
		pc.cancel()
		_ = pc.conn.Close()
		delete(n.conns, peer)
	}
	n.connMu.Unlock()

	_ = group.Wait()

	if n.registration != nil {
		_ = n.registration.Close()
	}
	logger.Info("node stopped", logger.KeyNode, string(n.name))
}

// Connect establishes a connection to the remote node (full name). It is
// idempotent: an existing connection is kept.
func (n *Node) Connect(ctx context.Context, remote string) error {
	if !n.isStarted() {
		return ErrNotStarted
	}

	n.connMu.RLock()
	_, connected := n.conns[remote]
	n.connMu.RUnlock()
	if connected {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "node.connect")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	remoteShort, remoteHost, ok := strings.Cut(remote, "@")
	if !ok {
		err = fmt.Errorf("node: invalid remote name %q, want name@host", remote)
		return err
	}

	lookup := *n.epmd
	lookup.Host = remoteHost
	info, lerr := lookup.Lookup(ctx, remoteShort)
	if lerr != nil {
		err = lerr
		return err
	}

	addr := net.JoinHostPort(remoteHost, strconv.Itoa(int(info.Port)))
	conn, derr := dist.Dial(ctx, addr, dist.Config{
		LocalName:        string(n.name),
		PeerName:         remote,
		Cookie:           n.cookie,
		Creation:         n.Creation(),
		UseAtomCache:     n.atomCache,
		HandshakeTimeout: n.handshakeTimeout,
		TickInterval:     n.tickInterval,
		TickTimeout:      n.tickTimeout,
	})
	if derr != nil {
		err = derr
		return err
	}

	connCtx, cancel := context.WithCancel(n.baseCtx)
	pc := &peerConn{conn: conn, cancel: cancel}

	n.connMu.Lock()
	if _, raced := n.conns[remote]; raced {
		// Another caller connected first; keep theirs.
		n.connMu.Unlock()
		cancel()
		_ = conn.Close()
		return nil
	}
	n.conns[remote] = pc
	n.connMu.Unlock()

	if n.metrics != nil {
		n.metrics.RecordConnectionOpened(remote)
	}

	n.group.Go(func() error {
		n.receiveLoop(connCtx, remote, conn)
		return nil
	})
	n.group.Go(func() error {
		conn.StartTicker(connCtx)
		return nil
	})

	logger.Info("connected",
		logger.KeyNode, string(n.name),
		logger.KeyPeer, remote,
		logger.KeyFlags, conn.Flags().String())
	return nil
}

// Disconnect closes the connection to remote, if any.
func (n *Node) Disconnect(remote string) {
	n.connMu.Lock()
	pc, ok := n.conns[remote]
	if ok {
		delete(n.conns, remote)
	}
	n.connMu.Unlock()
	if ok {
		pc.cancel()
		_ = pc.conn.Close()
		if n.metrics != nil {
			n.metrics.RecordConnectionClosed(remote)
		}
	}
}

// Connections lists the peers with a live connection.
func (n *Node) Connections() []string {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	peers := make([]string, 0, len(n.conns))
	for peer := range n.conns {
		peers = append(peers, peer)
	}
	return peers
}

// Spawn allocates a pid, builds the mailbox and starts the executor task.
func (n *Node) Spawn(proc Process) (etf.Pid, error) {
	if !n.isStarted() {
		return etf.Pid{}, ErrNotStarted
	}

	handle := &Handle{pid: n.pids.Allocate(), mailbox: NewMailbox()}
	n.registry.Insert(handle)

	ctx := n.baseCtx
	n.group.Go(func() error {
		runProcess(ctx, proc, handle, n.registry)
		return nil
	})

	if n.metrics != nil {
		n.metrics.SetProcessCount(n.registry.Count())
	}
	logger.Debug("spawned process", logger.KeyPid, handle.pid.String())
	return handle.pid, nil
}

// Register binds a name to a pid.
func (n *Node) Register(name etf.Atom, pid etf.Pid) error {
	return n.registry.RegisterName(name, pid)
}

// Unregister removes a name binding.
func (n *Node) Unregister(name etf.Atom) error {
	return n.registry.UnregisterName(name)
}

// WhereIs resolves a locally registered name.
func (n *Node) WhereIs(name etf.Atom) (etf.Pid, bool) {
	return n.registry.WhereIs(name)
}

// Registered lists the locally registered names.
func (n *Node) Registered() []etf.Atom {
	return n.registry.RegisteredNames()
}

// Send delivers message to pid: into the local mailbox when the pid lives
// here, through the peer connection otherwise.
func (n *Node) Send(ctx context.Context, to etf.Pid, message etf.Term) error {
	if to.Node == n.name {
		handle, ok := n.registry.Get(to)
		if !ok {
			return &ProcessNotFoundError{Pid: to}
		}
		return handle.Deliver(Regular{Body: message})
	}

	conn, err := n.connection(string(to.Node))
	if err != nil {
		return err
	}
	if err := conn.SendMessage(ctx, to, message); err != nil {
		return err
	}
	n.countFrameOut("send")
	return nil
}

// SendToName delivers message to a locally registered name.
func (n *Node) SendToName(ctx context.Context, name etf.Atom, message etf.Term) error {
	pid, ok := n.registry.WhereIs(name)
	if !ok {
		return &NameNotRegisteredError{Name: name}
	}
	return n.Send(ctx, pid, message)
}

// SendToRemoteName delivers message to a name registered on the peer; the
// peer resolves the name.
func (n *Node) SendToRemoteName(ctx context.Context, remote string, name etf.Atom, message etf.Term) error {
	conn, err := n.connection(remote)
	if err != nil {
		return err
	}
	if err := conn.SendToName(ctx, n.pids.Allocate(), name, message); err != nil {
		return err
	}
	n.countFrameOut("reg_send")
	return nil
}

// Link records the symmetric link between from and to, emitting the Link
// control message when to is remote.
func (n *Node) Link(ctx context.Context, from, to etf.Pid) error {
	n.registry.AddLink(from, to)
	if to.Node == n.name {
		return nil
	}
	conn, err := n.connection(string(to.Node))
	if err != nil {
		return err
	}
	if err := conn.SendLink(ctx, from, to); err != nil {
		return err
	}
	n.countFrameOut("link")
	return nil
}

// Unlink removes the link between from and to. A remote unlink uses the
// acknowledged id protocol: the edge is dropped immediately, the id travels
// in op 35 and the peer's op 36 completes the exchange. Exit signals racing
// ahead of the ack find no edge and are suppressed.
func (n *Node) Unlink(ctx context.Context, from, to etf.Pid) error {
	if to.Node == n.name {
		n.registry.RemoveLink(from, to)
		return nil
	}

	conn, err := n.connection(string(to.Node))
	if err != nil {
		return err
	}
	id := n.refs.NextUnlinkID()
	n.registry.BeginUnlink(id, from, to)
	if err := conn.SendUnlink(ctx, id, from, to); err != nil {
		return err
	}
	n.countFrameOut("unlink")
	return nil
}

// Monitor starts watching to on behalf of from and returns the monitor
// reference. Local targets are recorded in the registry; remote targets get
// the Monitor control message.
func (n *Node) Monitor(ctx context.Context, from, to etf.Pid) (etf.Ref, error) {
	ref := n.refs.Allocate()
	if to.Node == n.name {
		if _, ok := n.registry.Get(to); !ok {
			return etf.Ref{}, &ProcessNotFoundError{Pid: to}
		}
		n.registry.AddMonitor(to, from, ref)
		return ref, nil
	}

	conn, err := n.connection(string(to.Node))
	if err != nil {
		return etf.Ref{}, err
	}
	if err := conn.SendMonitor(ctx, from, to, ref); err != nil {
		return etf.Ref{}, err
	}
	n.countFrameOut("monitor")
	return ref, nil
}

// Demonitor cancels the monitor identified by ref.
func (n *Node) Demonitor(ctx context.Context, from, to etf.Pid, ref etf.Ref) error {
	if to.Node == n.name {
		n.registry.RemoveMonitor(to, ref)
		return nil
	}

	conn, err := n.connection(string(to.Node))
	if err != nil {
		return err
	}
	if err := conn.SendDemonitor(ctx, from, to, ref); err != nil {
		return err
	}
	n.countFrameOut("demonitor")
	return nil
}

// MakeRef allocates a fresh reference.
func (n *Node) MakeRef() etf.Ref {
	return n.refs.Allocate()
}

// Exit sends an exit/2 signal to to: into the local mailbox when the pid
// lives here, through the peer connection otherwise.
func (n *Node) Exit(ctx context.Context, from, to etf.Pid, reason etf.Term) error {
	if to.Node == n.name {
		handle, ok := n.registry.Get(to)
		if !ok {
			return &ProcessNotFoundError{Pid: to}
		}
		return handle.Deliver(ExitSignal{From: from, Reason: reason})
	}
	conn, err := n.connection(string(to.Node))
	if err != nil {
		return err
	}
	if err := conn.SendExit2(ctx, from, to, reason); err != nil {
		return err
	}
	n.countFrameOut("exit2")
	return nil
}

func (n *Node) isStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

func (n *Node) connection(peer string) (*dist.Connection, error) {
	n.connMu.RLock()
	pc, ok := n.conns[peer]
	n.connMu.RUnlock()
	if !ok {
		return nil, &NotConnectedError{Peer: peer}
	}
	return pc.conn, nil
}

func (n *Node) countFrameOut(op string) {
	if n.metrics != nil {
		n.metrics.RecordFrameOut(op)
	}
}

// remoteSignaler adapts the node's connection table to the registry's
// termination fan-out. Signals to unreachable peers are dropped: the edge is
// already gone locally and the peer will notice via its own tick.
type remoteSignaler Node

func (s *remoteSignaler) SignalExit(peer string, from, to etf.Pid, reason etf.Term) {
	n := (*Node)(s)
	conn, err := n.connection(peer)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.SendExit(ctx, from, to, reason); err != nil {
		logger.Debug("exit signal not delivered",
			logger.KeyPeer, peer, logger.KeyError, err.Error())
	}
}

func (s *remoteSignaler) SignalMonitorDown(peer string, monitored, watcher etf.Pid, ref etf.Ref, reason etf.Term) {
	n := (*Node)(s)
	conn, err := n.connection(peer)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.SendMonitorDown(ctx, monitored, watcher, ref, reason); err != nil {
		logger.Debug("monitor-down not delivered",
			logger.KeyPeer, peer, logger.KeyError, err.Error())
	}
}

// receiveLoop is the one receiver task of a connection. It reads frames and
// routes them until the connection dies, then removes the table entry.
// Transient decode failures (unknown ops, unsupported payload variants) are
// logged and skipped for forward compatibility.
func (n *Node) receiveLoop(ctx context.Context, peer string, conn *dist.Connection) {
	defer func() {
		n.connMu.Lock()
		if pc, ok := n.conns[peer]; ok && pc.conn == conn {
			delete(n.conns, peer)
			pc.cancel()
		}
		n.connMu.Unlock()
		_ = conn.Close()
		if n.metrics != nil {
			n.metrics.RecordConnectionClosed(peer)
		}
		logger.Info("receiver terminated, connection removed",
			logger.KeyNode, string(n.name), logger.KeyPeer, peer)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		ctrl, payload, err := conn.ReadMessage(ctx)
		if err != nil {
			var decodeErr *etf.DecodeError
			var unknownOp *dist.UnknownOpError
			if errors.As(err, &decodeErr) || errors.As(err, &unknownOp) {
				logger.Warn("skipping undecodable frame",
					logger.KeyPeer, peer, logger.KeyError, err.Error())
				if n.metrics != nil {
					n.metrics.RecordFrameSkipped()
				}
				continue
			}
			if !errors.Is(err, dist.ErrClosed) || ctx.Err() == nil {
				logger.Debug("read failed",
					logger.KeyPeer, peer, logger.KeyError, err.Error())
			}
			return
		}

		n.route(ctx, peer, conn, ctrl, payload)
	}
}

// route dispatches one inbound control message.
func (n *Node) route(ctx context.Context, peer string, conn *dist.Connection, ctrl dist.ControlMessage, payload etf.Term) {
	switch msg := ctrl.(type) {
	case dist.Send:
		n.countFrameIn("send")
		if handle, ok := n.registry.Get(msg.To); ok {
			_ = handle.Deliver(Regular{Body: payload})
			return
		}
		// A pid outside the registry may be a pending RPC reply target.
		if waiter := n.takeRPCWaiter(msg.To); waiter != nil {
			waiter <- payload
			return
		}
		logger.Debug("message for unknown pid dropped",
			logger.KeyPeer, peer, logger.KeyToPid, msg.To.String())

	case dist.RegSend:
		n.countFrameIn("reg_send")
		pid, ok := n.registry.WhereIs(msg.ToName)
		if !ok {
			logger.Debug("message for unregistered name dropped",
				logger.KeyPeer, peer, logger.KeyName, string(msg.ToName))
			return
		}
		if handle, ok := n.registry.Get(pid); ok {
			from := msg.From
			_ = handle.Deliver(Regular{From: &from, Body: payload})
		}

	case dist.Exit:
		n.countFrameIn("exit")
		// Exit signals travel through live links only; an unlink already in
		// flight suppresses them.
		if !n.registry.HasLink(msg.To, msg.From) {
			logger.Debug("exit signal suppressed",
				logger.KeyFromPid, msg.From.String(),
				logger.KeyToPid, msg.To.String())
			return
		}
		n.registry.RemoveLink(msg.To, msg.From)
		if handle, ok := n.registry.Get(msg.To); ok {
			_ = handle.Deliver(ExitSignal{From: msg.From, Reason: msg.Reason})
		}

	case dist.Exit2:
		n.countFrameIn("exit2")
		if handle, ok := n.registry.Get(msg.To); ok {
			_ = handle.Deliver(ExitSignal{From: msg.From, Reason: msg.Reason})
		}

	case dist.Link:
		n.countFrameIn("link")
		n.registry.AddLink(msg.From, msg.To)

	case dist.Unlink:
		n.countFrameIn("unlink")
		n.registry.RemoveLink(msg.From, msg.To)
		if err := conn.SendUnlinkAck(ctx, msg.ID, msg.To, msg.From); err != nil {
			logger.Debug("unlink ack not delivered",
				logger.KeyPeer, peer, logger.KeyError, err.Error())
		}

	case dist.UnlinkAck:
		n.countFrameIn("unlink_ack")
		n.registry.CompleteUnlink(msg.ID, msg.To, msg.From)

	case dist.Monitor:
		n.countFrameIn("monitor")
		target, ok := n.resolveProc(msg.To)
		if !ok {
			// Monitor of a dead or unknown process: report down immediately.
			if pid, isPid := etf.AsPid(msg.To); isPid {
				_ = conn.SendMonitorDown(ctx, pid, msg.From, msg.Ref, etf.AtomNoproc)
			}
			return
		}
		n.registry.AddMonitor(target, msg.From, msg.Ref)

	case dist.Demonitor:
		n.countFrameIn("demonitor")
		if target, ok := n.resolveProc(msg.To); ok {
			n.registry.RemoveMonitor(target, msg.Ref)
		}

	case dist.MonitorDown:
		n.countFrameIn("monitor_down")
		monitored, _ := etf.AsPid(msg.From)
		if handle, ok := n.registry.Get(msg.To); ok {
			_ = handle.Deliver(MonitorExit{
				Monitored: monitored,
				Ref:       msg.Ref,
				Reason:    msg.Reason,
			})
		}
	}
}

// resolveProc maps a pid-or-name control field to a live local pid.
func (n *Node) resolveProc(proc etf.Term) (etf.Pid, bool) {
	switch v := proc.(type) {
	case etf.Pid:
		_, ok := n.registry.Get(v)
		return v, ok
	case etf.Atom:
		return n.registry.WhereIs(v)
	default:
		return etf.Pid{}, false
	}
}

func (n *Node) countFrameIn(op string) {
	if n.metrics != nil {
		n.metrics.RecordFrameIn(op)
	}
}
