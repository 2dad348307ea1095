package dist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/erlnode/internal/logger"
	"github.com/marmos91/erlnode/pkg/etf"
)

// passThroughTag separates the optional distribution header from the control
// term of a data-phase frame.
const passThroughTag = 112 // 'p'

// Default keepalive parameters: send a tick roughly every 45 seconds of
// write silence, expect some traffic within every 60 seconds of read
// silence.
const (
	DefaultTickInterval = 45 * time.Second
	DefaultTickTimeout  = 60 * time.Second
)

// DefaultHandshakeTimeout bounds each handshake step.
const DefaultHandshakeTimeout = 10 * time.Second

// Config parameterizes an outbound connection.
type Config struct {
	// LocalName is this node's full name (name@host).
	LocalName string

	// PeerName is the remote node's full name.
	PeerName string

	// Cookie is the shared secret for challenge/response authentication.
	Cookie string

	// Creation is this node's creation number from EPMD registration.
	Creation uint32

	// Flags is the capability set to offer. Zero means DefaultFlags.
	Flags Flags

	// UseAtomCache additionally offers the distribution-header atom cache.
	UseAtomCache bool

	// HandshakeTimeout bounds each handshake step. Zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// TickInterval is the write-silence threshold after which a tick is
	// sent. Zero means DefaultTickInterval.
	TickInterval time.Duration

	// TickTimeout is the read-silence threshold after which the connection
	// is considered dead. Zero means DefaultTickTimeout.
	TickTimeout time.Duration
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.Flags == 0 {
		out.Flags = DefaultFlags()
	}
	if out.UseAtomCache {
		out.Flags |= FlagPidAtomCache
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.TickInterval <= 0 {
		out.TickInterval = DefaultTickInterval
	}
	if out.TickTimeout <= 0 {
		out.TickTimeout = DefaultTickTimeout
	}
	return out
}

// Connection is an established data-phase link to one peer node.
//
// Writes are serialized by an internal mutex held across one complete frame,
// so a payload term always directly follows its control header. Reads are
// single-consumer: exactly one goroutine may call ReadMessage.
type Connection struct {
	cfg    Config
	conn   net.Conn
	result *HandshakeResult

	// writeMu serializes frame writes and, with it, sender-side atom cache
	// mutation.
	writeMu   sync.Mutex
	outCache  *etf.OutgoingCache
	inCache   *etf.AtomCache
	lastWrite atomic.Int64 // unix nanos of the last completed write

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr, runs the handshake and returns the established
// connection. Handshake failures are fatal: the socket is closed and the
// caller decides whether to retry.
func Dial(ctx context.Context, addr string, cfg Config) (*Connection, error) {
	full := cfg.withDefaults()

	var dialer net.Dialer
	sock, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dist: dial %s: %w", addr, err)
	}
	if tcp, ok := sock.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	hs := &handshake{
		conn:        sock,
		localName:   full.LocalName,
		cookie:      full.Cookie,
		flags:       full.Flags,
		creation:    full.Creation,
		stepTimeout: full.HandshakeTimeout,
	}
	result, err := hs.run()
	if err != nil {
		sock.Close()
		return nil, err
	}
	_ = sock.SetDeadline(time.Time{})

	c := &Connection{cfg: full, conn: sock, result: result}
	if result.Flags.Has(FlagPidAtomCache) {
		c.outCache = etf.NewOutgoingCache()
		c.inCache = etf.NewAtomCache()
	}
	c.lastWrite.Store(time.Now().UnixNano())

	logHandshakeDone(full.LocalName, result.PeerName, result.Flags)
	return c, nil
}

// PeerName returns the peer's full node name as confirmed by the handshake.
func (c *Connection) PeerName() string {
	return c.result.PeerName
}

// PeerCreation returns the peer's creation number.
func (c *Connection) PeerCreation() uint32 {
	return c.result.PeerCreation
}

// Flags returns the negotiated capability intersection.
func (c *Connection) Flags() Flags {
	return c.result.Flags
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// WriteMessage writes one frame carrying ctrl and, for payload-bearing ops,
// the payload term. The write lock is held until the frame is fully written
// or the socket errors, so no partial frame is ever left behind.
func (c *Connection) WriteMessage(ctx context.Context, ctrl ControlMessage, payload etf.Term) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	enc := etf.NewFrameEncoder(c.outCache)
	if err := enc.Add(ctrl.controlTuple()); err != nil {
		return fmt.Errorf("dist: encode control: %w", err)
	}
	if payload != nil {
		if err := enc.Add(payload); err != nil {
			return fmt.Errorf("dist: encode payload: %w", err)
		}
	}
	header, body, err := enc.Frame()
	if err != nil {
		return fmt.Errorf("dist: encode frame: %w", err)
	}

	frame := make([]byte, 0, 4+len(header)+1+len(body))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(header)+1+len(body)))
	frame = append(frame, header...)
	frame = append(frame, passThroughTag)
	frame = append(frame, body...)

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("dist: write frame: %w", err)
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// Tick writes an empty keepalive frame.
func (c *Connection) Tick() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("dist: write tick: %w", err)
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// StartTicker sends keepalives whenever the write side has been idle for
// the tick interval. It returns when ctx is cancelled or the connection
// dies.
func (c *Connection) StartTicker(ctx context.Context) {
	interval := c.cfg.TickInterval
	ticker := time.NewTicker(interval / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastWrite.Load()))
			if idle < interval {
				continue
			}
			if err := c.Tick(); err != nil {
				logger.Debug("keepalive failed",
					logger.KeyPeer, c.result.PeerName,
					logger.KeyError, err.Error())
				return
			}
		}
	}
}

// ReadMessage reads frames until one carries a control message, skipping
// ticks. The read deadline is the tick timeout: a silent peer is reported
// as ErrTickTimeout. Decode failures of a single frame are returned with
// the frame consumed, so the caller can log and keep reading; EOF and
// timeouts are fatal.
func (c *Connection) ReadMessage(ctx context.Context) (ControlMessage, etf.Term, error) {
	for {
		frame, err := c.readFrame(ctx)
		if err != nil {
			return nil, nil, err
		}
		if len(frame) == 0 {
			continue // tick
		}

		ctrl, payload, err := c.decodeFrame(frame)
		if err != nil {
			return nil, nil, err
		}
		return ctrl, payload, nil
	}
}

func (c *Connection) readFrame(ctx context.Context) ([]byte, error) {
	timeout := c.cfg.TickTimeout
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)

	var head [4]byte
	if _, err := io.ReadFull(c.conn, head[:]); err != nil {
		return nil, c.readError(err)
	}
	size := binary.BigEndian.Uint32(head[:])
	if size == 0 {
		return nil, nil
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, c.readError(err)
	}
	return frame, nil
}

func (c *Connection) readError(err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return ErrTickTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrClosed
	}
	return fmt.Errorf("dist: read frame: %w", err)
}

// decodeFrame parses [optional dist header][112][control][payload].
func (c *Connection) decodeFrame(frame []byte) (ControlMessage, etf.Term, error) {
	rest, err := etf.DecodeDistHeader(frame, c.inCache)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) == 0 || rest[0] != passThroughTag {
		return nil, nil, fmt.Errorf("dist: frame without pass-through byte")
	}

	dec := etf.NewDecoder(rest[1:], c.inCache)
	ctrlTerm, err := dec.Decode()
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := DecodeControl(ctrlTerm)
	if err != nil {
		return nil, nil, err
	}

	var payload etf.Term
	if HasPayload(ctrl) {
		if payload, err = dec.Decode(); err != nil {
			return nil, nil, err
		}
	}
	return ctrl, payload, nil
}

// Typed senders mirroring the control-message table.

// SendMessage delivers payload to a remote pid.
func (c *Connection) SendMessage(ctx context.Context, to etf.Pid, payload etf.Term) error {
	return c.WriteMessage(ctx, Send{To: to}, payload)
}

// SendToName delivers payload to a registered name on the peer; the peer
// resolves the name.
func (c *Connection) SendToName(ctx context.Context, from etf.Pid, name etf.Atom, payload etf.Term) error {
	return c.WriteMessage(ctx, RegSend{From: from, ToName: name}, payload)
}

// SendLink establishes a link between a local and a remote process.
func (c *Connection) SendLink(ctx context.Context, from, to etf.Pid) error {
	return c.WriteMessage(ctx, Link{From: from, To: to}, nil)
}

// SendUnlink starts an acknowledged unlink with the given id.
func (c *Connection) SendUnlink(ctx context.Context, id uint64, from, to etf.Pid) error {
	return c.WriteMessage(ctx, Unlink{ID: id, From: from, To: to}, nil)
}

// SendUnlinkAck acknowledges a peer's unlink.
func (c *Connection) SendUnlinkAck(ctx context.Context, id uint64, from, to etf.Pid) error {
	return c.WriteMessage(ctx, UnlinkAck{ID: id, From: from, To: to}, nil)
}

// SendMonitor starts monitoring a remote process.
func (c *Connection) SendMonitor(ctx context.Context, from etf.Pid, to etf.Term, ref etf.Ref) error {
	return c.WriteMessage(ctx, Monitor{From: from, To: to, Ref: ref}, nil)
}

// SendDemonitor cancels a remote monitor.
func (c *Connection) SendDemonitor(ctx context.Context, from etf.Pid, to etf.Term, ref etf.Ref) error {
	return c.WriteMessage(ctx, Demonitor{From: from, To: to, Ref: ref}, nil)
}

// SendExit propagates a link exit signal to a remote process.
func (c *Connection) SendExit(ctx context.Context, from, to etf.Pid, reason etf.Term) error {
	return c.WriteMessage(ctx, Exit{From: from, To: to, Reason: reason}, nil)
}

// SendExit2 sends an explicit exit/2 signal to a remote process.
func (c *Connection) SendExit2(ctx context.Context, from, to etf.Pid, reason etf.Term) error {
	return c.WriteMessage(ctx, Exit2{From: from, To: to, Reason: reason}, nil)
}

// SendMonitorDown reports a local monitored process exit to the peer.
func (c *Connection) SendMonitorDown(ctx context.Context, from etf.Term, to etf.Pid, ref etf.Ref, reason etf.Term) error {
	return c.WriteMessage(ctx, MonitorDown{From: from, To: to, Ref: ref, Reason: reason}, nil)
}
