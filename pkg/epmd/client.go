// Package epmd implements a client for the Erlang port mapper daemon: node
// registration (ALIVE2), name lookup (PORT_PLEASE2) and name enumeration
// (NAMES).
//
// Wire format: every request is framed as a 2-byte big-endian length followed
// by a 1-byte request tag and the request body. Lookup and names connections
// are closed after one exchange; the registration connection stays open for
// the node's lifetime, since closing it is how the daemon learns the node is
// gone.
package epmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/erlnode/internal/logger"
)

// DefaultPort is the TCP port the daemon listens on.
const DefaultPort = 4369

// Request and response tags.
const (
	tagAlive2Req  = 120 // 'x'
	tagAlive2Resp = 121 // 'y'
	tagPortReq    = 122 // 'z'
	tagPortResp   = 119 // 'w'
	tagNamesReq   = 110 // 'n'
)

// NodeType selects how the node is advertised.
type NodeType byte

const (
	// NodeTypeNormal is a visible node (77).
	NodeTypeNormal NodeType = 77
	// NodeTypeHidden is a hidden node (72).
	NodeTypeHidden NodeType = 72
)

// ProtocolTCP is the only transport protocol the daemon defines.
const ProtocolTCP = 0

// Errors surfaced by the client.
var (
	// ErrNameTaken is returned when ALIVE2 reports a name clash.
	ErrNameTaken = errors.New("epmd: node name already registered")

	// ErrNodeNotFound is returned when PORT_PLEASE2 reports an unknown name.
	ErrNodeNotFound = errors.New("epmd: node not registered")

	// ErrShortReply is returned when the daemon's reply is truncated,
	// usually a protocol mismatch.
	ErrShortReply = errors.New("epmd: short reply")
)

// Client issues requests against one port mapper daemon.
type Client struct {
	// Host is the daemon's host, typically "localhost".
	Host string

	// Port is the daemon's TCP port. Zero means DefaultPort.
	Port int

	// Timeout bounds each request when the context carries no deadline.
	Timeout time.Duration
}

// NewClient returns a client for the daemon on host.
func NewClient(host string) *Client {
	return &Client{Host: host, Port: DefaultPort, Timeout: 5 * time.Second}
}

// NodeInfo describes a registered node as reported by PORT_PLEASE2.
type NodeInfo struct {
	Name      string
	Port      uint16
	Type      NodeType
	Protocol  byte
	HighestVn uint16
	LowestVn  uint16
	Extra     []byte
}

// Registration is a live ALIVE2 registration. The underlying socket must be
// kept open while the node runs; Close withdraws the registration.
type Registration struct {
	// Creation is the 32-bit creation number the daemon assigned.
	Creation uint32

	conn net.Conn
}

// Close withdraws the registration.
func (r *Registration) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// Register announces the node to the daemon and returns the live
// registration carrying the assigned creation number.
func (c *Client) Register(ctx context.Context, listenPort uint16, name string, nodeType NodeType, highVsn, lowVsn uint16, extra []byte) (*Registration, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	body := new(bytes.Buffer)
	body.WriteByte(tagAlive2Req)
	_ = binary.Write(body, binary.BigEndian, listenPort)
	body.WriteByte(byte(nodeType))
	body.WriteByte(ProtocolTCP)
	_ = binary.Write(body, binary.BigEndian, highVsn)
	_ = binary.Write(body, binary.BigEndian, lowVsn)
	_ = binary.Write(body, binary.BigEndian, uint16(len(name)))
	body.WriteString(name)
	_ = binary.Write(body, binary.BigEndian, uint16(len(extra)))
	body.Write(extra)

	if err := writeRequest(conn, body.Bytes()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("epmd: write alive request: %w", err)
	}

	// Alive reply: tag, result, 4-byte creation.
	var reply [6]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: alive reply: %v", ErrShortReply, err)
	}
	if reply[0] != tagAlive2Resp {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected reply tag %d", ErrShortReply, reply[0])
	}
	if reply[1] != 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: result %d", ErrNameTaken, reply[1])
	}

	creation := binary.BigEndian.Uint32(reply[2:])
	// Clear the request deadline: the socket now lives as long as the node.
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("registered with epmd",
		logger.KeyName, name,
		logger.KeyPort, listenPort,
		logger.KeyCreation, creation)

	return &Registration{Creation: creation, conn: conn}, nil
}

// Lookup asks the daemon for the distribution port of a registered node.
// name is the short name, without the @host part.
func (c *Client) Lookup(ctx context.Context, name string) (*NodeInfo, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	body := make([]byte, 0, 1+len(name))
	body = append(body, tagPortReq)
	body = append(body, name...)
	if err := writeRequest(conn, body); err != nil {
		return nil, fmt.Errorf("epmd: write port request: %w", err)
	}

	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, fmt.Errorf("%w: port reply: %v", ErrShortReply, err)
	}
	if head[0] != tagPortResp {
		return nil, fmt.Errorf("%w: unexpected reply tag %d", ErrShortReply, head[0])
	}
	if head[1] != 0 {
		return nil, fmt.Errorf("%w: %q (result %d)", ErrNodeNotFound, name, head[1])
	}

	var fixed [8]byte
	if _, err := io.ReadFull(conn, fixed[:]); err != nil {
		return nil, fmt.Errorf("%w: port reply body: %v", ErrShortReply, err)
	}
	info := &NodeInfo{
		Port:      binary.BigEndian.Uint16(fixed[0:]),
		Type:      NodeType(fixed[2]),
		Protocol:  fixed[3],
		HighestVn: binary.BigEndian.Uint16(fixed[4:]),
		LowestVn:  binary.BigEndian.Uint16(fixed[6:]),
	}

	var nameLen [2]byte
	if _, err := io.ReadFull(conn, nameLen[:]); err != nil {
		return nil, fmt.Errorf("%w: node name length: %v", ErrShortReply, err)
	}
	nameBytes := make([]byte, binary.BigEndian.Uint16(nameLen[:]))
	if _, err := io.ReadFull(conn, nameBytes); err != nil {
		return nil, fmt.Errorf("%w: node name: %v", ErrShortReply, err)
	}
	info.Name = string(nameBytes)

	// Extra bytes are optional; older daemons close without sending them.
	var extraLen [2]byte
	if _, err := io.ReadFull(conn, extraLen[:]); err == nil {
		extra := make([]byte, binary.BigEndian.Uint16(extraLen[:]))
		if _, err := io.ReadFull(conn, extra); err == nil {
			info.Extra = extra
		}
	}

	return info, nil
}

// NameEntry is one line of the NAMES listing.
type NameEntry struct {
	Name string
	Port uint16
}

// Names enumerates the nodes registered with the daemon.
func (c *Client) Names(ctx context.Context) ([]NameEntry, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeRequest(conn, []byte{tagNamesReq}); err != nil {
		return nil, fmt.Errorf("epmd: write names request: %w", err)
	}

	// Reply: 4-byte daemon port, then a text blob of "name <n> at port <p>"
	// lines terminated by connection close.
	var head [4]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, fmt.Errorf("%w: names reply: %v", ErrShortReply, err)
	}
	blob, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("epmd: read names blob: %w", err)
	}

	return ParseNames(string(blob)), nil
}

// ParseNames parses the text blob of a NAMES reply.
func ParseNames(blob string) []NameEntry {
	var entries []NameEntry
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// "name foo at port 12345"
		fields := strings.Fields(line)
		if len(fields) != 5 || fields[0] != "name" || fields[2] != "at" || fields[3] != "port" {
			continue
		}
		port, err := strconv.ParseUint(fields[4], 10, 16)
		if err != nil {
			continue
		}
		entries = append(entries, NameEntry{Name: fields[1], Port: uint16(port)})
	}
	return entries
}

// dial connects to the daemon and arms the request deadline.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var dialer net.Dialer
	addr := net.JoinHostPort(c.Host, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("epmd: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// writeRequest frames body with the 2-byte length prefix.
func writeRequest(conn net.Conn, body []byte) error {
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)
	_, err := conn.Write(frame)
	return err
}
