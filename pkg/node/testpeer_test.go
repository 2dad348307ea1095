package node

import (
	"crypto/md5"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/erlnode/pkg/dist"
	"github.com/marmos91/erlnode/pkg/etf"
)

// fakeCluster is the test double for everything on the far side of the
// wire: a port mapper answering ALIVE2 and PORT_PLEASE2, and one peer node
// accepting the version-6 handshake and exchanging data frames.
type fakeCluster struct {
	t      *testing.T
	cookie string

	epmdListener net.Listener
	peerListener net.Listener
	peerName     string

	// inbound delivers every control message the peer receives.
	inbound chan peerInbound

	// conn is the peer's data-phase socket once a node connected.
	conn chan net.Conn
}

type peerInbound struct {
	ctrl    dist.ControlMessage
	payload etf.Term
}

const testCreation = 5

func newFakeCluster(t *testing.T, peerName, cookie string) *fakeCluster {
	t.Helper()
	fc := &fakeCluster{
		t:        t,
		cookie:   cookie,
		peerName: peerName,
		inbound:  make(chan peerInbound, 64),
		conn:     make(chan net.Conn, 1),
	}

	var err error
	fc.peerListener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.peerListener.Close() })

	fc.epmdListener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.epmdListener.Close() })

	go fc.serveEpmd()
	go fc.servePeer()
	return fc
}

// epmdPort returns the fake port mapper's port for WithEpmd.
func (fc *fakeCluster) epmdPort() int {
	return fc.epmdListener.Addr().(*net.TCPAddr).Port
}

// newNode builds a started node wired to the fake cluster.
func (fc *fakeCluster) newNode(t *testing.T, name string, opts ...Option) *Node {
	t.Helper()
	opts = append(opts, WithEpmd("127.0.0.1", fc.epmdPort()))
	n, err := New(name, fc.cookie, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(t.Context(), 0))
	t.Cleanup(n.Stop)
	return n
}

// serveEpmd answers ALIVE2 with a fixed creation and PORT_PLEASE2 with the
// fake peer's port.
func (fc *fakeCluster) serveEpmd() {
	for {
		conn, err := fc.epmdListener.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			var head [2]byte
			if _, err := io.ReadFull(c, head[:]); err != nil {
				return
			}
			body := make([]byte, binary.BigEndian.Uint16(head[:]))
			if _, err := io.ReadFull(c, body); err != nil {
				return
			}
			switch body[0] {
			case 120: // ALIVE2
				reply := []byte{121, 0}
				reply = binary.BigEndian.AppendUint32(reply, testCreation)
				_, _ = c.Write(reply)
				// Hold the registration socket open.
				buf := make([]byte, 1)
				_, _ = c.Read(buf)
			case 122: // PORT_PLEASE2
				port := uint16(fc.peerListener.Addr().(*net.TCPAddr).Port)
				reply := []byte{119, 0}
				reply = binary.BigEndian.AppendUint16(reply, port)
				reply = append(reply, 77, 0)                // normal node, tcp
				reply = binary.BigEndian.AppendUint16(reply, 6) // high
				reply = binary.BigEndian.AppendUint16(reply, 6) // low
				name := body[1:]
				reply = binary.BigEndian.AppendUint16(reply, uint16(len(name)))
				reply = append(reply, name...)
				reply = binary.BigEndian.AppendUint16(reply, 0)
				_, _ = c.Write(reply)
			}
		}(conn)
	}
}

// servePeer accepts one connection, speaks the responder handshake and then
// pumps inbound frames into the channel.
func (fc *fakeCluster) servePeer() {
	conn, err := fc.peerListener.Accept()
	if err != nil {
		return
	}
	if !fc.acceptHandshake(conn) {
		_ = conn.Close()
		return
	}
	fc.conn <- conn

	for {
		frame, ok := fc.readFrame(conn)
		if !ok {
			return
		}
		if len(frame) == 0 || frame[0] != 112 {
			continue
		}
		dec := etf.NewDecoder(frame[1:], nil)
		ctrlTerm, err := dec.Decode()
		if err != nil {
			continue
		}
		ctrl, err := dist.DecodeControl(ctrlTerm)
		if err != nil {
			continue
		}
		var payload etf.Term
		if dist.HasPayload(ctrl) {
			if payload, err = dec.Decode(); err != nil {
				continue
			}
		}
		fc.inbound <- peerInbound{ctrl: ctrl, payload: payload}
	}
}

func (fc *fakeCluster) acceptHandshake(conn net.Conn) bool {
	frame, ok := fc.readHandshakeFrame(conn)
	if !ok || len(frame) < 15 || frame[0] != 'N' {
		return false
	}

	fc.writeHandshakeFrame(conn, []byte("sok"))

	challenge := uint32(0x1234ABCD)
	body := []byte{'N'}
	body = binary.BigEndian.AppendUint64(body, uint64(dist.DefaultFlags()))
	body = binary.BigEndian.AppendUint32(body, challenge)
	body = binary.BigEndian.AppendUint32(body, 4)
	body = binary.BigEndian.AppendUint16(body, uint16(len(fc.peerName)))
	body = append(body, fc.peerName...)
	fc.writeHandshakeFrame(conn, body)

	reply, ok := fc.readHandshakeFrame(conn)
	if !ok || len(reply) != 21 || reply[0] != 'r' {
		return false
	}
	want := md5.Sum([]byte(fc.cookie + strconv.FormatUint(uint64(challenge), 10)))
	if string(reply[5:]) != string(want[:]) {
		return false
	}

	clientChallenge := binary.BigEndian.Uint32(reply[1:])
	ack := md5.Sum([]byte(fc.cookie + strconv.FormatUint(uint64(clientChallenge), 10)))
	fc.writeHandshakeFrame(conn, append([]byte{'a'}, ack[:]...))
	return true
}

func (fc *fakeCluster) readHandshakeFrame(conn net.Conn) ([]byte, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, false
	}
	body := make([]byte, binary.BigEndian.Uint16(head[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, false
	}
	return body, true
}

func (fc *fakeCluster) writeHandshakeFrame(conn net.Conn, body []byte) {
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)
	_, _ = conn.Write(frame)
}

func (fc *fakeCluster) readFrame(conn net.Conn) ([]byte, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var head [4]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, false
	}
	body := make([]byte, binary.BigEndian.Uint32(head[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, false
	}
	return body, true
}

// send writes one data frame from the peer to the connected node.
func (fc *fakeCluster) send(t *testing.T, ctrl etf.Term, payload etf.Term) {
	t.Helper()
	var conn net.Conn
	select {
	case conn = <-fc.conn:
	case <-time.After(5 * time.Second):
		t.Fatal("no node connected to fake peer")
	}
	// Put it back for further sends.
	defer func() { fc.conn <- conn }()

	body := []byte{112}
	encoded, err := etf.Encode(ctrl)
	require.NoError(t, err)
	body = append(body, encoded...)
	if payload != nil {
		encoded, err = etf.Encode(payload)
		require.NoError(t, err)
		body = append(body, encoded...)
	}
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	frame = append(frame, body...)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

// expect reads the next inbound control message of type matched by filter.
func (fc *fakeCluster) expect(t *testing.T, match func(peerInbound) bool) peerInbound {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case in := <-fc.inbound:
			if match(in) {
				return in
			}
		case <-deadline:
			t.Fatal("expected control message never arrived")
		}
	}
}
