package dist

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer speaks the responder side of the version-6 handshake, which this
// implementation never initiates but every test needs on the other end of
// the socket.
type fakePeer struct {
	name   string
	cookie string
	flags  Flags

	// status overrides the "ok" status frame when set.
	status string
	// wrongAckDigest makes the final ack digest garbage.
	wrongAckDigest bool
}

func (p *fakePeer) accept(t *testing.T, conn net.Conn) (clientName string, ok bool) {
	t.Helper()
	defer func() {
		if !ok {
			_ = conn.Close()
		}
	}()

	// recv_name
	frame := readHandshakeFrame(t, conn)
	if len(frame) < 15 || frame[0] != hsTagName {
		return "", false
	}
	clientName = string(frame[15:])

	// send_status
	status := p.status
	if status == "" {
		status = "ok"
	}
	writeHandshakeFrame(t, conn, append([]byte{hsTagStatus}, status...))
	if status != "ok" && status != "ok_simultaneous" {
		return clientName, false
	}

	// send_challenge
	challenge := uint32(0xCAFEBABE)
	body := []byte{hsTagName}
	body = binary.BigEndian.AppendUint64(body, uint64(p.flags))
	body = binary.BigEndian.AppendUint32(body, challenge)
	body = binary.BigEndian.AppendUint32(body, 4) // peer creation
	body = binary.BigEndian.AppendUint16(body, uint16(len(p.name)))
	body = append(body, p.name...)
	writeHandshakeFrame(t, conn, body)

	// recv_challenge_reply
	reply := readHandshakeFrame(t, conn)
	if len(reply) != 1+4+16 || reply[0] != hsTagChallengeRep {
		return clientName, false
	}
	wantDigest := challengeDigest(p.cookie, challenge)
	if string(reply[5:]) != string(wantDigest[:]) {
		return clientName, false
	}
	clientChallenge := binary.BigEndian.Uint32(reply[1:])

	// send_challenge_ack
	ackDigest := challengeDigest(p.cookie, clientChallenge)
	if p.wrongAckDigest {
		ackDigest[0] ^= 0xFF
	}
	writeHandshakeFrame(t, conn, append([]byte{hsTagChallengeAck}, ackDigest[:]...))
	return clientName, true
}

func readHandshakeFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil
	}
	body := make([]byte, binary.BigEndian.Uint16(head[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil
	}
	return body
}

func writeHandshakeFrame(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)
	_, err := conn.Write(frame)
	require.NoError(t, err)
}

// listenPeer runs a fakePeer behind a TCP listener and returns its address
// plus a channel yielding the accepted raw connection once the handshake
// finishes.
func listenPeer(t *testing.T, peer *fakePeer) (string, <-chan net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		if _, ok := peer.accept(t, conn); ok {
			accepted <- conn
		}
	}()
	return listener.Addr().String(), accepted
}

func testConfig(peer string) Config {
	return Config{
		LocalName:        "client@host",
		PeerName:         peer,
		Cookie:           "secret",
		Creation:         9,
		HandshakeTimeout: 2 * time.Second,
		TickInterval:     time.Minute,
		TickTimeout:      2 * time.Minute,
	}
}

func TestHandshake(t *testing.T) {
	t.Run("Establishes", func(t *testing.T) {
		peer := &fakePeer{name: "peer@host", cookie: "secret", flags: DefaultFlags()}
		addr, _ := listenPeer(t, peer)

		conn, err := Dial(t.Context(), addr, testConfig("peer@host"))
		require.NoError(t, err)
		defer conn.Close()

		assert.Equal(t, "peer@host", conn.PeerName())
		assert.Equal(t, uint32(4), conn.PeerCreation())
		assert.True(t, conn.Flags().Has(MandatoryFlags()))
	})

	t.Run("FlagsIntersect", func(t *testing.T) {
		peerFlags := MandatoryFlags() | FlagDistMonitor // no unlink-id, no fun tags
		peer := &fakePeer{name: "peer@host", cookie: "secret", flags: peerFlags}
		addr, _ := listenPeer(t, peer)

		conn, err := Dial(t.Context(), addr, testConfig("peer@host"))
		require.NoError(t, err)
		defer conn.Close()

		assert.True(t, conn.Flags().Has(FlagDistMonitor))
		assert.False(t, conn.Flags().Has(FlagUnlinkID))
	})

	t.Run("DigestMismatchFails", func(t *testing.T) {
		peer := &fakePeer{name: "peer@host", cookie: "secret", flags: DefaultFlags(), wrongAckDigest: true}
		addr, _ := listenPeer(t, peer)

		_, err := Dial(t.Context(), addr, testConfig("peer@host"))
		require.ErrorIs(t, err, ErrDigestMismatch)
	})

	t.Run("WrongCookieFails", func(t *testing.T) {
		peer := &fakePeer{name: "peer@host", cookie: "other", flags: DefaultFlags()}
		addr, _ := listenPeer(t, peer)

		_, err := Dial(t.Context(), addr, testConfig("peer@host"))
		require.Error(t, err)
	})

	t.Run("NotAllowedFails", func(t *testing.T) {
		peer := &fakePeer{name: "peer@host", cookie: "secret", flags: DefaultFlags(), status: "not_allowed"}
		addr, _ := listenPeer(t, peer)

		_, err := Dial(t.Context(), addr, testConfig("peer@host"))
		require.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("AliveFails", func(t *testing.T) {
		peer := &fakePeer{name: "peer@host", cookie: "secret", flags: DefaultFlags(), status: "alive"}
		addr, _ := listenPeer(t, peer)

		_, err := Dial(t.Context(), addr, testConfig("peer@host"))
		require.ErrorIs(t, err, ErrAlreadyConnected)
	})

	t.Run("MissingMandatoryFlagsFails", func(t *testing.T) {
		peer := &fakePeer{name: "peer@host", cookie: "secret", flags: FlagHandshake6} // nothing else
		addr, _ := listenPeer(t, peer)

		_, err := Dial(t.Context(), addr, testConfig("peer@host"))
		require.ErrorIs(t, err, ErrMissingFlags)
	})
}

func TestHandshakeStateString(t *testing.T) {
	states := map[HandshakeState]string{
		HandshakeInit:              "init",
		HandshakeNameSent:          "name_sent",
		HandshakeStatusReceived:    "status_received",
		HandshakeChallengeReceived: "challenge_received",
		HandshakeReplySent:         "reply_sent",
		HandshakeEstablished:       "established",
		HandshakeFailed:            "failed",
	}
	for state, want := range states {
		assert.Equal(t, want, state.String())
	}
}
