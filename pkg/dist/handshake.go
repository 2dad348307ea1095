package dist

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/marmos91/erlnode/internal/logger"
)

// Handshake message tags.
const (
	hsTagName         = 'N' // version-6 send_name / challenge
	hsTagStatus       = 's'
	hsTagChallengeRep = 'r'
	hsTagChallengeAck = 'a'
)

// HandshakeState tracks the initiator state machine.
// Transitions are driven by reading exactly one handshake frame at a time;
// any unexpected tag, status or digest lands in HandshakeFailed, which is
// terminal.
type HandshakeState int

const (
	HandshakeInit HandshakeState = iota
	HandshakeNameSent
	HandshakeStatusReceived
	HandshakeChallengeReceived
	HandshakeReplySent
	HandshakeEstablished
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeInit:
		return "init"
	case HandshakeNameSent:
		return "name_sent"
	case HandshakeStatusReceived:
		return "status_received"
	case HandshakeChallengeReceived:
		return "challenge_received"
	case HandshakeReplySent:
		return "reply_sent"
	case HandshakeEstablished:
		return "established"
	case HandshakeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HandshakeResult carries what the data phase needs from a completed
// handshake.
type HandshakeResult struct {
	// Flags is the intersection of both sides' capabilities.
	Flags Flags

	// PeerFlags is the peer's advertised capability set.
	PeerFlags Flags

	// PeerName is the peer's full node name.
	PeerName string

	// PeerCreation is the peer's creation number.
	PeerCreation uint32
}

// handshake runs the initiator side over conn. Each step is bounded by
// stepTimeout. On any failure the state machine parks in HandshakeFailed and
// the caller closes the socket.
type handshake struct {
	conn        net.Conn
	localName   string
	cookie      string
	flags       Flags
	creation    uint32
	stepTimeout time.Duration
	state       HandshakeState
}

// run drives init → established, returning the negotiated result.
func (h *handshake) run() (*HandshakeResult, error) {
	res, err := h.exchange()
	if err != nil {
		h.state = HandshakeFailed
		return nil, err
	}
	h.state = HandshakeEstablished
	return res, nil
}

func (h *handshake) exchange() (*HandshakeResult, error) {
	// send_name
	if err := h.sendName(); err != nil {
		return nil, err
	}
	h.state = HandshakeNameSent

	// recv_status
	if err := h.recvStatus(); err != nil {
		return nil, err
	}
	h.state = HandshakeStatusReceived

	// recv_challenge
	peerFlags, peerCreation, peerName, peerChallenge, err := h.recvChallenge()
	if err != nil {
		return nil, err
	}
	h.state = HandshakeChallengeReceived

	if !peerFlags.Has(MandatoryFlags()) || !h.flags.Has(MandatoryFlags()) {
		return nil, fmt.Errorf("%w: local %s, peer %s", ErrMissingFlags, h.flags, peerFlags)
	}

	// send_challenge_reply
	ourChallenge, err := h.sendChallengeReply(peerChallenge)
	if err != nil {
		return nil, err
	}
	h.state = HandshakeReplySent

	// recv_challenge_ack
	if err := h.recvChallengeAck(ourChallenge); err != nil {
		return nil, err
	}

	return &HandshakeResult{
		Flags:        h.flags & peerFlags,
		PeerFlags:    peerFlags,
		PeerName:     peerName,
		PeerCreation: peerCreation,
	}, nil
}

// sendName writes the version-6 name frame: tag 'N', 8-byte flags, 4-byte
// creation, 2-byte name length, name bytes.
func (h *handshake) sendName() error {
	body := new(bytes.Buffer)
	body.WriteByte(hsTagName)
	_ = binary.Write(body, binary.BigEndian, uint64(h.flags))
	_ = binary.Write(body, binary.BigEndian, h.creation)
	_ = binary.Write(body, binary.BigEndian, uint16(len(h.localName)))
	body.WriteString(h.localName)
	return h.writeFrame(body.Bytes())
}

// recvStatus reads the status frame: tag 's' plus an ASCII status.
func (h *handshake) recvStatus() error {
	frame, err := h.readFrame()
	if err != nil {
		return err
	}
	if len(frame) < 1 || frame[0] != hsTagStatus {
		return fmt.Errorf("%w: want status, got %q", ErrUnexpectedTag, frameTag(frame))
	}
	status := string(frame[1:])
	switch status {
	case "ok", "ok_simultaneous":
		return nil
	case "alive":
		return ErrAlreadyConnected
	case "nok", "not_allowed":
		return ErrNotAllowed
	default:
		return &StatusError{Status: status}
	}
}

// recvChallenge reads the peer's 'N' challenge frame: 8-byte flags, 4-byte
// challenge, 4-byte creation, 2-byte name length, name.
func (h *handshake) recvChallenge() (Flags, uint32, string, uint32, error) {
	frame, err := h.readFrame()
	if err != nil {
		return 0, 0, "", 0, err
	}
	if len(frame) < 1+8+4+4+2 || frame[0] != hsTagName {
		return 0, 0, "", 0, fmt.Errorf("%w: want challenge, got %q", ErrUnexpectedTag, frameTag(frame))
	}
	flags := Flags(binary.BigEndian.Uint64(frame[1:]))
	challenge := binary.BigEndian.Uint32(frame[9:])
	creation := binary.BigEndian.Uint32(frame[13:])
	nameLen := int(binary.BigEndian.Uint16(frame[17:]))
	if len(frame) < 19+nameLen {
		return 0, 0, "", 0, fmt.Errorf("%w: truncated challenge name", ErrUnexpectedTag)
	}
	name := string(frame[19 : 19+nameLen])
	return flags, creation, name, challenge, nil
}

// sendChallengeReply answers the peer's challenge with our own: tag 'r',
// 4-byte challenge, 16-byte MD5(cookie ++ ascii-decimal peer challenge).
func (h *handshake) sendChallengeReply(peerChallenge uint32) (uint32, error) {
	ourChallenge, err := randomChallenge()
	if err != nil {
		return 0, err
	}
	digest := challengeDigest(h.cookie, peerChallenge)

	body := make([]byte, 0, 1+4+16)
	body = append(body, hsTagChallengeRep)
	body = binary.BigEndian.AppendUint32(body, ourChallenge)
	body = append(body, digest[:]...)
	if err := h.writeFrame(body); err != nil {
		return 0, err
	}
	return ourChallenge, nil
}

// recvChallengeAck verifies the peer's digest over our challenge.
func (h *handshake) recvChallengeAck(ourChallenge uint32) error {
	frame, err := h.readFrame()
	if err != nil {
		return err
	}
	if len(frame) != 1+16 || frame[0] != hsTagChallengeAck {
		return fmt.Errorf("%w: want challenge ack, got %q", ErrUnexpectedTag, frameTag(frame))
	}
	want := challengeDigest(h.cookie, ourChallenge)
	if !bytes.Equal(frame[1:], want[:]) {
		return ErrDigestMismatch
	}
	return nil
}

// challengeDigest computes MD5(cookie ++ ascii-decimal challenge), the
// shared-secret proof of the handshake.
func challengeDigest(cookie string, challenge uint32) [md5.Size]byte {
	return md5.Sum([]byte(cookie + strconv.FormatUint(uint64(challenge), 10)))
}

func randomChallenge() (uint32, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, fmt.Errorf("dist: generate challenge: %w", err)
	}
	return binary.BigEndian.Uint32(raw[:]), nil
}

// writeFrame writes one handshake frame with the 2-byte length prefix.
func (h *handshake) writeFrame(body []byte) error {
	if err := h.armDeadline(); err != nil {
		return err
	}
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)
	if _, err := h.conn.Write(frame); err != nil {
		return fmt.Errorf("dist: write handshake frame: %w", err)
	}
	return nil
}

// readFrame reads one handshake frame.
func (h *handshake) readFrame() ([]byte, error) {
	if err := h.armDeadline(); err != nil {
		return nil, err
	}
	var head [2]byte
	if _, err := io.ReadFull(h.conn, head[:]); err != nil {
		return nil, wrapTimeout(err, "read handshake length")
	}
	body := make([]byte, binary.BigEndian.Uint16(head[:]))
	if _, err := io.ReadFull(h.conn, body); err != nil {
		return nil, wrapTimeout(err, "read handshake body")
	}
	return body, nil
}

func (h *handshake) armDeadline() error {
	timeout := h.stepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return h.conn.SetDeadline(time.Now().Add(timeout))
}

func wrapTimeout(err error, op string) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return fmt.Errorf("%w: %s", ErrHandshakeTimeout, op)
	}
	return fmt.Errorf("dist: %s: %w", op, err)
}

func frameTag(frame []byte) string {
	if len(frame) == 0 {
		return "empty frame"
	}
	return string(frame[0])
}

func logHandshakeDone(local, peer string, flags Flags) {
	logger.Debug("handshake established",
		logger.KeyNode, local,
		logger.KeyPeer, peer,
		logger.KeyFlags, fmt.Sprintf("%#x", uint64(flags)))
}
