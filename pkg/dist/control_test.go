package dist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/erlnode/pkg/etf"
)

var (
	testFrom = etf.Pid{Node: etf.A("a@host"), ID: 1, Serial: 0, Creation: 1}
	testTo   = etf.Pid{Node: etf.A("b@host"), ID: 2, Serial: 0, Creation: 2}
	testRef  = etf.Ref{Node: etf.A("a@host"), Creation: 1, IDs: []uint32{1, 2, 3}}
)

// reencode runs a control message through its wire tuple and back.
func reencode(t *testing.T, msg ControlMessage) ControlMessage {
	t.Helper()
	decoded, err := DecodeControl(msg.controlTuple())
	require.NoError(t, err)
	return decoded
}

func TestControlRoundTrip(t *testing.T) {
	t.Run("Send", func(t *testing.T) {
		out := reencode(t, Send{To: testTo})
		assert.Equal(t, Send{To: testTo}, out)
	})

	t.Run("RegSend", func(t *testing.T) {
		out := reencode(t, RegSend{From: testFrom, ToName: etf.A("rex")})
		assert.Equal(t, RegSend{From: testFrom, ToName: etf.A("rex")}, out)
	})

	t.Run("Exit", func(t *testing.T) {
		out := reencode(t, Exit{From: testFrom, To: testTo, Reason: etf.AtomNormal})
		assert.Equal(t, Exit{From: testFrom, To: testTo, Reason: etf.AtomNormal}, out)
	})

	t.Run("Exit2", func(t *testing.T) {
		out := reencode(t, Exit2{From: testFrom, To: testTo, Reason: etf.AtomShutdown})
		assert.Equal(t, Exit2{From: testFrom, To: testTo, Reason: etf.AtomShutdown}, out)
	})

	t.Run("Link", func(t *testing.T) {
		out := reencode(t, Link{From: testFrom, To: testTo})
		assert.Equal(t, Link{From: testFrom, To: testTo}, out)
	})

	t.Run("MonitorWithPidTarget", func(t *testing.T) {
		out := reencode(t, Monitor{From: testFrom, To: testTo, Ref: testRef})
		monitor, ok := out.(Monitor)
		require.True(t, ok)
		assert.True(t, etf.Equal(testTo, monitor.To))
	})

	t.Run("MonitorWithNameTarget", func(t *testing.T) {
		out := reencode(t, Monitor{From: testFrom, To: etf.A("logger"), Ref: testRef})
		monitor, ok := out.(Monitor)
		require.True(t, ok)
		assert.True(t, etf.Equal(etf.A("logger"), monitor.To))
	})

	t.Run("Demonitor", func(t *testing.T) {
		out := reencode(t, Demonitor{From: testFrom, To: testTo, Ref: testRef})
		_, ok := out.(Demonitor)
		assert.True(t, ok)
	})

	t.Run("MonitorDown", func(t *testing.T) {
		out := reencode(t, MonitorDown{From: testFrom, To: testTo, Ref: testRef, Reason: etf.AtomNoproc})
		down, ok := out.(MonitorDown)
		require.True(t, ok)
		assert.Equal(t, testRef, down.Ref)
		assert.Equal(t, etf.Term(etf.AtomNoproc), down.Reason)
	})

	t.Run("UnlinkAndAck", func(t *testing.T) {
		out := reencode(t, Unlink{ID: 42, From: testFrom, To: testTo})
		assert.Equal(t, Unlink{ID: 42, From: testFrom, To: testTo}, out)

		ack := reencode(t, UnlinkAck{ID: 42, From: testTo, To: testFrom})
		assert.Equal(t, UnlinkAck{ID: 42, From: testTo, To: testFrom}, ack)
	})
}

func TestDecodeControlUnknownOp(t *testing.T) {
	_, err := DecodeControl(etf.T(etf.Int(99), etf.AtomOK))
	var unknown *UnknownOpError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, int64(99), unknown.Op)
}

func TestDecodeControlMalformed(t *testing.T) {
	for _, term := range []etf.Term{
		etf.AtomOK,             // not a tuple
		etf.T(),                // empty tuple
		etf.T(etf.AtomOK),      // op is not an integer
		etf.T(etf.Int(2)),      // send with missing fields
		etf.T(etf.Int(3), etf.Int(1), etf.Int(2), etf.AtomNormal), // exit with non-pids
	} {
		_, err := DecodeControl(term)
		assert.Error(t, err, "term %v", term)
	}
}

func TestHasPayload(t *testing.T) {
	assert.True(t, HasPayload(Send{}))
	assert.True(t, HasPayload(RegSend{}))
	assert.False(t, HasPayload(Exit{}))
	assert.False(t, HasPayload(Link{}))
	assert.False(t, HasPayload(Unlink{}))
}
