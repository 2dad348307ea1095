package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/erlnode/pkg/dist"
	"github.com/marmos91/erlnode/pkg/etf"
)

const (
	testPeerName = "peer@127.0.0.1"
	testCookie   = "monster"
)

// collector is a Process that records everything it receives.
type collector struct {
	mu   sync.Mutex
	msgs []Message
	seen chan Message
}

func newCollector() *collector {
	return &collector{seen: make(chan Message, 64)}
}

func (c *collector) HandleMessage(_ context.Context, msg Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.seen <- msg
	return nil
}

func (c *collector) wait(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-c.seen:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestNodeStart(t *testing.T) {
	t.Run("RecordsCreation", func(t *testing.T) {
		fc := newFakeCluster(t, testPeerName, testCookie)
		n := fc.newNode(t, "sut@127.0.0.1")
		assert.Equal(t, uint32(testCreation), n.Creation())
	})

	t.Run("DoubleStartFails", func(t *testing.T) {
		fc := newFakeCluster(t, testPeerName, testCookie)
		n := fc.newNode(t, "sut@127.0.0.1")
		require.ErrorIs(t, n.Start(t.Context(), 0), ErrAlreadyStarted)
	})

	t.Run("SpawnBeforeStartFails", func(t *testing.T) {
		n, err := New("cold@127.0.0.1", testCookie)
		require.NoError(t, err)
		_, err = n.Spawn(newCollector())
		require.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("InvalidNameRejected", func(t *testing.T) {
		_, err := New("nohost", testCookie)
		require.Error(t, err)
	})
}

func TestLocalDelivery(t *testing.T) {
	fc := newFakeCluster(t, testPeerName, testCookie)
	n := fc.newNode(t, "sut@127.0.0.1")

	proc := newCollector()
	pid, err := n.Spawn(proc)
	require.NoError(t, err)
	assert.Equal(t, n.Name(), pid.Node)

	require.NoError(t, n.Send(t.Context(), pid, etf.T(etf.AtomOK, etf.Int(1))))
	msg := proc.wait(t)
	regular, ok := msg.(Regular)
	require.True(t, ok)
	assert.True(t, etf.Equal(etf.T(etf.AtomOK, etf.Int(1)), regular.Body))

	t.Run("PidsAreUnique", func(t *testing.T) {
		other, err := n.Spawn(newCollector())
		require.NoError(t, err)
		assert.NotEqual(t, pid, other)
	})

	t.Run("UnknownPidFails", func(t *testing.T) {
		ghost := etf.Pid{Node: n.Name(), ID: 999999, Serial: 9, Creation: testCreation}
		err := n.Send(t.Context(), ghost, etf.AtomOK)
		var notFound *ProcessNotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestRegisteredNames(t *testing.T) {
	fc := newFakeCluster(t, testPeerName, testCookie)
	n := fc.newNode(t, "sut@127.0.0.1")

	proc := newCollector()
	pid, err := n.Spawn(proc)
	require.NoError(t, err)

	require.NoError(t, n.Register(etf.A("worker"), pid))

	t.Run("SendResolves", func(t *testing.T) {
		require.NoError(t, n.SendToName(t.Context(), etf.A("worker"), etf.AtomOK))
		msg := proc.wait(t)
		_, ok := msg.(Regular)
		assert.True(t, ok)
	})

	t.Run("ReRegistrationFails", func(t *testing.T) {
		other, err := n.Spawn(newCollector())
		require.NoError(t, err)
		err = n.Register(etf.A("worker"), other)
		var taken *NameAlreadyRegisteredError
		require.ErrorAs(t, err, &taken)
	})

	t.Run("UnknownNameFails", func(t *testing.T) {
		err := n.SendToName(t.Context(), etf.A("nobody"), etf.AtomOK)
		var missing *NameNotRegisteredError
		require.ErrorAs(t, err, &missing)
	})

	t.Run("UnregisterThenReRegister", func(t *testing.T) {
		require.NoError(t, n.Unregister(etf.A("worker")))
		require.ErrorAs(t, n.Unregister(etf.A("worker")), new(*NameNotRegisteredError))
		require.NoError(t, n.Register(etf.A("worker"), pid))
	})
}

func TestConnect(t *testing.T) {
	fc := newFakeCluster(t, testPeerName, testCookie)
	n := fc.newNode(t, "sut@127.0.0.1")

	require.NoError(t, n.Connect(t.Context(), testPeerName))
	assert.Equal(t, []string{testPeerName}, n.Connections())

	// Idempotent.
	require.NoError(t, n.Connect(t.Context(), testPeerName))
	assert.Len(t, n.Connections(), 1)
}

func TestRemoteSend(t *testing.T) {
	fc := newFakeCluster(t, testPeerName, testCookie)
	n := fc.newNode(t, "sut@127.0.0.1")
	require.NoError(t, n.Connect(t.Context(), testPeerName))

	remotePid := etf.Pid{Node: etf.A(testPeerName), ID: 11, Serial: 0, Creation: 4}
	require.NoError(t, n.Send(t.Context(), remotePid, etf.L(etf.Int(1), etf.Int(2))))

	in := fc.expect(t, func(in peerInbound) bool {
		_, ok := in.ctrl.(dist.Send)
		return ok
	})
	send := in.ctrl.(dist.Send)
	assert.Equal(t, remotePid, send.To)
	assert.True(t, etf.Equal(etf.L(etf.Int(1), etf.Int(2)), in.payload))
}

func TestRPC(t *testing.T) {
	t.Run("IntegerEcho", func(t *testing.T) {
		fc := newFakeCluster(t, testPeerName, testCookie)
		n := fc.newNode(t, "sut@127.0.0.1")
		require.NoError(t, n.Connect(t.Context(), testPeerName))

		done := make(chan struct{})
		go func() {
			defer close(done)
			in := fc.expect(t, func(in peerInbound) bool {
				reg, ok := in.ctrl.(dist.RegSend)
				return ok && reg.ToName == etf.A("rex")
			})

			request, ok := etf.AsTuple(in.payload)
			require.True(t, ok)
			require.Len(t, request, 2)
			replyPid, ok := etf.AsPid(request[0])
			require.True(t, ok)

			call, ok := etf.AsTuple(request[1])
			require.True(t, ok)
			require.Len(t, call, 5)
			assert.True(t, etf.IsAtom(call[0], "call"))
			assert.True(t, etf.IsAtom(call[1], "erlang"))
			assert.True(t, etf.IsAtom(call[2], "+"))
			assert.True(t, etf.Equal(etf.L(etf.Int(2), etf.Int(3)), call[3]))
			assert.True(t, etf.IsAtom(call[4], "user"))

			fc.send(t, etf.T(etf.Int(2), etf.Atom(""), replyPid), etf.T(etf.A("rex"), etf.Int(5)))
		}()

		result, err := n.RPCCall(t.Context(), testPeerName, "erlang", "+", []etf.Term{etf.Int(2), etf.Int(3)})
		require.NoError(t, err)
		assert.Equal(t, etf.Int(5), result)
		<-done
		assert.Zero(t, n.pendingRPCCount())
	})

	t.Run("RawKeepsRexWrapper", func(t *testing.T) {
		fc := newFakeCluster(t, testPeerName, testCookie)
		n := fc.newNode(t, "sut@127.0.0.1")
		require.NoError(t, n.Connect(t.Context(), testPeerName))

		go func() {
			in := fc.expect(t, func(in peerInbound) bool {
				_, ok := in.ctrl.(dist.RegSend)
				return ok
			})
			request, _ := etf.AsTuple(in.payload)
			replyPid, _ := etf.AsPid(request[0])
			fc.send(t, etf.T(etf.Int(2), etf.Atom(""), replyPid),
				etf.T(etf.A("rex"), etf.L(etf.Int(3), etf.Int(2), etf.Int(1))))
		}()

		raw, err := n.RPCCallRaw(t.Context(), testPeerName, "lists", "reverse",
			[]etf.Term{etf.L(etf.Int(1), etf.Int(2), etf.Int(3))})
		require.NoError(t, err)
		tuple, ok := etf.AsTuple(raw)
		require.True(t, ok)
		assert.True(t, etf.IsAtom(tuple[0], "rex"))
	})

	t.Run("TimeoutLeavesNoWaiter", func(t *testing.T) {
		fc := newFakeCluster(t, testPeerName, testCookie)
		n := fc.newNode(t, "sut@127.0.0.1", WithRPCTimeout(200*time.Millisecond))
		require.NoError(t, n.Connect(t.Context(), testPeerName))

		// The fake peer swallows the request.
		_, err := n.RPCCall(t.Context(), testPeerName, "erlang", "+", []etf.Term{etf.Int(1), etf.Int(1)})
		require.ErrorIs(t, err, ErrRPCTimeout)
		assert.Zero(t, n.pendingRPCCount())
	})

	t.Run("CancelledLeavesNoWaiter", func(t *testing.T) {
		fc := newFakeCluster(t, testPeerName, testCookie)
		n := fc.newNode(t, "sut@127.0.0.1")
		require.NoError(t, n.Connect(t.Context(), testPeerName))

		ctx, cancel := context.WithCancel(t.Context())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err := n.RPCCall(ctx, testPeerName, "erlang", "+", []etf.Term{etf.Int(1), etf.Int(1)})
		require.ErrorIs(t, err, ErrRPCCancelled)
		assert.Zero(t, n.pendingRPCCount())
	})

	t.Run("NotConnectedFails", func(t *testing.T) {
		fc := newFakeCluster(t, testPeerName, testCookie)
		n := fc.newNode(t, "sut@127.0.0.1")
		_, err := n.RPCCall(t.Context(), "ghost@127.0.0.1", "erlang", "+", nil)
		var notConnected *NotConnectedError
		require.ErrorAs(t, err, &notConnected)
	})
}

func TestMonitorDownDelivery(t *testing.T) {
	fc := newFakeCluster(t, testPeerName, testCookie)
	n := fc.newNode(t, "sut@127.0.0.1")
	require.NoError(t, n.Connect(t.Context(), testPeerName))

	watcher := newCollector()
	watcherPid, err := n.Spawn(watcher)
	require.NoError(t, err)

	remotePid := etf.Pid{Node: etf.A(testPeerName), ID: 21, Serial: 0, Creation: 4}
	ref, err := n.Monitor(t.Context(), watcherPid, remotePid)
	require.NoError(t, err)

	in := fc.expect(t, func(in peerInbound) bool {
		_, ok := in.ctrl.(dist.Monitor)
		return ok
	})
	monitor := in.ctrl.(dist.Monitor)
	assert.Equal(t, watcherPid, monitor.From)
	assert.True(t, etf.Equal(ref, monitor.Ref))

	// The monitored process exits with reason normal.
	fc.send(t, etf.T(etf.Int(15), remotePid, watcherPid, ref, etf.AtomNormal), nil)

	msg := watcher.wait(t)
	down, ok := msg.(MonitorExit)
	require.True(t, ok)
	assert.Equal(t, remotePid, down.Monitored)
	assert.True(t, etf.Equal(ref, down.Ref))
	assert.Equal(t, etf.Term(etf.AtomNormal), down.Reason)
}

func TestUnlinkAcknowledged(t *testing.T) {
	fc := newFakeCluster(t, testPeerName, testCookie)
	n := fc.newNode(t, "sut@127.0.0.1")
	require.NoError(t, n.Connect(t.Context(), testPeerName))

	local := newCollector()
	localPid, err := n.Spawn(local)
	require.NoError(t, err)
	remotePid := etf.Pid{Node: etf.A(testPeerName), ID: 31, Serial: 0, Creation: 4}

	require.NoError(t, n.Link(t.Context(), localPid, remotePid))
	fc.expect(t, func(in peerInbound) bool {
		_, ok := in.ctrl.(dist.Link)
		return ok
	})

	require.NoError(t, n.Unlink(t.Context(), localPid, remotePid))
	in := fc.expect(t, func(in peerInbound) bool {
		_, ok := in.ctrl.(dist.Unlink)
		return ok
	})
	unlink := in.ctrl.(dist.Unlink)
	assert.Equal(t, localPid, unlink.From)
	assert.Equal(t, remotePid, unlink.To)

	// An exit signal racing ahead of the ack must be suppressed.
	fc.send(t, etf.T(etf.Int(3), remotePid, localPid, etf.AtomNormal), nil)

	// The ack with the same id completes the unlink.
	fc.send(t, etf.T(etf.Int(36), etf.Int(unlink.ID), remotePid, localPid), nil)

	// A later regular message proves the exit was never delivered in
	// between.
	require.NoError(t, n.Send(t.Context(), localPid, etf.A("after")))
	msg := local.wait(t)
	regular, ok := msg.(Regular)
	require.True(t, ok, "got %T instead of the regular message", msg)
	assert.True(t, etf.IsAtom(regular.Body, "after"))
}

func TestLinkedExitDelivered(t *testing.T) {
	fc := newFakeCluster(t, testPeerName, testCookie)
	n := fc.newNode(t, "sut@127.0.0.1")
	require.NoError(t, n.Connect(t.Context(), testPeerName))

	local := newCollector()
	localPid, err := n.Spawn(local)
	require.NoError(t, err)
	remotePid := etf.Pid{Node: etf.A(testPeerName), ID: 41, Serial: 0, Creation: 4}

	require.NoError(t, n.Link(t.Context(), localPid, remotePid))
	fc.send(t, etf.T(etf.Int(3), remotePid, localPid, etf.AtomShutdown), nil)

	msg := local.wait(t)
	exit, ok := msg.(ExitSignal)
	require.True(t, ok)
	assert.Equal(t, remotePid, exit.From)
	assert.Equal(t, etf.Term(etf.AtomShutdown), exit.Reason)
}

func TestRemoteRegSend(t *testing.T) {
	fc := newFakeCluster(t, testPeerName, testCookie)
	n := fc.newNode(t, "sut@127.0.0.1")
	require.NoError(t, n.Connect(t.Context(), testPeerName))

	require.NoError(t, n.SendToRemoteName(t.Context(), testPeerName, etf.A("logger"), etf.AtomOK))
	in := fc.expect(t, func(in peerInbound) bool {
		reg, ok := in.ctrl.(dist.RegSend)
		return ok && reg.ToName == etf.A("logger")
	})
	assert.Equal(t, etf.Term(etf.AtomOK), in.payload)
}

func TestInboundRegSendRoutesToName(t *testing.T) {
	fc := newFakeCluster(t, testPeerName, testCookie)
	n := fc.newNode(t, "sut@127.0.0.1")
	require.NoError(t, n.Connect(t.Context(), testPeerName))

	proc := newCollector()
	pid, err := n.Spawn(proc)
	require.NoError(t, err)
	require.NoError(t, n.Register(etf.A("service"), pid))

	sender := etf.Pid{Node: etf.A(testPeerName), ID: 51, Serial: 0, Creation: 4}
	fc.send(t, etf.T(etf.Int(6), sender, etf.Atom(""), etf.A("service")), etf.Int(99))

	msg := proc.wait(t)
	regular, ok := msg.(Regular)
	require.True(t, ok)
	require.NotNil(t, regular.From)
	assert.Equal(t, sender, *regular.From)
	assert.Equal(t, etf.Term(etf.Int(99)), regular.Body)
}
