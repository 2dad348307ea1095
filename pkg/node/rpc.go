package node

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/erlnode/internal/logger"
	"github.com/marmos91/erlnode/internal/telemetry"
	"github.com/marmos91/erlnode/pkg/etf"
)

// RPCCall invokes module:function(args...) on the remote node through its
// rex service and returns the unwrapped result. The call is bounded by the
// node's RPC timeout unless ctx carries an earlier deadline; a timed-out or
// cancelled call leaves no waiter behind.
func (n *Node) RPCCall(ctx context.Context, remote, module, function string, args []etf.Term) (etf.Term, error) {
	raw, err := n.RPCCallRaw(ctx, remote, module, function, args)
	if err != nil {
		return nil, err
	}
	return etf.IntoRexResponse(raw)
}

// RPCCallRaw is RPCCall without unwrapping: the result is the peer's
// {rex, Result} tuple.
func (n *Node) RPCCallRaw(ctx context.Context, remote, module, function string, args []etf.Term) (etf.Term, error) {
	ctx, span := telemetry.StartSpan(ctx, "node.rpc_call",
		attribute.String("rpc.peer", remote),
		attribute.String("rpc.module", module),
		attribute.String("rpc.function", function))
	start := time.Now()
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	conn, cerr := n.connection(remote)
	if cerr != nil {
		err = cerr
		n.recordRPC(start, "error")
		return nil, err
	}

	// The reply arrives as a Send to a pid no process owns; the waiter table
	// keyed by that pid catches it in the receiver task.
	replyPid := n.pids.Allocate()
	waiter := make(chan etf.Term, 1)
	n.addRPCWaiter(replyPid, waiter)

	request := etf.T(
		replyPid,
		etf.T(
			etf.A("call"),
			etf.A(module),
			etf.A(function),
			etf.List(args),
			etf.A("user"),
		),
	)

	logger.Debug("rpc call",
		logger.KeyPeer, remote,
		logger.KeyModule, module,
		logger.KeyFunction, function,
		logger.KeyArity, len(args),
		logger.KeyPid, replyPid.String())

	if serr := conn.SendToName(ctx, replyPid, etf.A("rex"), request); serr != nil {
		n.removeRPCWaiter(replyPid)
		err = serr
		n.recordRPC(start, "error")
		return nil, err
	}
	n.countFrameOut("reg_send")

	timeout := n.rpcTimeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-waiter:
		n.recordRPC(start, "ok")
		return response, nil
	case <-timer.C:
		n.removeRPCWaiter(replyPid)
		err = ErrRPCTimeout
		n.recordRPC(start, "timeout")
		return nil, err
	case <-ctx.Done():
		n.removeRPCWaiter(replyPid)
		err = ErrRPCCancelled
		n.recordRPC(start, "cancelled")
		return nil, err
	}
}

// addRPCWaiter registers a one-shot waiter keyed by the reply pid.
func (n *Node) addRPCWaiter(pid etf.Pid, waiter chan etf.Term) {
	n.rpcMu.Lock()
	n.pendingRPCs[pid] = waiter
	n.rpcMu.Unlock()
}

// removeRPCWaiter discards the waiter for pid, if still registered.
func (n *Node) removeRPCWaiter(pid etf.Pid) {
	n.rpcMu.Lock()
	delete(n.pendingRPCs, pid)
	n.rpcMu.Unlock()
}

// takeRPCWaiter removes and returns the waiter for pid.
func (n *Node) takeRPCWaiter(pid etf.Pid) chan etf.Term {
	n.rpcMu.Lock()
	defer n.rpcMu.Unlock()
	waiter, ok := n.pendingRPCs[pid]
	if !ok {
		return nil
	}
	delete(n.pendingRPCs, pid)
	return waiter
}

// pendingRPCCount reports the waiter table size, for tests.
func (n *Node) pendingRPCCount() int {
	n.rpcMu.Lock()
	defer n.rpcMu.Unlock()
	return len(n.pendingRPCs)
}

func (n *Node) recordRPC(start time.Time, outcome string) {
	if n.metrics != nil {
		n.metrics.RecordRPC(time.Since(start), outcome)
	}
}
