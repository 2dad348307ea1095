package node

import (
	"context"

	"github.com/marmos91/erlnode/pkg/etf"
)

// Convenience wrappers for common calls into the erlang module on a peer.

// ErlangSystemInfo calls erlang:system_info(Item).
func (n *Node) ErlangSystemInfo(ctx context.Context, remote, item string) (etf.Term, error) {
	return n.RPCCall(ctx, remote, "erlang", "system_info", []etf.Term{etf.A(item)})
}

// ErlangStatistics calls erlang:statistics(Item).
func (n *Node) ErlangStatistics(ctx context.Context, remote, item string) (etf.Term, error) {
	return n.RPCCall(ctx, remote, "erlang", "statistics", []etf.Term{etf.A(item)})
}

// ErlangMemory calls erlang:memory().
func (n *Node) ErlangMemory(ctx context.Context, remote string) (etf.Term, error) {
	return n.RPCCall(ctx, remote, "erlang", "memory", nil)
}

// ErlangProcesses calls erlang:processes().
func (n *Node) ErlangProcesses(ctx context.Context, remote string) (etf.Term, error) {
	return n.RPCCall(ctx, remote, "erlang", "processes", nil)
}

// ErlangProcessInfo calls erlang:process_info(Pid, Items).
func (n *Node) ErlangProcessInfo(ctx context.Context, remote string, pid etf.Term, items []string) (etf.Term, error) {
	itemTerms := make([]etf.Term, len(items))
	for i, item := range items {
		itemTerms[i] = etf.A(item)
	}
	return n.RPCCall(ctx, remote, "erlang", "process_info", []etf.Term{pid, etf.List(itemTerms)})
}

// ErlangListToPid calls erlang:list_to_pid(PidString).
func (n *Node) ErlangListToPid(ctx context.Context, remote, pidStr string) (etf.Term, error) {
	return n.RPCCall(ctx, remote, "erlang", "list_to_pid", []etf.Term{etf.Charlist(pidStr)})
}
