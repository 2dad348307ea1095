package node

import (
	"context"

	"github.com/marmos91/erlnode/internal/logger"
	"github.com/marmos91/erlnode/pkg/etf"
)

// Process is the minimal process contract: one asynchronous message handler.
// Returning an error terminates the process with that error as the exit
// reason. Richer behaviors (call/cast servers, event managers) compose on
// top of this interface by discriminating the payload term themselves.
type Process interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// ProcessFunc adapts a function to the Process interface.
type ProcessFunc func(ctx context.Context, msg Message) error

// HandleMessage implements Process.
func (f ProcessFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Handle pairs a pid with its mailbox. Link and monitor bookkeeping lives in
// the registry, keyed by pid, never inside handles: the link graph is cyclic
// and storing handles across it would leak processes.
type Handle struct {
	pid     etf.Pid
	mailbox *Mailbox
}

// Pid returns the process identifier.
func (h *Handle) Pid() etf.Pid {
	return h.pid
}

// Deliver enqueues msg into the process mailbox.
func (h *Handle) Deliver(msg Message) error {
	return h.mailbox.Enqueue(msg)
}

// Mailbox exposes the underlying mailbox, mainly for tests.
func (h *Handle) Mailbox() *Mailbox {
	return h.mailbox
}

// runProcess is the executor task owning one mailbox. It dequeues until the
// mailbox closes or the handler fails, then runs the termination path:
// the registry fans exit signals and monitor notifications out to every
// linked and monitoring process before dropping the pid.
func runProcess(ctx context.Context, proc Process, handle *Handle, reg *Registry) {
	reason := etf.Term(etf.AtomNormal)

	for {
		msg, err := handle.mailbox.Dequeue(ctx)
		if err != nil {
			break
		}
		if _, isShutdown := msg.(shutdown); isShutdown {
			reason = etf.AtomShutdown
			break
		}
		if err := proc.HandleMessage(ctx, msg); err != nil {
			logger.Debug("process handler failed",
				logger.KeyPid, handle.pid.String(),
				logger.KeyError, err.Error())
			reason = etf.ErrorTuple(etf.Binary(err.Error()))
			break
		}
	}

	handle.mailbox.Close()
	reg.Terminate(handle.pid, reason)
}
