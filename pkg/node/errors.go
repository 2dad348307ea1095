package node

import (
	"errors"
	"fmt"

	"github.com/marmos91/erlnode/pkg/etf"
)

var (
	// ErrAlreadyStarted is returned by Start on a started node.
	ErrAlreadyStarted = errors.New("node: already started")

	// ErrNotStarted is returned by operations requiring registration.
	ErrNotStarted = errors.New("node: not started")

	// ErrMailboxClosed is returned when enqueueing to a terminated process.
	ErrMailboxClosed = errors.New("node: mailbox closed")

	// ErrRPCTimeout is returned when an RPC reply does not arrive in time.
	ErrRPCTimeout = errors.New("node: rpc timeout")

	// ErrRPCCancelled is returned when an RPC is cancelled before a reply.
	ErrRPCCancelled = errors.New("node: rpc cancelled")
)

// ProcessNotFoundError reports a pid with no live process.
type ProcessNotFoundError struct {
	Pid etf.Pid
}

func (e *ProcessNotFoundError) Error() string {
	return fmt.Sprintf("node: process not found: %s", e.Pid)
}

// NameNotRegisteredError reports an unresolvable registered name.
type NameNotRegisteredError struct {
	Name etf.Atom
}

func (e *NameNotRegisteredError) Error() string {
	return fmt.Sprintf("node: name not registered: %s", e.Name)
}

// NameAlreadyRegisteredError reports a re-registration without a prior
// unregister.
type NameAlreadyRegisteredError struct {
	Name etf.Atom
}

func (e *NameAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("node: name already registered: %s", e.Name)
}

// NotConnectedError reports an operation against a peer with no connection.
type NotConnectedError struct {
	Peer string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("node: remote node not connected: %s", e.Peer)
}
