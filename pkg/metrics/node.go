package metrics

import "time"

// NodeMetrics provides observability for node runtime activity: connection
// lifecycle, data-phase frames and remote procedure calls.
//
// Pass nil to disable metrics collection with zero overhead.
type NodeMetrics interface {
	// RecordConnectionOpened increments the live-connection gauge for peer.
	RecordConnectionOpened(peer string)

	// RecordConnectionClosed decrements the live-connection gauge for peer.
	RecordConnectionClosed(peer string)

	// RecordFrameIn counts one inbound control message by operation name.
	RecordFrameIn(op string)

	// RecordFrameOut counts one outbound control message by operation name.
	RecordFrameOut(op string)

	// RecordFrameSkipped counts an inbound frame dropped for forward
	// compatibility (unknown op or undecodable payload).
	RecordFrameSkipped()

	// RecordRPC records a completed RPC with its duration and outcome
	// ("ok", "timeout", "cancelled", "error").
	RecordRPC(duration time.Duration, outcome string)

	// SetProcessCount tracks the number of live local processes.
	SetProcessCount(count int)
}
