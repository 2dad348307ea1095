package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that logs from the
// codec, the distribution layer, and the node runtime can be aggregated and
// queried together.
const (
	// Distributed tracing
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// Node identity
	KeyNode     = "node"     // Local node name (name@host)
	KeyPeer     = "peer"     // Remote node name
	KeyCreation = "creation" // Creation number assigned by EPMD

	// Distribution protocol
	KeyOp       = "op"        // Control message op-code or operation name
	KeyFrameLen = "frame_len" // Data-phase frame length in bytes
	KeyFlags    = "flags"     // Negotiated capability flags (hex)
	KeyStatus   = "status"    // Handshake status atom (ok, alive, nok, ...)

	// Process runtime
	KeyPid     = "pid"      // Process identifier (<id.serial.creation>)
	KeyFromPid = "from_pid" // Sending process
	KeyToPid   = "to_pid"   // Destination process
	KeyRef     = "ref"      // Monitor/unlink reference
	KeyName    = "name"     // Registered process name
	KeyReason  = "reason"   // Exit reason term

	// RPC
	KeyModule   = "module"   // Remote module
	KeyFunction = "function" // Remote function
	KeyArity    = "arity"    // Argument count

	// Transport
	KeyAddr       = "addr"        // Remote TCP address
	KeyPort       = "port"        // TCP port
	KeyBytesRead  = "bytes_read"  // Bytes consumed from the wire
	KeyBytesWrote = "bytes_wrote" // Bytes written to the wire

	// Timing & errors
	KeyDuration = "duration_ms" // Operation duration in milliseconds
	KeyError    = "error"       // Error message
)
