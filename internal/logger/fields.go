package logger

// Standard field keys for structured logging, kept consistent across the
// dispatcher, socket, connection, and controller packages so log lines can
// be aggregated and queried by field name.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Connection identity
	KeyConnectionID = "connection_id"
	KeyFD           = "fd"
	KeyUID          = "uid"
	KeyGID          = "gid"
	KeyState        = "state"

	// Message routing
	KeySerial        = "serial"
	KeyReplySerial   = "reply_serial"
	KeyPath          = "path"
	KeyInterface     = "interface"
	KeyMember        = "member"
	KeySignature     = "signature"
	KeyMessageType   = "message_type"
	KeyErrorName     = "error_name"
	KeyUnixFDs       = "unix_fds"
	KeyBodyLength    = "body_length"
	KeyTransactionID = "transaction_id"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyEvents     = "events"
	KeyCount      = "count"
)
