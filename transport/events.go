package transport

// EventType enumerates the kinds of Event a Conn surfaces through Events(),
// the polling mechanism the API layer (connect/accept/read/write) blocks
// on per §5's "sentinel condition" description.
type EventType int

const (
	// EventConnect fires once a client Conn has started its handshake
	// attempt (not once it has completed — see EventEstablished).
	EventConnect EventType = iota
	// EventAccept fires once a server Conn has been created from a valid
	// client Initial.
	EventAccept
	// EventEstablished fires once the handshake completes.
	EventEstablished
	// EventStreamReadable fires when a stream has newly in-order data (or
	// a FIN) available to Read.
	EventStreamReadable
	// EventStreamWritable names a previously blocked stream whose send
	// window the peer has raised. The transport does not emit it.
	EventStreamWritable
	// EventNewStream names a peer-initiated stream seen for the first time.
	// The transport does not emit it; data on a new peer-initiated stream
	// is reported through EventStreamReadable.
	EventNewStream
	// EventError fires when the connection has recorded a protocol or
	// application error and begun closing.
	EventError
	// EventClosed fires once the connection has entered the draining
	// sub-state (the peer's view of "closed" per §4.7).
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventAccept:
		return "accept"
	case EventEstablished:
		return "established"
	case EventStreamReadable:
		return "stream_readable"
	case EventStreamWritable:
		return "stream_writable"
	case EventNewStream:
		return "new_stream"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is one state change an application-facing API call can block on.
type Event struct {
	Type     EventType
	StreamID uint64
	Error    *quicError
}
