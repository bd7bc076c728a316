package quic

import "github.com/quince-io/quince/transport"

// Handler reacts to connection-lifecycle and stream events delivered by the
// event loop, mirroring the teacher CLI's Serve(conn, events) callback
// shape (cmd/quince/client.go's handler.Serve).
type Handler interface {
	Serve(c *Conn, events []transport.Event)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(c *Conn, events []transport.Event)

func (f HandlerFunc) Serve(c *Conn, events []transport.Event) { f(c, events) }
