package quic

import (
	"net"
	"sync"
	"time"

	"github.com/quince-io/quince/transport"
)

// Conn is the engine's handle on one QUIC connection: the transport-level
// state machine (conn) plus the bookkeeping the event loop and endpoint
// indexing maps need (remote address, closed flag). Its exported methods
// are RemoteAddr, Stream, NewStream, Close, IsClosed, Info, SCID, DCID and
// IsServer.
type Conn struct {
	conn *transport.Conn
	addr net.Addr

	endpoint *Endpoint

	mu sync.Mutex

	// scheduled is neither read nor set by the endpoint; nextWake
	// recomputes every connection's deadline on each loop pass.
	scheduled bool

	closed bool
}

// RemoteAddr returns the socket address this connection is currently
// sending to (updated across confirmed migration).
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Stream opens (client) or accepts (server, on first reference) the stream
// identified by id, i.e. rsv_stream/open_stream from §6.1.
func (c *Conn) Stream(id uint64) (*transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Stream(id)
}

// NewStream reserves a fresh locally-initiated stream, bidirectional or
// unidirectional.
func (c *Conn) NewStream(bidi bool) (*transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.OpenStream(bidi)
}

// Close requests an application- or transport-level close, i.e. the
// close(conn) operation from §6.1. The actual CONNECTION_CLOSE frame is
// emitted on the next Send pass driven by the event loop.
func (c *Conn) Close(appErr bool, code uint64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Close(appErr, code, reason)
}

// IsClosed reports whether the connection has finished draining and may be
// freed from the endpoint's indexing maps.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.IsClosed()
}

// Info returns the stats snapshot backing the info(conn) operation (§6.1).
func (c *Conn) Info() transport.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Stats()
}

// SCID and DCID return the lowest-sequence source and destination CIDs
// (the cid(conn) operation).
func (c *Conn) SCID() []byte { return c.conn.SourceID() }
func (c *Conn) DCID() []byte { return c.conn.DestinationID() }

// IsServer reports this connection's role.
func (c *Conn) IsServer() bool { return c.conn.IsServer() }

func newConn(tc *transport.Conn, addr net.Addr, ep *Endpoint) *Conn {
	return &Conn{conn: tc, addr: addr, endpoint: ep}
}

// recv feeds one datagram into the transport connection. The remote
// address is set to the datagram's source and then replaced by the
// transport's peer address when it has one (that address changes only on
// confirmed migration). Sending is left to the caller.
func (c *Conn) recv(b []byte, addr net.Addr, now time.Time) {
	c.mu.Lock()
	c.addr = addr
	err := c.conn.Recv(b, addr, now)
	peer := c.conn.PeerAddr()
	c.mu.Unlock()
	if err != nil {
		return
	}
	if peer != nil {
		c.mu.Lock()
		c.addr = peer
		c.mu.Unlock()
	}
}

func (c *Conn) send(now time.Time) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Send(now)
}

func (c *Conn) checkTimeout(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.CheckTimeout(now)
}

func (c *Conn) nextTimeout() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.NextTimeout()
}

func (c *Conn) events() []transport.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Events()
}
