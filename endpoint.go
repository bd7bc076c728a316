package quic

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/quince-io/quince/transport"
)

// Endpoint is the single-threaded cooperative event loop described in §2's
// "Event Loop" component and §5's concurrency model: one goroutine owns a
// UDP socket, a set of connections indexed by connection ID, and a timer
// wheel, and drives Recv/Send/CheckTimeout against a single "now" snapshot
// per iteration. Client and Server are thin role-specific wrappers around
// it, following the teacher CLI's quic.NewClient/quic.NewServer split.
type Endpoint struct {
	cfg    *Config
	socket Socket
	log    logger

	handler Handler

	mu         sync.Mutex
	byDCID     map[string]*Conn // keyed by our own source CID bytes
	// byResetTok is keyed by stateless reset tokens the PEER advertised for
	// our destination CIDs (not tokens we issued for our own source CIDs):
	// a stateless reset is produced by the peer, so recognizing one means
	// matching against tokens the peer gave us, per §4.5 step 4.
	byResetTok map[[16]byte]*Conn
	acceptCh   chan *Conn
	tickets    *ticketStore
	metrics    Metrics

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// Metrics receives per-connection counters as the event loop observes
// them; internal/metrics.Collector implements this against
// prometheus.Collector (§11's domain-stack wiring).
type Metrics interface {
	ObserveStats(scid []byte, stats transport.Stats)
	ObserveClosed(scid []byte)
}

func newEndpoint(cfg *Config, handler Handler) *Endpoint {
	if cfg == nil {
		cfg = newConfig()
	}
	ep := &Endpoint{
		cfg:        cfg,
		handler:    handler,
		byDCID:     make(map[string]*Conn),
		byResetTok: make(map[[16]byte]*Conn),
		acceptCh:   make(chan *Conn, 16),
		closeCh:    make(chan struct{}),
	}
	ep.log.level = levelOff
	if cfg.TicketStorePath != "" {
		if ts, err := openTicketStore(cfg.TicketStorePath); err == nil {
			ep.tickets = ts
		}
	}
	return ep
}

// SetLogger installs the transaction logger at the given verbosity,
// mirroring the teacher CLI's client.SetLogger(level, writer).
func (ep *Endpoint) SetLogger(level int, w io.Writer) {
	ep.log.setLevel(logLevel(level))
	if w != nil {
		ep.log.setWriter(w)
	}
}

// SetHandler installs the application callback invoked with each
// connection's drained events.
func (ep *Endpoint) SetHandler(h Handler) { ep.handler = h }

// SetMetrics installs a Metrics sink fed from the event loop.
func (ep *Endpoint) SetMetrics(m Metrics) { ep.metrics = m }

// ListenAndServe binds addr and runs the event loop until Close, per
// bind(interface_name)+accept(interface_name) from §6.1.
func (ep *Endpoint) ListenAndServe(addr string) error {
	sock, err := listenUDP(addr, ep.cfg.EnableUDPZeroChecksums)
	if err != nil {
		return err
	}
	ep.socket = sock
	ep.wg.Add(1)
	go ep.loop()
	return nil
}

// Connect dials addr as a client connection, i.e. connect(interface_name,
// server_addr) from §6.1.
func (ep *Endpoint) Connect(serverName, addr string) (*Conn, error) {
	if ep.socket == nil {
		sock, err := listenUDP(":0", ep.cfg.EnableUDPZeroChecksums)
		if err != nil {
			return nil, err
		}
		ep.socket = sock
		ep.wg.Add(1)
		go ep.loop()
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	tcfg := ep.cfg.toTransportConfig()
	if ep.tickets != nil {
		tcfg.TLSConfig = tcfg.TLSConfig.Clone()
		tcfg.TLSConfig.ClientSessionCache = ep.tickets
	}
	tc, err := transport.Connect(serverName, raddr, tcfg)
	if err != nil {
		return nil, err
	}
	c := newConn(tc, raddr, ep)
	ep.log.attachLogger(c)
	ep.mu.Lock()
	ep.indexConnLocked(c)
	ep.mu.Unlock()
	ep.kick()
	return c, nil
}

// Accept blocks until an inbound connection has completed its handshake
// enough to hand to the application, or the endpoint is closed.
func (ep *Endpoint) Accept() (*Conn, error) {
	c, ok := <-ep.acceptCh
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}

// Close stops the event loop and closes the socket and the ticket store.
// Tracked connections are not sent a CONNECTION_CLOSE.
func (ep *Endpoint) Close() error {
	var err error
	ep.closeOnce.Do(func() {
		close(ep.closeCh)
		if ep.socket != nil {
			err = ep.socket.Close()
		}
		if ep.tickets != nil {
			ep.tickets.close()
		}
	})
	ep.wg.Wait()
	return nil
}

func (ep *Endpoint) kick() {
	if ep.socket != nil {
		ep.socket.WakeUp()
	}
}

// loop is the cooperative event loop body: receive a batch, dispatch by
// CID, drive timers on a single "now" snapshot, flush sends, deliver
// drained events to the handler, per §2 and §5.
func (ep *Endpoint) loop() {
	defer ep.wg.Done()
	buf := make([]byte, transport.MaxDatagramSize)
	for {
		select {
		case <-ep.closeCh:
			return
		default:
		}
		timeout := ep.nextWake()
		n, addr, ecn, err := ep.socket.ReadFromWithTimeout(buf, timeout)
		now := time.Now()
		if err == nil && n > 0 {
			ep.dispatch(buf[:n], addr, now)
			_ = ecn // observed but not yet fed into ACK-ECN accounting; see DESIGN.md
		}
		ep.tick(now)
	}
}

func (ep *Endpoint) nextWake() time.Duration {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	var earliest time.Time
	for _, c := range ep.byDCID {
		t := c.nextTimeout()
		if t.IsZero() {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.IsZero() {
		return 200 * time.Millisecond
	}
	d := time.Until(earliest)
	if d < 0 {
		d = 0
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (ep *Endpoint) dispatch(b []byte, addr net.Addr, now time.Time) {
	dcid, isLong, ok := transport.PeekConnectionID(b, ep.cfg.ServerSCIDLength)
	if !ok {
		return
	}
	ep.mu.Lock()
	c, found := ep.byDCID[string(dcid)]
	ep.mu.Unlock()
	if found {
		c.recv(b, addr, now)
		ep.syncResetTokens(c)
		ep.drainEvents(c)
		ep.flush(c, now)
		return
	}
	if !isLong {
		// No connection matches this destination CID at all. Per §4.5 step
		// 4, a short-header-shaped datagram of at least minimum length
		// whose last 16 bytes match a token we hold for one of our
		// connections' destination CIDs is a peer-issued stateless reset:
		// the sending peer lost its own state and is using a token it
		// derived when it handed us that CID.
		if rc, ok := ep.matchResetToken(b); ok {
			rc.conn.EnterStatelessReset(now)
			ep.drainEvents(rc)
			ep.flush(rc, now)
		}
		return
	}
	ep.maybeAccept(b, dcid, addr, now)
}

// matchResetToken reports whether b's trailing bytes equal a stateless
// reset token advertised to us by the peer of some tracked connection.
func (ep *Endpoint) matchResetToken(b []byte) (*Conn, bool) {
	if len(b) < transport.StatelessResetTokenLength+5 {
		return nil, false
	}
	var tail [transport.StatelessResetTokenLength]byte
	copy(tail[:], b[len(b)-transport.StatelessResetTokenLength:])
	ep.mu.Lock()
	c, ok := ep.byResetTok[tail]
	ep.mu.Unlock()
	return c, ok
}

// syncResetTokens keeps byResetTok current as a connection learns new
// peer-advertised destination CIDs (NEW_CONNECTION_ID RX, or the
// stateless_reset_token transport parameter on handshake completion);
// re-adding an already-indexed token is a harmless no-op.
func (ep *Endpoint) syncResetTokens(c *Conn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, cid := range c.conn.DestinationIDs() {
		if cid.HasResetToken {
			ep.byResetTok[cid.ResetToken] = c
		}
	}
}

// maybeAccept implements the server side of §4.5 step 3-9: an unrecognized
// long-header Initial of the supported version creates a new connection.
// Datagrams of other versions are dropped without a Version Negotiation
// reply, and no Retry is sent (Config.RequireRetry is not consulted).
func (ep *Endpoint) maybeAccept(b []byte, dcid []byte, addr net.Addr, now time.Time) {
	v, ok := transport.PeekVersion(b)
	if !ok {
		return
	}
	if transport.IsVersionReserved(v) || v != transport.Version {
		return
	}
	if !transport.IsLongHeaderInitial(b, transport.Version) {
		return
	}
	tcfg := ep.cfg.toTransportConfig()
	tc, err := transport.Accept(dcid, dcid, addr, tcfg)
	if err != nil {
		return
	}
	c := newConn(tc, addr, ep)
	ep.log.attachLogger(c)
	ep.mu.Lock()
	ep.indexConnLocked(c)
	ep.mu.Unlock()
	c.recv(b, addr, now)
	ep.syncResetTokens(c)
	ep.drainEvents(c)
	ep.flush(c, now)
}

func (ep *Endpoint) indexConnLocked(c *Conn) {
	for _, cid := range c.conn.SourceIDs() {
		ep.byDCID[string(cid.ID)] = c
	}
	for _, cid := range c.conn.DestinationIDs() {
		if cid.HasResetToken {
			ep.byResetTok[cid.ResetToken] = c
		}
	}
}

func (ep *Endpoint) drainEvents(c *Conn) {
	evs := c.events()
	for _, e := range evs {
		switch e.Type {
		case transport.EventAccept:
			select {
			case ep.acceptCh <- c:
			default:
			}
		case transport.EventClosed:
			if ep.metrics != nil {
				ep.metrics.ObserveClosed(c.SCID())
			}
			ep.forget(c)
		}
	}
	if ep.metrics != nil {
		ep.metrics.ObserveStats(c.SCID(), c.Info())
	}
	if ep.handler != nil && len(evs) > 0 {
		ep.handler.Serve(c, evs)
	}
}

func (ep *Endpoint) forget(c *Conn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, cid := range c.conn.SourceIDs() {
		delete(ep.byDCID, string(cid.ID))
	}
	for _, cid := range c.conn.DestinationIDs() {
		if cid.HasResetToken {
			delete(ep.byResetTok, cid.ResetToken)
		}
	}
}

func (ep *Endpoint) flush(c *Conn, now time.Time) {
	for _, dgram := range c.send(now) {
		ep.socket.WriteTo(dgram, c.RemoteAddr())
	}
}

// tick drives every tracked connection's timer at a single "now" snapshot,
// per §5's "per-iteration snapshot" rule, then flushes any resulting sends
// and reaps fully-closed connections.
func (ep *Endpoint) tick(now time.Time) {
	ep.mu.Lock()
	conns := make([]*Conn, 0, len(ep.byDCID))
	seen := make(map[*Conn]bool)
	for _, c := range ep.byDCID {
		if !seen[c] {
			seen[c] = true
			conns = append(conns, c)
		}
	}
	ep.mu.Unlock()

	for _, c := range conns {
		c.checkTimeout(now)
		ep.syncResetTokens(c)
		ep.drainEvents(c)
		ep.flush(c, now)
		if c.IsClosed() {
			ep.forget(c)
		}
	}
}
