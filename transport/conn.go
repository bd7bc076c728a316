package transport

import (
	"crypto/rand"
	"crypto/tls"
	"net"
	"time"
)

// connectionState is the top-level state machine described in §4.7:
// closed -> idle -> opening -> established -> queued-close -> closing ->
// draining -> closed. idle/opening are collapsed into a single
// "stateHandshake" here since this implementation creates the Conn only
// once a handshake attempt is already underway (on Connect, or on receipt
// of a valid server-side Initial).
type connectionState int

const (
	stateHandshake connectionState = iota
	stateActive
	stateQueuedClose
	stateClosing
	stateDraining
	stateClosed
)

// Config carries the engine-wide and per-connection settings enumerated in
// §6.5's defaults table.
type Config struct {
	TLSConfig *tls.Config

	Params Parameters

	NumBuffers int

	ClientSCIDLength int
	ServerSCIDLength int

	KeyUpdateInterval time.Duration

	EnableSpinBit          bool
	EnableUDPZeroChecksums bool
	RequireRetry           bool
	DisableMigration       bool

	// EnableTrace is carried in the configuration but is not read by this
	// package; trace logging is toggled with SetDebug.
	EnableTrace bool
}

// DefaultConfig returns the defaults from §6.5.
func DefaultConfig() *Config {
	return &Config{
		Params:                 DefaultParameters(),
		NumBuffers:             DefaultNumBuffers,
		ClientSCIDLength:       4,
		ServerSCIDLength:       8,
		KeyUpdateInterval:      3 * time.Second,
		EnableSpinBit:          true,
		EnableUDPZeroChecksums: true,
	}
}

// Conn is one QUIC connection: the packet-number spaces, stream map, flow
// control, recovery state, handshake driver and timers described in §4's
// Connection data model.
type Conn struct {
	isClient bool
	version  uint32

	scid cidSet
	dcid cidSet

	odcid []byte // original destination CID (client-chosen), for Retry/validation
	rscid []byte // retry source CID, if a Retry was processed

	token []byte // address-validation token, client-held

	resetSecret statelessResetSecret

	peerAddr net.Addr
	peerName string

	spaces [packetSpaceCount]*packetNumberSpace

	streams           *streamMap
	cryptoStreamsMap  map[uint64]*Stream

	localParams   Parameters
	peerParams    Parameters
	peerParamsSet bool

	connFlowRecv flowControl
	connFlowSend flowControl

	handshake     *tlsHandshake
	handshakeDone bool
	did0RTT       bool

	recovery *lossRecovery

	state connectionState

	closeFrame *connectionCloseFrame
	closeLocal bool
	errorSent  bool

	idleTimeout      time.Duration
	idleDeadline     time.Time
	drainDeadline    time.Time
	keyUpdateAt      time.Time

	outKeyPhase      bool
	inKeyPhase       bool
	keyUpdatePending bool
	prevAppKeys      *epochKeys

	probePending bool

	spin bool

	pathChallengeSent    [pathDataLength]byte
	hasPathChallengeSent bool
	pathValidated        bool
	pathResponsePending  *[pathDataLength]byte

	// migrationCandidate is the peer address a PATH_CHALLENGE is
	// currently outstanding for (§4.5 step 8); promoted to peerAddr once
	// the matching PATH_RESPONSE confirms it.
	migrationCandidate net.Addr

	peerMaxStreamsBidi uint64
	peerMaxStreamsUni  uint64

	// streamsBlockedBidi/Uni record that a local OpenStream call was
	// refused by peerMaxStreams*, per §4.8 ("blocks if at peer's
	// MAX_STREAMS limit, and signals STREAMS_BLOCKED"); cleared once the
	// peer raises its advertised limit past the id we were blocked on.
	streamsBlockedBidi    bool
	streamsBlockedUni     bool
	streamsBlockedAtBidi  uint64
	streamsBlockedAtUni   uint64

	// localMaxStreamsBidi/Uni is the limit we currently advertise to the
	// peer for peer-initiated streams, doubled once half-consumed using
	// the same rule as stream/connection flow control (§4.8).
	localMaxStreamsBidi  uint64
	localMaxStreamsUni   uint64
	peerStreamsBidiCount uint64
	peerStreamsUniCount  uint64
	needMaxStreamsBidi   bool
	needMaxStreamsUni    bool

	peerReportedCE [packetSpaceCount]uint64

	newTokenSent bool

	// retiredDCIDs holds sequence numbers of peer CIDs we have scheduled a
	// RETIRE_CONNECTION_ID for but not yet sent one for.
	retiredDCIDs []uint64
	nextCIDSeq   uint64

	wantsPathChallenge bool

	events []Event

	logEventFn func(LogEvent)

	pool *bufPool

	cfg *Config

	txQueue [][]byte // encoded, ready-to-send datagrams awaiting UDP write

	// Counters feeding Stats()/info(conn) (§6.1).
	packetsInValid   uint64
	packetsInInvalid uint64
	packetsOut       uint64
}

// Connect creates a client-role connection attempting to reach serverName,
// per §4's client-initiated lifecycle.
func Connect(serverName string, addr net.Addr, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := newConn(true, cfg)
	c.peerAddr = addr
	c.peerName = serverName

	scid, err := randomConnectionID(cfg.ClientSCIDLength)
	if err != nil {
		return nil, err
	}
	dcid, err := randomConnectionID(8)
	if err != nil {
		return nil, err
	}
	c.odcid = dcid
	c.scid.insert(ConnectionID{Sequence: 0, ID: scid})
	c.scid.active = 0
	c.dcid.insert(ConnectionID{Sequence: 0, ID: dcid})
	c.dcid.active = 0

	c.localParams.InitialSourceCID = scid
	if err := c.deriveInitialKeyMaterial(dcid); err != nil {
		return nil, err
	}

	quicCfg := &tls.QUICConfig{TLSConfig: cloneTLSConfigForClient(cfg.TLSConfig, serverName)}
	c.handshake = newClientHandshake(quicCfg)
	c.wireHandshakeCallbacks()
	c.handshake.setTransportParameters(c.localParams.marshal())
	if err := c.handshake.start(); err != nil {
		return nil, err
	}
	if err := c.handshake.advance(); err != nil {
		return nil, err
	}
	c.addEvent(Event{Type: EventConnect})
	return c, nil
}

func cloneTLSConfigForClient(cfg *tls.Config, serverName string) *tls.Config {
	var out *tls.Config
	if cfg != nil {
		out = cfg.Clone()
	} else {
		out = &tls.Config{}
	}
	if out.ServerName == "" {
		out.ServerName = serverName
	}
	out.MinVersion = tls.VersionTLS13
	return out
}

// Accept creates a server-role connection from the client's first Initial
// packet, per §4.5's receive path ("If none and this is a server-side
// Initial with acceptable length and supported version, create a new
// connection").
func Accept(dcid, odcid []byte, peerAddr net.Addr, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := newConn(false, cfg)
	c.peerAddr = peerAddr

	scid, err := randomConnectionID(cfg.ServerSCIDLength)
	if err != nil {
		return nil, err
	}
	c.scid.insert(ConnectionID{Sequence: 0, ID: scid})
	c.scid.active = 0
	c.dcid.insert(ConnectionID{Sequence: 0, ID: dcid})
	c.dcid.active = 0
	c.odcid = odcid

	c.localParams.InitialSourceCID = scid
	c.localParams.OriginalDestinationCID = odcid
	if err := c.deriveInitialKeyMaterial(odcid); err != nil {
		return nil, err
	}

	quicCfg := &tls.QUICConfig{TLSConfig: cfg.TLSConfig}
	c.handshake = newServerHandshake(quicCfg)
	c.wireHandshakeCallbacks()
	c.handshake.setTransportParameters(c.localParams.marshal())
	if err := c.handshake.start(); err != nil {
		return nil, err
	}
	c.addEvent(Event{Type: EventAccept})
	return c, nil
}

func newConn(isClient bool, cfg *Config) *Conn {
	c := &Conn{
		isClient:    isClient,
		version:     Version,
		scid:        newCIDSet(),
		dcid:        newCIDSet(),
		localParams: cfg.Params,
		state:       stateHandshake,
		recovery:    newLossRecovery(),
		pool:        newBufPool(cfg.NumBuffers),
		cfg:         cfg,
		idleTimeout: cfg.Params.MaxIdleTimeout,
		spin:        cfg.EnableSpinBit,
		nextCIDSeq:  1,
	}
	for i := range c.spaces {
		c.spaces[i] = newPacketNumberSpace(packetSpace(i))
	}
	c.streams = newStreamMap(isClient)
	c.connFlowRecv = newFlowControl(cfg.Params.InitialMaxData)
	c.connFlowSend = flowControl{}
	c.localMaxStreamsBidi = cfg.Params.InitialMaxStreamsBidi
	c.localMaxStreamsUni = cfg.Params.InitialMaxStreamsUni
	c.recovery.maxAckDelay = cfg.Params.MaxAckDelay
	c.idleDeadline = time.Now().Add(c.idleTimeout)
	rand.Read(c.resetSecret[:])
	return c
}

// deriveInitialKeyMaterial installs the Initial-epoch keys derived from
// dcid, per §4.3's "Initial keys" rule.
func (c *Conn) deriveInitialKeyMaterial(dcid []byte) error {
	clientSecret, serverSecret := deriveInitialSecrets(dcid)
	space := c.spaces[packetSpaceInitial]
	if c.isClient {
		if err := space.keys.installWrite(clientSecret); err != nil {
			return err
		}
		if err := space.keys.installRead(serverSecret); err != nil {
			return err
		}
	} else {
		if err := space.keys.installWrite(serverSecret); err != nil {
			return err
		}
		if err := space.keys.installRead(clientSecret); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) wireHandshakeCallbacks() {
	h := c.handshake
	h.onWriteData = func(level tls.QUICEncryptionLevel, data []byte) {
		c.queueCrypto(levelToSpace(level), data)
	}
	h.onSetReadSecret = func(level tls.QUICEncryptionLevel, suite uint16, secret []byte) {
		sp := c.spaces[levelToSpace(level)]
		sp.keys.installRead(secret)
		c.logKeyUpdate(levelToSpace(level), "read")
	}
	h.onSetWriteSecret = func(level tls.QUICEncryptionLevel, suite uint16, secret []byte) {
		sp := c.spaces[levelToSpace(level)]
		sp.keys.installWrite(secret)
		c.logKeyUpdate(levelToSpace(level), "write")
	}
	h.onTransportParameters = func(data []byte) {
		p, err := unmarshalParameters(data)
		if err != nil {
			c.closeWithError(asQUICError(err))
			return
		}
		if err := c.validatePeerTransportParams(p); err != nil {
			c.closeWithError(asQUICError(err))
			return
		}
		c.peerParams = *p
		c.peerParamsSet = true
		c.connFlowSend.onMaxDataReceived(p.InitialMaxData)
		c.peerMaxStreamsBidi = p.InitialMaxStreamsBidi
		c.peerMaxStreamsUni = p.InitialMaxStreamsUni
		if len(p.StatelessResetToken) == StatelessResetTokenLength {
			if cid := c.dcid.bySequence(0); cid != nil {
				copy(cid.ResetToken[:], p.StatelessResetToken)
				cid.HasResetToken = true
			}
		}
	}
	h.onHandshakeDone = func() {
		c.handshakeDone = true
		if c.state == stateHandshake {
			c.state = stateActive
		}
		if c.cfg.KeyUpdateInterval > 0 {
			c.keyUpdateAt = time.Now().Add(c.cfg.KeyUpdateInterval)
		}
		c.addEvent(Event{Type: EventEstablished})
	}
	h.onRejectedEarlyData = func() {
		c.did0RTT = false
	}
}

func levelToSpace(level tls.QUICEncryptionLevel) packetSpace {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return packetSpaceInitial
	case tls.QUICEncryptionLevelHandshake:
		return packetSpaceHandshake
	default:
		return packetSpaceApplication
	}
}

// validatePeerTransportParams enforces the CID-consistency checks
// described in §6.3: the peer's original_destination_connection_id and
// initial_source_connection_id must match what we observed on the wire.
func (c *Conn) validatePeerTransportParams(p *Parameters) error {
	if c.isClient {
		if !bytesEqual(p.OriginalDestinationCID, c.odcid) {
			return newError(TransportParameterError, "original_destination_connection_id mismatch")
		}
		if len(c.rscid) > 0 && !bytesEqual(p.RetrySourceCID, c.rscid) {
			return newError(TransportParameterError, "retry_source_connection_id mismatch")
		}
	}
	if active, ok := c.dcid.lowestSequence(); ok {
		if !bytesEqual(p.InitialSourceCID, active.ID) {
			return newError(TransportParameterError, "initial_source_connection_id mismatch")
		}
	}
	return nil
}

func (c *Conn) queueCrypto(space packetSpace, data []byte) {
	s := c.cryptoStreamFor(space)
	s.Write(data, false)
}

// cryptoStreamFor lazily creates the per-epoch pseudo-stream CRYPTO data is
// modeled as flowing through, per the Connection data model's "four crypto
// streams (one per epoch)". Keyed by packetSpace, never by a real stream
// id, so there is no risk of collision with streamMap's ids.
func (c *Conn) cryptoStreamFor(space packetSpace) *Stream {
	if c.cryptoStreamsMap == nil {
		c.cryptoStreamsMap = make(map[uint64]*Stream)
	}
	id := uint64(space)
	if s, ok := c.cryptoStreamsMap[id]; ok {
		return s
	}
	s := newStream(id, 1<<62, 1<<62, true)
	c.cryptoStreamsMap[id] = s
	return s
}

// IsEstablished reports whether the handshake has completed.
func (c *Conn) IsEstablished() bool { return c.handshakeDone }

// IsClosed reports whether the connection has fully torn down.
func (c *Conn) IsClosed() bool { return c.state == stateClosed }

// Events drains and returns events recorded since the last call, per the
// API surface's event-polling convention.
func (c *Conn) Events() []Event {
	ev := c.events
	c.events = nil
	return ev
}

func (c *Conn) addEvent(e Event) {
	c.events = append(c.events, e)
}

// Stream returns the stream with the given id, creating it if it is a
// valid peer-initiated reference not yet seen (§4.8's creation policy).
// A freshly created peer-initiated stream counts against the MAX_STREAMS
// limit we advertised, per §4.8's "when half consumed, double it and
// schedule" rule (the same policy flow control uses for MAX_STREAM_DATA).
func (c *Conn) Stream(id uint64) (*Stream, error) {
	localMax := c.localParams.InitialMaxStreamDataBidiRemote
	remoteMax := c.peerParams.InitialMaxStreamDataBidiLocal
	bidi := streamIsBidi(id)
	if !bidi {
		if streamInitiatedByClient(id) == c.isClient {
			remoteMax = 0
			localMax = 0
		} else {
			localMax = c.localParams.InitialMaxStreamDataUni
		}
	}
	_, existed := c.streams.get(id)
	s, err := c.streams.getOrCreatePeerInitiated(id, localMax, remoteMax)
	if err != nil || s == nil || existed {
		return s, err
	}
	peerInitiated := streamInitiatedByClient(id) != c.isClient
	if !peerInitiated {
		return s, nil
	}
	if bidi {
		c.peerStreamsBidiCount++
		if c.peerStreamsBidiCount > c.localMaxStreamsBidi/2 {
			c.localMaxStreamsBidi *= 2
			c.needMaxStreamsBidi = true
		}
	} else {
		c.peerStreamsUniCount++
		if c.peerStreamsUniCount > c.localMaxStreamsUni/2 {
			c.localMaxStreamsUni *= 2
			c.needMaxStreamsUni = true
		}
	}
	return s, nil
}

// OpenStream reserves a new locally-initiated stream, per rsv_stream. If
// the peer's advertised MAX_STREAMS limit blocks the reservation, it
// records the blocked direction and ordinal so buildControlFrames can
// signal STREAMS_BLOCKED, per §4.8.
func (c *Conn) OpenStream(bidi bool) (*Stream, error) {
	var localMax, remoteMax, peerLimit uint64
	if bidi {
		localMax = c.localParams.InitialMaxStreamDataBidiLocal
		remoteMax = c.peerParams.InitialMaxStreamDataBidiRemote
		peerLimit = c.peerMaxStreamsBidi
	} else {
		remoteMax = c.peerParams.InitialMaxStreamDataUni
		peerLimit = c.peerMaxStreamsUni
	}
	s, err := c.streams.reserve(bidi, localMax, remoteMax, peerLimit)
	if err != nil {
		if bidi {
			c.streamsBlockedBidi = true
			c.streamsBlockedAtBidi = peerLimit
		} else {
			c.streamsBlockedUni = true
			c.streamsBlockedAtUni = peerLimit
		}
		return nil, err
	}
	return s, nil
}

// Close begins the local-initiated close sequence (§4.7): queue a
// CONNECTION_CLOSE and enter queued-close. The next Send emits the frame,
// transitions to closing and arms the closing timer at 3*PTO.
func (c *Conn) Close(appErr bool, code uint64, reason string) {
	if c.state == stateQueuedClose || c.state == stateClosing || c.state == stateDraining || c.state == stateClosed {
		return
	}
	c.closeFrame = &connectionCloseFrame{application: appErr, errorCode: code, reasonPhrase: []byte(reason)}
	c.closeLocal = true
	c.state = stateQueuedClose
}

// closeWithError is the propagation policy for an RX-detected protocol
// violation (§7): write the code/frame-type/reason, transition to
// queued-close, and ignore a second violation on an already-erroring
// connection.
func (c *Conn) closeWithError(e *quicError) {
	if c.state == stateQueuedClose || c.state == stateClosing || c.state == stateDraining || c.state == stateClosed {
		return
	}
	c.closeFrame = &connectionCloseFrame{application: e.app, errorCode: uint64(e.code), frameType: e.frameType, reasonPhrase: []byte(e.reason)}
	c.closeLocal = true
	c.state = stateQueuedClose
	c.addEvent(Event{Type: EventError, Error: e})
}

// setDraining transitions into the draining sub-state, arming its timer.
func (c *Conn) setDraining(now time.Time, immediate bool) {
	c.state = stateDraining
	if immediate {
		c.drainDeadline = now
	} else {
		c.drainDeadline = now.Add(3 * c.recovery.ptoPeriod())
	}
	c.addEvent(Event{Type: EventClosed})
}

// checkTimeout advances the connection's timers at time now, returning
// true if any timer-driven action requires a subsequent send pass.
func (c *Conn) checkTimeout(now time.Time) bool {
	if c.state == stateClosing || c.state == stateDraining || c.state == stateClosed {
		if !c.drainDeadline.IsZero() && !now.Before(c.drainDeadline) {
			c.state = stateClosed
		}
		return false
	}
	acted := false
	if !c.idleDeadline.IsZero() && !now.Before(c.idleDeadline) {
		c.closeWithError(&quicError{code: NoError, reason: "idle timeout"})
		return true
	}
	if c.cfg.KeyUpdateInterval > 0 && !c.keyUpdateAt.IsZero() && !now.Before(c.keyUpdateAt) && c.handshakeDone {
		c.keyUpdatePending = true
		c.keyUpdateAt = now.Add(c.cfg.KeyUpdateInterval)
		acted = true
	}
	for space := range c.spaces {
		pns := c.spaces[space]
		if pns.abandoned {
			continue
		}
		lost := c.recovery.detectLost(packetSpace(space), pns, now)
		if len(lost) > 0 {
			pns.lostCount += uint64(len(lost))
			c.recovery.onPacketsLost(pns, lost, now)
			c.requeueLost(packetSpace(space), lost)
			acted = true
		}
	}
	timeout := c.recovery.nextTimeout(c.hasUnackedCrypto(), c.spaces[packetSpaceApplication].keys.writeSet, c.anyAckElicitingInFlight())
	if !timeout.IsZero() && !now.Before(timeout) {
		c.onLossDetectionTimeout()
		acted = true
	}
	return acted
}

func (c *Conn) hasUnackedCrypto() bool {
	for space := packetSpaceInitial; space <= packetSpaceHandshake; space++ {
		for _, sp := range c.spaces[space].sentPackets {
			if sp.includesCrypto {
				return true
			}
		}
	}
	return false
}

func (c *Conn) anyAckElicitingInFlight() bool {
	for _, pns := range c.spaces {
		if pns.ackElicitingInFlightCount > 0 {
			return true
		}
	}
	return false
}

// onLossDetectionTimeout implements the PTO-fired branch of §4.9: it counts
// the PTO (and a crypto PTO while handshake data is unacked), checks for
// persistent congestion after kPersistentCongestionThreshold PTOs, and sets
// probePending. The TX path (conn_send.go) then adds a PING to a packet that
// would otherwise be empty; it does not pad probes or resend data itself.
func (c *Conn) onLossDetectionTimeout() {
	c.recovery.ptoCount++
	if c.hasUnackedCrypto() {
		c.recovery.cryptoCount++
	}
	if c.recovery.ptoCount >= kPersistentCongestionThreshold {
		c.recovery.checkPersistentCongestion()
	}
	c.probePending = true
}

// requeueLost re-enqueues the retransmissible content of lost packets per
// the documented subset policy (§4.9/§8): STREAM and CRYPTO data is
// resent through the normal stream/crypto-stream retransmission path by
// rewinding outUna; idempotent control frames regenerate naturally from
// current state and need no explicit requeue.
func (c *Conn) requeueLost(space packetSpace, lost []*sentPacket) {
	c.spaces[space].rtxCount += uint64(len(lost))
	for _, sp := range lost {
		for _, f := range sp.frames {
			switch fr := f.(type) {
			case *cryptoFrame:
				cs := c.cryptoStreamFor(space)
				if cs.outUna > fr.offset {
					cs.outUna = fr.offset
				}
			case *streamFrame:
				if s, ok := c.streams.get(fr.streamID); ok {
					if s.outUna > fr.offset {
						s.outUna = fr.offset
					}
					s.lostCount++
				}
			}
		}
	}
}

func (c *Conn) logKeyUpdate(space packetSpace, dir string) {
	if c.logEventFn == nil {
		return
	}
	ev := newLogEvent(time.Now(), logEventKeyUpdated)
	ev.addField("key_type", space.String()+"_"+dir)
	c.logEventFn(ev)
}

// OnLogEvent installs a qlog-style sink for structured events, mirroring
// the teacher's log hook (transport/log.go carries the event vocabulary).
func (c *Conn) OnLogEvent(fn func(LogEvent)) {
	c.logEventFn = fn
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
