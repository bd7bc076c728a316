package transport

import "time"

// framesAllowedInSpace enforces the epoch restrictions noted in §4.6:
// STREAM/flow-control/CID/path frames are only valid in the Application
// space; CRYPTO/ACK/PADDING/PING/CONNECTION_CLOSE are valid everywhere.
func framesAllowedInSpace(typ uint64, space packetSpace) bool {
	if space == packetSpaceApplication {
		return true
	}
	switch typ {
	case frameTypePadding, frameTypePing, frameTypeAck, frameTypeAckECN,
		frameTypeCrypto, frameTypeConnectionClose:
		return true
	case frameTypeNewToken:
		return false
	}
	return false
}

// recvFrames decodes and dispatches every frame in plain, returning
// whether the packet was ack-eliciting (any frame besides PADDING/ACK/
// CONNECTION_CLOSE, per isFrameAckEliciting).
func (c *Conn) recvFrames(space packetSpace, plain []byte, now time.Time) (bool, error) {
	ackEliciting := false
	pns := c.spaces[space]
	b := plain
	for len(b) > 0 {
		if b[0] == frameTypePadding {
			n := 0
			for n < len(b) && b[n] == frameTypePadding {
				n++
			}
			b = b[n:]
			continue
		}
		var typ uint64
		tn := getVarint(b, &typ)
		if tn == 0 {
			return false, newError(FrameEncodingError, "frame type")
		}
		if !framesAllowedInSpace(typ, space) {
			return false, newErrorf(ProtocolViolation, "frame type 0x%x not allowed in %s", typ, space)
		}
		if isFrameAckEliciting(typ) {
			ackEliciting = true
		}

		n, err := c.dispatchFrame(space, pns, typ, b, now)
		if err != nil {
			return false, err
		}
		if n <= 0 {
			return false, newErrorf(FrameEncodingError, "frame 0x%x", typ)
		}
		b = b[n:]
	}
	return ackEliciting, nil
}

func (c *Conn) dispatchFrame(space packetSpace, pns *packetNumberSpace, typ uint64, b []byte, now time.Time) (int, error) {
	switch {
	case typ == frameTypePing:
		var f pingFrame
		return f.encodedLen(), nil

	case typ == frameTypeAck || typ == frameTypeAckECN:
		f := &ackFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if err := c.recvAck(space, pns, f, now); err != nil {
			return 0, err
		}
		return n, nil

	case typ == frameTypeCrypto:
		f := &cryptoFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if err := c.recvCrypto(space, f); err != nil {
			return 0, err
		}
		return n, nil

	case typ == frameTypeNewToken:
		f := &newTokenFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if c.isClient {
			c.token = f.token
		}
		return n, nil

	case typ >= frameTypeStream && typ <= frameTypeStreamEnd:
		f := &streamFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if err := c.recvStream(f); err != nil {
			return 0, err
		}
		return n, nil

	case typ == frameTypeResetStream:
		f := &resetStreamFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		c.recvResetStream(f)
		return n, nil

	case typ == frameTypeStopSending:
		f := &stopSendingFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if s, ok := c.streams.get(f.streamID); ok {
			s.stopRequested = true
		}
		return n, nil

	case typ == frameTypeMaxData:
		f := &maxDataFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		c.connFlowSend.onMaxDataReceived(f.maximumData)
		return n, nil

	case typ == frameTypeMaxStreamData:
		f := &maxStreamDataFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if s, ok := c.streams.get(f.streamID); ok {
			s.onMaxStreamData(f.maximumData)
		}
		return n, nil

	case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
		f := &maxStreamsFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if f.bidi {
			if f.maximumStreams > c.peerMaxStreamsBidi {
				c.peerMaxStreamsBidi = f.maximumStreams
			}
			if c.streamsBlockedBidi && c.peerMaxStreamsBidi > c.streamsBlockedAtBidi {
				c.streamsBlockedBidi = false
			}
		} else {
			if f.maximumStreams > c.peerMaxStreamsUni {
				c.peerMaxStreamsUni = f.maximumStreams
			}
			if c.streamsBlockedUni && c.peerMaxStreamsUni > c.streamsBlockedAtUni {
				c.streamsBlockedUni = false
			}
		}
		return n, nil

	case typ == frameTypeDataBlocked:
		f := &dataBlockedFrame{}
		return f.decode(b)

	case typ == frameTypeStreamDataBlocked:
		f := &streamDataBlockedFrame{}
		return f.decode(b)

	case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
		f := &streamsBlockedFrame{}
		return f.decode(b)

	case typ == frameTypeNewConnectionID:
		f := &newConnectionIDFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		c.recvNewConnectionID(f)
		return n, nil

	case typ == frameTypeRetireConnectionID:
		f := &retireConnectionIDFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		c.recvRetireConnectionID(f)
		return n, nil

	case typ == frameTypePathChallenge:
		f := &pathChallengeFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		c.pathResponsePending = &f.data
		return n, nil

	case typ == frameTypePathResponse:
		f := &pathResponseFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if c.hasPathChallengeSent && f.data == c.pathChallengeSent {
			c.pathValidated = true
			if c.migrationCandidate != nil {
				c.peerAddr = c.migrationCandidate
				c.migrationCandidate = nil
				c.spin = false
			}
		}
		return n, nil

	case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
		f := &connectionCloseFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		c.recvConnectionClose(f, now)
		return n, nil
	}
	return 0, newErrorf(FrameEncodingError, "unknown frame type 0x%x", typ)
}

// recvAck implements the ACK-handling algorithm in §4.6: iterate ranges
// newest-first, mark sent packets acked, update RTT from the largest
// newly-acked packet, run loss detection, and reset PTO counters.
func (c *Conn) recvAck(space packetSpace, pns *packetNumberSpace, f *ackFrame, now time.Time) error {
	if f.toRangeSet() == nil {
		return newError(ProtocolViolation, "ack range underflow")
	}
	if f.largestAck > pns.nextPacketNumber {
		return newError(ProtocolViolation, "ack for unsent packet")
	}
	acked := pns.drainAcked(f)
	if len(acked) == 0 {
		return nil
	}
	var largest *sentPacket
	for _, sp := range acked {
		if largest == nil || sp.packetNumber > largest.packetNumber {
			largest = sp
		}
		c.recovery.onPacketAcked(sp)
	}
	if largest.packetNumber == f.largestAck {
		ackDelayMicros := f.ackDelay << c.effectiveAckDelayExponent()
		ackDelay := time.Duration(ackDelayMicros) * time.Microsecond
		c.recovery.onAckReceived(space, largest.timeSent, now, ackDelay)
	}
	lost := c.recovery.detectLost(space, pns, now)
	if len(lost) > 0 {
		c.recovery.onPacketsLost(pns, lost, now)
		c.requeueLost(space, lost)
	}
	c.recovery.resetPTOCount()

	if f.hasECN && f.ce > c.peerReportedCE[space] {
		c.peerReportedCE[space] = f.ce
		c.recovery.congestionEvent(largest.timeSent)
	}
	return nil
}

func (c *Conn) effectiveAckDelayExponent() uint {
	if c.peerParamsSet {
		return uint(c.peerParams.AckDelayExponent)
	}
	return defaultAckDelayExponent
}

// recvCrypto reassembles CRYPTO data through the space's pseudo-stream and
// feeds any newly-contiguous bytes to the TLS handshake driver, per the
// "drive the TLS state machine" instruction in §4.6.
func (c *Conn) recvCrypto(space packetSpace, f *cryptoFrame) error {
	s := c.cryptoStreamFor(space)
	if err := s.onStreamFrame(f.offset, f.data, false); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		n, _ := s.Read(buf)
		if n == 0 {
			break
		}
		if err := c.handshake.provideData(quicEncryptionLevel(space), buf[:n]); err != nil {
			return newError(tlsAlertError(0), err.Error())
		}
	}
	return c.handshake.advance()
}

// recvStream implements the STREAM-frame receive algorithm in §4.6.
func (c *Conn) recvStream(f *streamFrame) error {
	localMax := c.localParams.InitialMaxStreamDataBidiRemote
	remoteMax := c.peerParams.InitialMaxStreamDataBidiLocal
	if !streamIsBidi(f.streamID) {
		localMax = c.localParams.InitialMaxStreamDataUni
		remoteMax = 0
	}
	s, err := c.streams.getOrCreatePeerInitiated(f.streamID, localMax, remoteMax)
	if err != nil {
		return err
	}
	if s == nil {
		return nil // closed-set id, silently ignored
	}
	before := s.recv.usedRecvData
	if err := s.onStreamFrame(f.offset, f.data, f.fin); err != nil {
		return err
	}
	added := s.recv.usedRecvData - before
	c.connFlowRecv.usedRecvData += added
	if c.connFlowRecv.usedRecvData > c.connFlowRecv.maxRecvData {
		return newError(FlowControlError, "connection flow control exceeded")
	}
	if len(f.data) > 0 || f.fin {
		c.addEvent(Event{Type: EventStreamReadable, StreamID: f.streamID})
	}
	return nil
}

func (c *Conn) recvResetStream(f *resetStreamFrame) {
	if s, ok := c.streams.get(f.streamID); ok {
		s.resetByPeer = true
		s.resetErrorCode = f.errorCode
		s.inClosed = true
		s.recvState = streamStateHalfClosedRemote
		c.addEvent(Event{Type: EventStreamReadable, StreamID: f.streamID})
	}
}

// recvNewConnectionID validates and installs a peer-advertised destination
// CID, per §4.11's lifecycle rules and the boundary behavior in §8:
// retire_prior_to > sequence is PROTOCOL_VIOLATION and an out-of-range
// length is FRAME_ENCODING_ERROR; a duplicate sequence is silently ignored (cidSet
// already treats re-insertion of a known sequence as a no-op).
func (c *Conn) recvNewConnectionID(f *newConnectionIDFrame) {
	if f.retirePriorTo > f.sequence {
		c.closeWithError(&quicError{code: ProtocolViolation, frameType: frameTypeNewConnectionID, reason: "retire_prior_to exceeds sequence"})
		return
	}
	if len(f.connID) < MinCIDLength || len(f.connID) > MaxCIDLength {
		c.closeWithError(&quicError{code: FrameEncodingError, frameType: frameTypeNewConnectionID, reason: "connection id length"})
		return
	}
	if uint64(c.dcid.len()) >= c.localParams.ActiveConnectionIDLimit {
		c.closeWithError(&quicError{code: ConnectionIDLimitError, reason: "too many connection ids"})
		return
	}
	cid := ConnectionID{Sequence: f.sequence, RetirePriorTo: f.retirePriorTo, ID: f.connID, ResetToken: f.resetToken, HasResetToken: true}
	c.dcid.insert(cid)
	if f.retirePriorTo > 0 {
		for _, r := range c.dcid.removeBelow(f.retirePriorTo) {
			c.retiredDCIDs = append(c.retiredDCIDs, r.Sequence)
		}
	}
}

func (c *Conn) recvRetireConnectionID(f *retireConnectionIDFrame) {
	c.scid.remove(f.sequence)
}

// recvConnectionClose implements the propagation rule in §4.6: both roles
// enter draining; a client's drain timer fires immediately, a server's
// after 3*PTO.
func (c *Conn) recvConnectionClose(f *connectionCloseFrame, now time.Time) {
	c.closeFrame = f
	c.addEvent(Event{Type: EventError, Error: &quicError{code: ErrorCode(f.errorCode), app: f.application, reason: string(f.reasonPhrase)}})
	c.setDraining(now, c.isClient)
}
