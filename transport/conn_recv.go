package transport

import (
	"net"
	"time"
)

// Recv processes one UDP datagram received from addr at time now, per the
// RX data flow in §2: header decode & CID demux (handled by the caller,
// which has already matched this Conn), HP removal, AEAD decrypt, frame
// decode, stream/control effects, ACK elicitation bookkeeping.
//
// A datagram may contain multiple coalesced packets (Initial potentially
// followed by 0-RTT/Handshake, or Handshake followed by Short); Recv loops
// until the buffer is exhausted.
func (c *Conn) Recv(b []byte, addr net.Addr, now time.Time) error {
	c.idleDeadline = now.Add(c.idleTimeout)
	for len(b) > 0 {
		n, err := c.recvPacket(b, addr, now)
		if err != nil {
			// Decode/AEAD failures are silently dropped at the packet layer
			// per §7's propagation policy, unless recvPacket itself already
			// escalated (protocol violations do so via closeWithError).
			c.packetsInInvalid++
			return nil
		}
		c.packetsInValid++
		if n <= 0 {
			break
		}
		b = b[n:]
	}
	return nil
}

func (c *Conn) recvPacket(b []byte, addr net.Addr, now time.Time) (int, error) {
	if len(b) == 0 {
		return 0, newError(ProtocolViolation, "empty datagram")
	}
	if b[0]&0x80 != 0 {
		return c.recvLongHeaderPacket(b, addr, now)
	}
	return c.recvShortHeaderPacket(b, addr, now)
}

func (c *Conn) recvLongHeaderPacket(b []byte, addr net.Addr, now time.Time) (int, error) {
	h, hdrLen, err := decodeLongHeader(b)
	if err != nil {
		return 0, err
	}
	if h.typ == packetTypeVersionNegotiation {
		return c.recvVersionNegotiation(b)
	}
	if h.typ == packetTypeRetry {
		return c.recvRetry(b, h, hdrLen)
	}

	space := spaceForType(h.typ)
	pns := c.spaces[space]
	if !pns.keys.readSet {
		return 0, newError(InternalError, "no read keys for space")
	}

	total := hdrLen + int(h.length)
	if total > len(b) {
		return 0, newError(ProtocolViolation, "packet length exceeds datagram")
	}
	packetBytes := b[:total]

	plain, pn, payloadOff, err := c.unprotect(packetBytes, hdrLen, h.packetNumLen, pns, h.typ == packetTypeInitial)
	if err != nil {
		return total, err
	}
	h.packetNum = pn

	ackEliciting, err := c.recvFrames(space, plain, now)
	if err != nil {
		c.closeWithError(asQUICError(err))
		return total, nil
	}
	if !pns.onReceived(pn, now, ackEliciting, 0) {
		return total, nil // duplicate
	}
	c.logPacketReceived(space, pn, len(plain))
	_ = payloadOff
	return total, nil
}

func (c *Conn) recvShortHeaderPacket(b []byte, addr net.Addr, now time.Time) (int, error) {
	active, ok := c.scid.lowestSequence()
	dcidLen := 8
	if ok {
		dcidLen = len(active.ID)
	}
	h, hdrLen, err := decodeShortHeader(b, dcidLen)
	if err != nil {
		return 0, err
	}
	space := packetSpaceApplication
	pns := c.spaces[space]
	if !pns.keys.readSet {
		return len(b), newError(InternalError, "no 1-RTT read keys")
	}

	plain, pn, payloadOff, err := c.unprotect(b, hdrLen, h.packetNumLen, pns, false)
	if err != nil {
		if c.matchesStatelessReset(b) {
			c.setDraining(now, true)
			return len(b), nil
		}
		return len(b), err
	}
	h.packetNum = pn
	c.maybeFlipReadKeyPhase(h.keyPhase, pn)

	ackEliciting, err := c.recvFrames(space, plain, now)
	if err != nil {
		c.closeWithError(asQUICError(err))
		return len(b), nil
	}
	if !pns.onReceived(pn, now, ackEliciting, 0) {
		return len(b), nil
	}
	c.logPacketReceived(space, pn, len(plain))
	if !c.handshakeDone {
		// Receiving a protected 1-RTT packet from the peer is taken as
		// implicit handshake confirmation on our side too (no
		// HANDSHAKE_DONE frame in this draft era).
		c.handshakeDone = true
	}
	c.maybeDetectMigration(addr, pn)
	_ = payloadOff
	return len(b), nil
}

// maybeDetectMigration implements §4.5 step 8: if this packet arrived from
// a new peer address and carries the largest packet number seen so far,
// challenge it before treating it as a migration rather than, e.g., a
// duplicate delivered out of order by the network.
func (c *Conn) maybeDetectMigration(addr net.Addr, pn uint64) {
	if c.cfg.DisableMigration || !c.handshakeDone {
		return
	}
	if addr == nil || c.peerAddr == nil || addr.String() == c.peerAddr.String() {
		return
	}
	pns := c.spaces[packetSpaceApplication]
	if pn != pns.largestRecvPN {
		return // not the newest packet in this space; ignore for migration purposes
	}
	if c.migrationCandidate != nil && c.migrationCandidate.String() == addr.String() {
		return // already challenging this address
	}
	c.migrationCandidate = addr
	c.pathValidated = false
	c.wantsPathChallenge = true
}

// unprotect removes header protection and AEAD-decrypts the packet,
// returning the plaintext payload and the reconstructed packet number.
func (c *Conn) unprotect(b []byte, hdrLen, pnLenGuess int, pns *packetNumberSpace, isInitial bool) ([]byte, uint64, int, error) {
	sampleOff := hdrLen + 4
	if sampleOff+headerProtectionSampleLength > len(b) {
		return nil, 0, 0, newError(ProtocolViolation, "short sample")
	}
	sample := b[sampleOff : sampleOff+headerProtectionSampleLength]
	mask := headerProtectionMask(pns.keys.readHP, sample)
	applyHeaderProtectionMask(b, 0, hdrLen, 4, mask)

	pnLen := int(b[0]&0x3) + 1
	truncated := getUintN(b[hdrLen:hdrLen+pnLen], pnLen)
	largest := pns.largestRecvPN
	if pns.recvPacketNums.empty() {
		largest = ^uint64(0)
	}
	pn := decodePacketNumber(truncated, pnLen, largest)

	header := append([]byte(nil), b[:hdrLen+pnLen]...)
	ciphertext := b[hdrLen+pnLen:]
	plain, err := aeadOpen(pns.keys.readAEAD, pn, pns.keys.readIV, header, ciphertext)
	if err != nil {
		return nil, 0, 0, err
	}
	return plain, pn, hdrLen + pnLen, nil
}

func (c *Conn) logPacketReceived(space packetSpace, pn uint64, payloadLen int) {
	if c.logEventFn == nil {
		return
	}
	ev := newLogEvent(time.Now(), logEventPacketReceived)
	ev.addField("packet_type", space.String())
	ev.addField("packet_number", pn)
	ev.addField("payload_length", payloadLen)
	c.logEventFn(ev)
}

// matchesStatelessReset reports whether the trailing bytes of a
// short-header-shaped datagram equal a stateless reset token the peer
// handed us for one of our destination CIDs, per §4.5's receive path and
// end-to-end scenario 7: the reset is sent by the peer using a token it
// derived for a CID it issued to us, so the comparison set is c.dcid's
// peer-advertised tokens (populated by recvNewConnectionID and, for
// sequence 0, by the stateless_reset_token transport parameter), never
// our own scid/resetSecret.
func (c *Conn) matchesStatelessReset(b []byte) bool {
	if len(b) < StatelessResetTokenLength+5 {
		return false
	}
	tail := b[len(b)-StatelessResetTokenLength:]
	for i := 0; i < c.dcid.len(); i++ {
		cid := &c.dcid.items[i]
		if cid.HasResetToken && bytesEqual(cid.ResetToken[:], tail) {
			return true
		}
	}
	return false
}

func (c *Conn) maybeFlipReadKeyPhase(bit bool, pn uint64) {
	pns := c.spaces[packetSpaceApplication]
	if bit == c.inKeyPhase {
		return
	}
	if c.outKeyPhase != c.inKeyPhase && c.keyUpdatePending {
		// We initiated the current phase; peer is still catching up.
		return
	}
	next := nextKeyPhaseSecret(pns.keys.readSecret)
	var e epochKeys
	if err := e.installRead(next); err != nil {
		return
	}
	c.prevAppKeys = &epochKeys{readAEAD: pns.keys.readAEAD, readIV: pns.keys.readIV, readHP: pns.keys.readHP, readSecret: pns.keys.readSecret}
	pns.keys.readAEAD, pns.keys.readIV, pns.keys.readHP, pns.keys.readSecret = e.readAEAD, e.readIV, e.readHP, e.readSecret
	c.inKeyPhase = bit
}

// recvVersionNegotiation handles a Version Negotiation packet (§4.7's
// handshake flow): a client closes the connection with INTERNAL_ERROR.
// The listed versions are not examined and no other version is tried.
func (c *Conn) recvVersionNegotiation(b []byte) (int, error) {
	if !c.isClient {
		return len(b), nil
	}
	c.closeWithError(&quicError{code: InternalError, reason: "version negotiation: no compatible version"})
	return len(b), nil
}

// recvRetry handles the client's receipt of a Retry packet (§4.7): the
// first Retry before handshake completion stores the token and the Retry's
// source CID, makes that CID the only destination CID, resets the PN
// spaces and re-derives Initial keys from it. The source CIDs, TLS state
// and flow-control state are not reset. A second Retry is ignored.
func (c *Conn) recvRetry(b []byte, h *packetHeader, hdrLen int) (int, error) {
	if !c.isClient || len(c.rscid) > 0 || c.handshakeDone {
		return len(b), nil
	}
	tagLen := 16
	if len(b) < hdrLen+tagLen {
		return len(b), newError(ProtocolViolation, "short retry")
	}
	token := b[hdrLen : len(b)-tagLen]
	c.token = copyBytes(token)
	c.rscid = copyBytes(h.scid)

	newDCID := copyBytes(h.scid)
	c.dcid = newCIDSet()
	c.dcid.insert(ConnectionID{Sequence: 0, ID: newDCID})
	c.dcid.active = 0

	for i := range c.spaces {
		c.spaces[i] = newPacketNumberSpace(packetSpace(i))
	}
	if err := c.deriveInitialKeyMaterial(newDCID); err != nil {
		return len(b), err
	}
	return len(b), nil
}
