package transport

import (
	"crypto/rand"
	"time"
)

// Send builds and returns any packets this connection is ready to transmit
// at time now, per the TX data flow in §2: stream/control state -> framed
// packet -> AEAD encrypt -> HP apply -> UDP-ready datagram. Returns nil if
// there is nothing to send right now.
func (c *Conn) Send(now time.Time) [][]byte {
	var out [][]byte
	for space := packetSpaceInitial; space <= packetSpaceApplication; space++ {
		pns := c.spaces[space]
		if pns.abandoned || !pns.keys.writeSet {
			continue
		}
		for {
			dgram, sent := c.buildPacket(space, now)
			if !sent {
				break
			}
			out = append(out, dgram)
		}
	}
	if c.state == stateQueuedClose {
		if dgram, ok := c.buildClosePacket(now); ok {
			out = append(out, dgram)
		}
		c.state = stateClosing
		c.drainDeadline = now.Add(3 * c.recovery.ptoPeriod())
	}
	c.probePending = false
	return coalesceDatagrams(out)
}

// coalesceDatagrams implements §4.4's "Coalescing" rule: packets destined
// to the same address (every packet Send produces in one call shares the
// connection's current peer address) are concatenated into as few
// kMaxDatagramSize-bounded UDP datagrams as possible. buildPacket already
// emits packets space-by-space in the legal type order (Initial, then
// Handshake, then 0-RTT/Short), so a greedy pack over that order, which
// never appends anything after a short-header packet (it has no length
// field and runs to the end of the datagram), never produces an illegal
// ordering.
func coalesceDatagrams(dgrams [][]byte) [][]byte {
	if len(dgrams) == 0 {
		return dgrams
	}
	out := make([][]byte, 0, len(dgrams))
	cur := append([]byte(nil), dgrams[0]...)
	lastLong := dgrams[0][0]&0x80 != 0
	for _, d := range dgrams[1:] {
		if lastLong && len(cur)+len(d) <= MaxDatagramSize {
			cur = append(cur, d...)
			lastLong = d[0]&0x80 != 0
			continue
		}
		out = append(out, cur)
		cur = append([]byte(nil), d...)
		lastLong = d[0]&0x80 != 0
	}
	out = append(out, cur)
	return out
}

// buildPacket assembles at most one packet for space, following the frame
// ordering in §4.4: ACK first, then CRYPTO/handshake content, then (for
// Application) the non-stream control frames in the documented order,
// then stream data. Padding, where needed, is added by encodeAndEncrypt.
func (c *Conn) buildPacket(space packetSpace, now time.Time) ([]byte, bool) {
	pns := c.spaces[space]
	var frames []frame
	ackEliciting := false

	if pns.ackQueued && !pns.recvPacketNums.empty() {
		frames = append(frames, buildAckFrame(pns, c.localParams.AckDelayExponent, now))
		pns.ackQueued = false
	}

	cs := c.cryptoStreamFor(space)
	if off, data, _, ok := cs.pendingSend(1100); ok {
		frames = append(frames, &cryptoFrame{offset: off, data: data})
		ackEliciting = true
	}

	if space == packetSpaceApplication {
		frames = append(frames, c.buildControlFrames(&ackEliciting)...)
		frames = append(frames, c.buildStreamFrames(&ackEliciting, 1100)...)
	}

	if len(frames) == 0 && !c.probePending {
		return nil, false
	}
	if len(frames) == 0 && c.probePending {
		frames = append(frames, &pingFrame{})
		ackEliciting = true
	}

	return c.encodeAndEncrypt(space, frames, ackEliciting, now)
}

func buildAckFrame(pns *packetNumberSpace, exponent uint64, now time.Time) *ackFrame {
	delay := now.Sub(pns.largestRecvTime)
	delayTicks := uint64(delay/time.Microsecond) >> exponent
	f := newAckFrame(delayTicks, &pns.recvPacketNums)
	if pns.ceCount > 0 || pns.ect0Count > 0 || pns.ect1Count > 0 {
		f.hasECN = true
		f.ect0, f.ect1, f.ce = pns.ect0Count, pns.ect1Count, pns.ceCount
	}
	return f
}

// buildControlFrames emits the non-stream Application-epoch frames in the
// order fixed by §4.4 step 8.
func (c *Conn) buildControlFrames(ackEliciting *bool) []frame {
	var frames []frame
	if c.isClient == false && !c.newTokenSent {
		// NEW_TOKEN issuance is left to the application layer (the
		// address-validation policy is deployment-specific); this
		// implementation does not emit one automatically.
	}
	if c.pathResponsePending != nil {
		frames = append(frames, &pathResponseFrame{data: *c.pathResponsePending})
		c.pathResponsePending = nil
		*ackEliciting = true
	}
	for _, retired := range c.retiredDCIDs {
		frames = append(frames, &retireConnectionIDFrame{sequence: retired})
		*ackEliciting = true
	}
	c.retiredDCIDs = nil

	if c.wantsPathChallenge {
		var challenge [pathDataLength]byte
		randomFill(challenge[:])
		c.pathChallengeSent = challenge
		c.hasPathChallengeSent = true
		c.wantsPathChallenge = false
		frames = append(frames, &pathChallengeFrame{data: challenge})
		*ackEliciting = true
	}

	for uint64(c.scid.len()) < c.peerActiveCIDLimit() {
		seq := c.nextCIDSeq
		c.nextCIDSeq++
		id, err := randomConnectionID(c.cfg.ServerSCIDLength)
		if c.isClient {
			id, err = randomConnectionID(c.cfg.ClientSCIDLength)
		}
		if err != nil {
			break
		}
		tok := c.resetSecret.tokenFor(id)
		c.scid.insert(ConnectionID{Sequence: seq, ID: id, ResetToken: tok, HasResetToken: true})
		frames = append(frames, &newConnectionIDFrame{sequence: seq, connID: id, resetToken: tok})
		*ackEliciting = true
	}

	if c.connFlowSend.blocked {
		frames = append(frames, &dataBlockedFrame{dataLimit: c.connFlowSend.maxSendData})
		*ackEliciting = true
	}
	if c.connFlowRecv.shouldUpdateMax() {
		max := c.connFlowRecv.updateMax()
		frames = append(frames, &maxDataFrame{maximumData: max})
		*ackEliciting = true
	}

	if c.streamsBlockedBidi {
		frames = append(frames, &streamsBlockedFrame{bidi: true, streamLimit: c.streamsBlockedAtBidi})
		*ackEliciting = true
	}
	if c.streamsBlockedUni {
		frames = append(frames, &streamsBlockedFrame{bidi: false, streamLimit: c.streamsBlockedAtUni})
		*ackEliciting = true
	}
	if c.needMaxStreamsBidi {
		frames = append(frames, &maxStreamsFrame{bidi: true, maximumStreams: c.localMaxStreamsBidi})
		c.needMaxStreamsBidi = false
		*ackEliciting = true
	}
	if c.needMaxStreamsUni {
		frames = append(frames, &maxStreamsFrame{bidi: false, maximumStreams: c.localMaxStreamsUni})
		c.needMaxStreamsUni = false
		*ackEliciting = true
	}

	for _, s := range c.streams.withControlUpdate() {
		if s.blocked {
			frames = append(frames, &streamDataBlockedFrame{streamID: s.id, dataLimit: s.send.maxSendData})
			*ackEliciting = true
		}
		if max, ok := s.maybeUpdateRecvMax(); ok {
			frames = append(frames, &maxStreamDataFrame{streamID: s.id, maximumData: max})
			*ackEliciting = true
		}
		s.needControlUpdate = false
	}
	return frames
}

func randomFill(b []byte) {
	_, _ = rand.Read(b)
}

// buildStreamFrames greedily packs pending stream data from streams with
// outstanding sends, up to budget bytes total.
func (c *Conn) buildStreamFrames(ackEliciting *bool, budget int) []frame {
	var frames []frame
	for _, s := range c.streams.sortedForSend() {
		if budget <= 0 {
			break
		}
		off, data, fin, ok := s.pendingSend(budget)
		if !ok {
			continue
		}
		frames = append(frames, &streamFrame{streamID: s.id, offset: off, data: data, fin: fin, hasLen: true})
		budget -= len(data) + 16
		*ackEliciting = true
	}
	return frames
}

// encodeAndEncrypt serializes frames into a packet of the given space,
// applies AEAD protection and header protection, tracks the packet for
// loss detection, and returns the UDP-ready bytes.
func (c *Conn) encodeAndEncrypt(space packetSpace, frames []frame, ackEliciting bool, now time.Time) ([]byte, bool) {
	pns := c.spaces[space]
	pn := pns.nextPacketNumber
	largestAcked := pns.largestAcked
	if !pns.hasLargestAcked {
		largestAcked = ^uint64(0)
	}
	pnLen := packetNumberLen(pn, largestAcked)

	payloadLen := 0
	for _, f := range frames {
		payloadLen += f.encodedLen()
	}
	const aeadTagLen = 16

	buf := make([]byte, 0, MaxDatagramSize)
	dcid, _ := c.dcid.lowestSequence()
	scid, _ := c.scid.lowestSequence()
	var dcidBytes, scidBytes []byte
	if dcid != nil {
		dcidBytes = dcid.ID
	}
	if scid != nil {
		scidBytes = scid.ID
	}

	buildHeader := func(padding int) []byte {
		if space == packetSpaceApplication {
			first := encodeShortHeaderFirstByte(pnLen, c.outKeyPhase, c.spin)
			h := append([]byte{first}, dcidBytes...)
			return h
		}
		typBits := byte(longTypeInitial)
		if space == packetSpaceHandshake {
			typBits = longTypeHandshake
		}
		tmp := make([]byte, 64+len(dcidBytes)+len(scidBytes)+len(c.token))
		n, err := encodeLongHeader(tmp, typBits, c.version, dcidBytes, scidBytes, c.token, uint64(payloadLen+padding+aeadTagLen), pnLen)
		if err != nil {
			return nil
		}
		return tmp[:n]
	}

	// Two passes: the long-header length field's own varint width depends
	// on the total packet size, which depends on padding, which depends on
	// the header length. One estimate pass resolves the fixed point; the
	// rare case where padding pushes the varint a byte wider than the
	// estimate is not re-corrected, erring on a packet a byte short of the
	// 1200-byte floor rather than looping.
	hdr := buildHeader(0)
	if hdr == nil {
		return nil, false
	}
	padding := 0
	isInitial := space == packetSpaceInitial
	if isInitial && c.isClient {
		want := 1200 - len(hdr) - pnLen - payloadLen - aeadTagLen
		if want > padding {
			padding = want
		}
	}
	if len(hdr)+pnLen+payloadLen+padding < 4 {
		padding = 4 - len(hdr) - pnLen - payloadLen
	}
	if padding > 0 {
		hdr = buildHeader(padding)
		if hdr == nil {
			return nil, false
		}
	}

	hdrLen := len(hdr)
	pnOff := hdrLen
	pnBytes := make([]byte, pnLen)
	encodePacketNumber(pnBytes, pn, pnLen)
	buf = append(buf, hdr...)
	buf = append(buf, pnBytes...)
	payloadStart := len(buf)

	for _, f := range frames {
		tmp := make([]byte, f.encodedLen())
		m, err := f.encode(tmp)
		if err != nil {
			return nil, false
		}
		buf = append(buf, tmp[:m]...)
	}
	for i := 0; i < padding; i++ {
		buf = append(buf, frameTypePadding)
	}

	header := append([]byte(nil), buf[:payloadStart]...)
	payload := buf[payloadStart:]
	sealed := aeadSeal(pns.keys.writeAEAD, pn, pns.keys.writeIV, header, payload)

	final := append([]byte(nil), header...)
	final = append(final, sealed...)

	sampleOff := pnOff + 4
	if sampleOff+headerProtectionSampleLength <= len(final) {
		sample := final[sampleOff : sampleOff+headerProtectionSampleLength]
		mask := headerProtectionMask(pns.keys.writeHP, sample)
		applyHeaderProtectionMask(final, 0, pnOff, pnLen, mask)
	}

	sp := &sentPacket{
		packetNumber: pn,
		timeSent:     now,
		size:         len(final),
		ackEliciting: ackEliciting,
		inFlight:     ackEliciting,
		frames:       frames,
		bufIdx:       -1,
	}
	for _, f := range frames {
		if _, ok := f.(*cryptoFrame); ok {
			sp.includesCrypto = true
		}
	}
	pns.recordSent(sp)
	pns.nextPacketNumber++
	c.recovery.onPacketSent(sp)
	c.packetsOut++
	c.logPacketSent(space, pn, frames, len(final))

	return final, true
}

func (c *Conn) logPacketSent(space packetSpace, pn uint64, frames []frame, size int) {
	if c.logEventFn == nil {
		return
	}
	ev := newLogEvent(time.Now(), logEventPacketSent)
	ev.addField("packet_type", space.String())
	ev.addField("packet_number", pn)
	ev.addField("size", size)
	ev.addField("frame_count", len(frames))
	c.logEventFn(ev)
}

func (c *Conn) peerActiveCIDLimit() uint64 {
	if c.peerParamsSet && c.peerParams.ActiveConnectionIDLimit > 0 {
		return c.peerParams.ActiveConnectionIDLimit
	}
	return 2
}

// buildClosePacket emits the one CONNECTION_CLOSE packet queued-close
// transitions to closing with, in the highest available epoch.
func (c *Conn) buildClosePacket(now time.Time) ([]byte, bool) {
	if c.errorSent {
		return nil, false
	}
	space := packetSpaceApplication
	if !c.spaces[packetSpaceApplication].keys.writeSet {
		space = packetSpaceHandshake
		if !c.spaces[packetSpaceHandshake].keys.writeSet {
			space = packetSpaceInitial
		}
	}
	c.errorSent = true
	frames := []frame{c.closeFrame}
	dgram, ok := c.encodeAndEncrypt(space, frames, false, now)
	return dgram, ok
}
