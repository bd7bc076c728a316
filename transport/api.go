package transport

import (
	"net"
	"time"
)

// Stats mirrors the counters the engine's info(conn) call surfaces (§6.1):
// packet counts, RTT estimate, and congestion-controller state.
type Stats struct {
	PacketsInValid   uint64
	PacketsInInvalid uint64
	PacketsOut       uint64
	PacketsOutLost   uint64
	PacketsOutRTX    uint64

	RTT      time.Duration
	RTTVar   time.Duration
	CWnd     uint64
	SSThresh uint64
	PTOCount int
}

// Stats returns a snapshot of this connection's counters, for info(conn).
func (c *Conn) Stats() Stats {
	var lost, rtx uint64
	for _, pns := range c.spaces {
		lost += pns.lostCount
		rtx += pns.rtxCount
	}
	return Stats{
		PacketsInValid:   c.packetsInValid,
		PacketsInInvalid: c.packetsInInvalid,
		PacketsOut:       c.packetsOut,
		PacketsOutLost:   lost,
		PacketsOutRTX:    rtx,
		RTT:              c.recovery.smoothedRTT,
		RTTVar:            c.recovery.rttVar,
		CWnd:             c.recovery.cwnd,
		SSThresh:         c.recovery.ssthresh,
		PTOCount:         c.recovery.ptoCount,
	}
}

// CheckTimeout advances the connection's timers at time now and reports
// whether a send pass is warranted afterward, per §5's single "now"
// snapshot rule. Exported for the event loop (outside this package) that
// drives the timer wheel described in §2's Event Loop component.
func (c *Conn) CheckTimeout(now time.Time) bool {
	return c.checkTimeout(now)
}

// NextTimeout reports the next absolute time this connection needs
// CheckTimeout called, or the zero Time if no timer is currently armed.
// Used by the event loop to size its next wait.
func (c *Conn) NextTimeout() time.Time {
	if c.state == stateDraining || c.state == stateClosed {
		return c.drainDeadline
	}
	earliest := c.idleDeadline
	if t := c.recovery.nextTimeout(c.hasUnackedCrypto(), c.spaces[packetSpaceApplication].keys.writeSet, c.anyAckElicitingInFlight()); !t.IsZero() && (earliest.IsZero() || t.Before(earliest)) {
		earliest = t
	}
	if c.cfg.KeyUpdateInterval > 0 && !c.keyUpdateAt.IsZero() && (earliest.IsZero() || c.keyUpdateAt.Before(earliest)) {
		earliest = c.keyUpdateAt
	}
	return earliest
}

// LocalError returns the error code/reason this connection closed with, if
// any, populated before free per §7's "User-visible behavior".
func (c *Conn) LocalError() (code uint64, app bool, reason string) {
	if c.closeFrame == nil {
		return 0, false, ""
	}
	return c.closeFrame.errorCode, c.closeFrame.application, string(c.closeFrame.reasonPhrase)
}

// IsDraining reports whether the connection has entered the draining
// sub-state (peer-initiated close observed).
func (c *Conn) IsDraining() bool { return c.state == stateDraining }

// EnterStatelessReset transitions immediately into the draining sub-state
// because the engine recognized an incoming datagram as a peer-issued
// stateless reset (its destination CID did not match any known CID, so
// the match happened against the engine-wide token index rather than
// inside this connection's own Recv path; see §4.5 step 4 and end-to-end
// scenario 7).
func (c *Conn) EnterStatelessReset(now time.Time) {
	c.setDraining(now, true)
}

// IsServer reports the connection's role.
func (c *Conn) IsServer() bool { return !c.isClient }

// SourceID returns the currently active source connection ID.
func (c *Conn) SourceID() []byte {
	if cid, ok := c.scid.lowestSequence(); ok {
		return cid.ID
	}
	return nil
}

// DestinationID returns the currently active destination connection ID.
func (c *Conn) DestinationID() []byte {
	if cid, ok := c.dcid.lowestSequence(); ok {
		return cid.ID
	}
	return nil
}

// PeerAddr returns the address this connection currently believes its
// peer is at (updated on confirmed migration per §4.7).
func (c *Conn) PeerAddr() net.Addr { return c.peerAddr }

// SourceIDs returns every source CID this connection currently owns, for
// the engine's dcid->conn index maintenance (§5's "global
// connection-indexing maps").
func (c *Conn) SourceIDs() []ConnectionID {
	out := make([]ConnectionID, len(c.scid.items))
	copy(out, c.scid.items)
	return out
}

// DestinationIDs returns every destination CID this connection currently
// addresses the peer by, including any stateless reset token the peer
// advertised for it (via NEW_CONNECTION_ID or the stateless_reset_token
// transport parameter). The engine indexes these tokens, not our own
// SourceIDs' tokens, to recognize a peer-issued stateless reset per §4.5
// step 4: the reset is sent by the peer using a token it derived for a
// CID it handed to us.
func (c *Conn) DestinationIDs() []ConnectionID {
	out := make([]ConnectionID, len(c.dcid.items))
	copy(out, c.dcid.items)
	return out
}

// PeekConnectionID extracts the destination connection ID from a raw
// datagram without decrypting or fully validating it, for the engine's
// demux step (§4.4 step 4 / §4.5 step 3). shortDCIDLen is the fixed DCID
// length this endpoint uses for short-header packets (its own SCID
// length); it is ignored for long headers, which carry an explicit length.
func PeekConnectionID(b []byte, shortDCIDLen int) (dcid []byte, isLongHeader bool, ok bool) {
	if len(b) == 0 {
		return nil, false, false
	}
	if b[0]&0x80 != 0 {
		h, _, err := decodeLongHeader(b)
		if err != nil {
			return nil, true, false
		}
		return h.dcid, true, true
	}
	if len(b) < 1+shortDCIDLen {
		return nil, false, false
	}
	return copyBytes(b[1 : 1+shortDCIDLen]), false, true
}

// PeekVersion extracts the version field of a long-header packet without
// full decoding, for the engine's version-acceptability check (§4.5 step 4).
func PeekVersion(b []byte) (uint32, bool) {
	if len(b) < 5 || b[0]&0x80 == 0 {
		return 0, false
	}
	return uint32(getUintN(b[1:5], 4)), true
}

// IsLongHeaderInitial reports whether b looks like a long-header Initial
// packet of the given version, for the server's "valid Initial" check.
func IsLongHeaderInitial(b []byte, version uint32) bool {
	if len(b) < 5 || b[0]&0x80 == 0 {
		return false
	}
	if uint32(getUintN(b[1:5], 4)) != version {
		return false
	}
	return (b[0]>>4)&0x3 == longTypeInitial
}

// ResetTokenFor derives the stateless reset token this connection's
// endpoint would generate for cid, using the per-connection secret, per
// cid.go's "derive deterministically" design note.
func (c *Conn) ResetTokenFor(cid []byte) [StatelessResetTokenLength]byte {
	return c.resetSecret.tokenFor(cid)
}

// IsVersionReserved reports whether v is a "grease" version per §6.2:
// v & 0x0f0f0f0f == 0x0a0a0a0a.
func IsVersionReserved(v uint32) bool {
	return v&0x0f0f0f0f == 0x0a0a0a0a
}

// PrivateVersion and GreaseVersion are the additional negotiable versions
// named in §6.2, alongside Version (the draft version).
const (
	PrivateVersion = 0x45474700 | 0x16
	GreaseVersion  = 0xbabababa
)
