package transport

import (
	"sort"
	"time"
)

// interval is an inclusive [lo, hi] range of received packet numbers.
type interval struct {
	lo, hi uint64
}

// intervalSet is a sorted, non-overlapping, non-adjacent set of received
// packet number ranges, used both to track what has been received (for ACK
// generation) and to reject duplicates. Kept as a slice: the cardinality is
// bounded by reordering, not by connection lifetime, so a balanced tree
// buys nothing a sorted slice doesn't already give.
type intervalSet struct {
	items []interval
}

// contains reports whether pn already falls in some range (a duplicate).
func (s *intervalSet) contains(pn uint64) bool {
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].hi >= pn })
	return i < len(s.items) && s.items[i].lo <= pn
}

// insert adds pn to the set, merging with adjacent/overlapping ranges.
func (s *intervalSet) insert(pn uint64) {
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].hi+1 >= pn })
	switch {
	case i < len(s.items) && s.items[i].lo <= pn && pn <= s.items[i].hi:
		return // duplicate
	case i < len(s.items) && s.items[i].lo == pn+1:
		s.items[i].lo = pn
	case i < len(s.items) && s.items[i].hi+1 == pn:
		s.items[i].hi = pn
		s.mergeForward(i)
		return
	default:
		s.items = append(s.items, interval{})
		copy(s.items[i+1:], s.items[i:])
		s.items[i] = interval{lo: pn, hi: pn}
		return
	}
	s.mergeBackward(i)
}

func (s *intervalSet) mergeForward(i int) {
	for i+1 < len(s.items) && s.items[i].hi+1 >= s.items[i+1].lo {
		s.items[i].hi = s.items[i+1].hi
		s.items = append(s.items[:i+1], s.items[i+2:]...)
	}
}

func (s *intervalSet) mergeBackward(i int) {
	for i > 0 && s.items[i-1].hi+1 >= s.items[i].lo {
		s.items[i-1].hi = s.items[i].hi
		s.items = append(s.items[:i], s.items[i+1:]...)
		i--
	}
}

// removeBelow drops all packet numbers < threshold, used once a space's
// lowest unacked watermark advances past them (they'll never need an ACK).
func (s *intervalSet) removeBelow(threshold uint64) {
	i := 0
	for i < len(s.items) && s.items[i].hi < threshold {
		i++
	}
	if i > 0 {
		s.items = append([]interval(nil), s.items[i:]...)
	}
	if len(s.items) > 0 && s.items[0].lo < threshold {
		s.items[0].lo = threshold
	}
}

func (s *intervalSet) largest() (uint64, bool) {
	if len(s.items) == 0 {
		return 0, false
	}
	return s.items[len(s.items)-1].hi, true
}

func (s *intervalSet) empty() bool { return len(s.items) == 0 }

// sentPacket records what a previously transmitted packet in this space
// contained, for loss detection and ACK processing bookkeeping (§4.9).
type sentPacket struct {
	packetNumber   uint64
	timeSent       time.Time
	size           int
	ackEliciting   bool
	inFlight       bool
	frames         []frame // retained to allow retransmission of contained data
	bufIdx         int     // pool buffer backing this entry, or -1
	includesCrypto bool
}

// packetNumberSpace holds the per-epoch state described in §4.4: the next
// packet number to send, what has been received (for ACK generation), and
// the set of in-flight sent packets awaiting acknowledgment or loss
// detection, plus the space's ECN counters and cipher material.
type packetNumberSpace struct {
	space packetSpace

	nextPacketNumber uint64
	largestRecvPN    uint64
	largestRecvTime  time.Time
	recvPacketNums   intervalSet

	sentPackets map[uint64]*sentPacket
	largestAcked uint64
	hasLargestAcked bool

	ackElicitingInFlightCount int

	// ECN counters for packets we have received, echoed back in our ACKs.
	ect0Count, ect1Count, ceCount uint64

	ackQueued  bool
	lastAckSent time.Time

	// keys, once derived, per §4.5.
	keys epochKeys

	// abandoned marks a space (Initial, Handshake) as no longer in use:
	// discard its keys and drop any packets still tracked as in flight.
	abandoned bool

	// lostCount/rtxCount feed Conn.Stats(): packets this space has declared
	// lost, and packets whose retransmissible content has been requeued.
	lostCount uint64
	rtxCount  uint64
}

func newPacketNumberSpace(s packetSpace) *packetNumberSpace {
	return &packetNumberSpace{
		space:        s,
		sentPackets:  make(map[uint64]*sentPacket),
		hasLargestAcked: false,
	}
}

func (s *packetNumberSpace) recordSent(sp *sentPacket) {
	s.sentPackets[sp.packetNumber] = sp
	if sp.ackEliciting {
		s.ackElicitingInFlightCount++
	}
}

// onReceived updates duplicate-detection and ACK-eliciting-ness bookkeeping
// for an incoming packet, returning false if pn is a duplicate that must be
// discarded per §4.4's edge cases.
func (s *packetNumberSpace) onReceived(pn uint64, t time.Time, ackEliciting bool, ecn byte) bool {
	if s.recvPacketNums.contains(pn) {
		return false
	}
	s.recvPacketNums.insert(pn)
	if pn > s.largestRecvPN || s.largestRecvTime.IsZero() {
		s.largestRecvPN = pn
		s.largestRecvTime = t
	}
	if ackEliciting {
		s.ackQueued = true
	}
	switch ecn {
	case 0x2:
		s.ect0Count++
	case 0x1:
		s.ect1Count++
	case 0x3:
		s.ceCount++
	}
	return true
}

// drainAcked removes and returns sent packets covered by the ranges in f,
// in increasing packet-number order, updating in-flight bookkeeping.
func (s *packetNumberSpace) drainAcked(f *ackFrame) []*sentPacket {
	var acked []*sentPacket
	for _, r := range f.ranges {
		for pn := r.smallest; pn <= r.largest; pn++ {
			if sp, ok := s.sentPackets[pn]; ok {
				acked = append(acked, sp)
				delete(s.sentPackets, pn)
				if sp.ackEliciting {
					s.ackElicitingInFlightCount--
				}
			}
			if pn == r.largest {
				break
			}
		}
	}
	sort.Slice(acked, func(i, j int) bool { return acked[i].packetNumber < acked[j].packetNumber })
	if f.largestAck > s.largestAcked || !s.hasLargestAcked {
		s.largestAcked = f.largestAck
		s.hasLargestAcked = true
	}
	return acked
}

// removeSent deletes a tracked sent packet (e.g. once it's declared lost
// and requeued, or on space abandonment) without treating it as acked.
func (s *packetNumberSpace) removeSent(pn uint64) *sentPacket {
	sp, ok := s.sentPackets[pn]
	if !ok {
		return nil
	}
	delete(s.sentPackets, pn)
	if sp.ackEliciting {
		s.ackElicitingInFlightCount--
	}
	return sp
}

func (s *packetNumberSpace) allSent() []*sentPacket {
	out := make([]*sentPacket, 0, len(s.sentPackets))
	for _, sp := range s.sentPackets {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].packetNumber < out[j].packetNumber })
	return out
}
