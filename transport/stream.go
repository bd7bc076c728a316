package transport

import "sort"

// streamState follows the lifecycle in §4.8: idle -> open -> one of the two
// half-closed states -> closed. Send and receive sides are tracked
// separately since a unidirectional stream only ever occupies one of them.
type streamState int

const (
	streamStateIdle streamState = iota
	streamStateOpen
	streamStateHalfClosedLocal
	streamStateHalfClosedRemote
	streamStateClosed
)

// streamDir/streamInitiator decode the two low bits of a stream id.
const (
	streamDirBidi = 0
	streamDirUni  = 1

	streamInitiatorClient = 0
	streamInitiatorServer = 1
)

func streamIsBidi(id uint64) bool       { return id&0x2 == 0 }
func streamInitiatedByClient(id uint64) bool { return id&0x1 == 0 }

// recvChunk is one contiguous range of received stream bytes, used both for
// the in-order queue and for the out-of-order set.
type recvChunk struct {
	offset uint64
	data   []byte
	fin    bool
}

// sendChunk is one write() call's worth of data awaiting transmission.
type sendChunk struct {
	offset uint64
	data   []byte
	fin    bool
	sent   int // bytes already copied into a STREAM frame, for partial sends
}

// Stream is one multiplexed, flow-controlled, ordered byte stream within a
// connection, per §4.8's data model.
type Stream struct {
	id   uint64
	bidi bool

	recvState streamState
	sendState streamState

	recv flowControl
	send flowControl

	// in is the in-order delivered-but-unread queue; inOOO holds
	// out-of-order chunks sorted by offset, merged into in as gaps close.
	in      []recvChunk
	inOOO   []recvChunk
	inClosed bool
	inFinOffset uint64
	hasInFin    bool

	// out is the pending-write FIFO; outUna is the offset of the first
	// byte not yet acknowledged (bytes before it may be freed).
	out    []sendChunk
	outUna uint64
	outOffset uint64
	outFinQueued bool

	lostCount int

	blocked           bool
	needMaxStreamData bool
	needControlUpdate bool

	resetByPeer     bool
	resetErrorCode  uint64
	stopRequested   bool
}

func newStream(id uint64, localInitialMax, remoteInitialMax uint64, bidi bool) *Stream {
	s := &Stream{
		id:   id,
		bidi: bidi,
		recv: newFlowControl(localInitialMax),
		send: newFlowControl(remoteInitialMax),
	}
	if bidi {
		s.recvState = streamStateOpen
		s.sendState = streamStateOpen
	}
	return s
}

// ID returns the stream's wire identifier.
func (s *Stream) ID() uint64 { return s.id }

// IsBidi reports whether the stream carries data in both directions.
func (s *Stream) IsBidi() bool { return s.bidi }

// onStreamFrame applies an incoming STREAM or CRYPTO-as-stream payload,
// per the receive algorithm in §4.6's frame handling: trims an
// already-delivered prefix, rejects partial overlaps with buffered
// out-of-order data (a documented policy choice, not a protocol
// requirement), and drains contiguous data into the in-order queue.
func (s *Stream) onStreamFrame(offset uint64, data []byte, fin bool) error {
	if s.inClosed {
		return nil
	}
	end := offset + uint64(len(data))
	if fin {
		if s.hasInFin && s.inFinOffset != end {
			return newError(FinalSizeError, "final size mismatch")
		}
		s.hasInFin = true
		s.inFinOffset = end
	} else if s.hasInFin && end > s.inFinOffset {
		return newError(FinalSizeError, "data beyond final size")
	}
	if err := s.recv.onDataReceived(end); err != nil {
		return err
	}
	if len(data) == 0 && !fin {
		return nil // zero-length non-FIN STREAM frames are ignored
	}

	inDataOff := s.inOrderOffset()
	if offset < inDataOff {
		if end <= inDataOff {
			return nil // fully duplicate range, ignored
		}
		data = data[inDataOff-offset:]
		offset = inDataOff
	}

	for _, c := range s.inOOO {
		cEnd := c.offset + uint64(len(c.data))
		newEnd := offset + uint64(len(data))
		if offset < cEnd && c.offset < newEnd && (offset != c.offset || len(data) != len(c.data)) {
			return newError(ProtocolViolation, "overlapping out-of-order stream data")
		}
	}

	if offset == inDataOff {
		s.in = append(s.in, recvChunk{offset: offset, data: data, fin: fin && len(data) > 0})
		s.drainOOO()
		if fin && len(data) == 0 {
			s.inClosed = true
			s.recvState = streamStateHalfClosedRemote
		}
	} else {
		s.insertOOO(recvChunk{offset: offset, data: data, fin: fin})
	}
	if s.hasInFin && s.inOrderOffset() == s.inFinOffset {
		s.inClosed = true
		s.recvState = streamStateHalfClosedRemote
	}
	return nil
}

func (s *Stream) inOrderOffset() uint64 {
	off := uint64(0)
	for _, c := range s.in {
		off = c.offset + uint64(len(c.data))
	}
	return off
}

func (s *Stream) insertOOO(c recvChunk) {
	i := sort.Search(len(s.inOOO), func(i int) bool { return s.inOOO[i].offset >= c.offset })
	s.inOOO = append(s.inOOO, recvChunk{})
	copy(s.inOOO[i+1:], s.inOOO[i:])
	s.inOOO[i] = c
}

func (s *Stream) drainOOO() {
	for {
		off := s.inOrderOffset()
		i := sort.Search(len(s.inOOO), func(i int) bool { return s.inOOO[i].offset >= off })
		if i >= len(s.inOOO) || s.inOOO[i].offset != off {
			return
		}
		c := s.inOOO[i]
		s.inOOO = append(s.inOOO[:i], s.inOOO[i+1:]...)
		s.in = append(s.in, c)
	}
}

// Read copies buffered in-order data into p, returning bytes read and
// whether the stream has delivered its FIN.
func (s *Stream) Read(p []byte) (int, bool) {
	n := 0
	for n < len(p) && len(s.in) > 0 {
		c := &s.in[0]
		m := copy(p[n:], c.data)
		n += m
		c.data = c.data[m:]
		if len(c.data) == 0 {
			fin := c.fin
			s.in = s.in[1:]
			if fin {
				return n, true
			}
		} else {
			break
		}
	}
	return n, false
}

// Write enqueues data for transmission, returning false (and setting
// blocked) if it would exceed the peer-advertised send limit.
func (s *Stream) Write(data []byte, fin bool) bool {
	if uint64(len(data)) > s.send.available() {
		s.blocked = true
		return false
	}
	s.out = append(s.out, sendChunk{offset: s.outOffset, data: data, fin: fin})
	s.outOffset += uint64(len(data))
	s.send.reserve(uint64(len(data)))
	if fin {
		s.outFinQueued = true
		if s.sendState == streamStateOpen {
			s.sendState = streamStateHalfClosedLocal
		}
	}
	return true
}

// pendingSend returns the next unsent bytes (up to maxLen) plus their
// stream offset and whether they end the stream, without consuming them
// (consumption happens once the containing packet is acked).
func (s *Stream) pendingSend(maxLen int) (offset uint64, data []byte, fin bool, ok bool) {
	pos := s.outUna
	for i := range s.out {
		c := &s.out[i]
		cEnd := c.offset + uint64(len(c.data))
		if cEnd <= pos {
			continue
		}
		start := pos
		if start < c.offset {
			start = c.offset
		}
		avail := c.data[start-c.offset:]
		if len(avail) > maxLen {
			avail = avail[:maxLen]
		}
		isFin := c.fin && start+uint64(len(avail)) == cEnd
		if len(avail) == 0 && !isFin {
			continue
		}
		return start, avail, isFin, true
	}
	return 0, nil, false, false
}

// onMaxStreamData applies a MAX_STREAM_DATA frame from the peer.
func (s *Stream) onMaxStreamData(max uint64) {
	s.send.onMaxDataReceived(max)
}

// maybeUpdateRecvMax reports whether the receive window should be doubled
// and does so, returning the new value to advertise (§4.8's doubling rule).
func (s *Stream) maybeUpdateRecvMax() (uint64, bool) {
	if !s.recv.shouldUpdateMax() {
		return 0, false
	}
	return s.recv.updateMax(), true
}

func (s *Stream) isClosed() bool {
	return s.recvState == streamStateClosed || (s.inClosed && (s.outFinQueued || !s.bidi && s.recvState == streamStateHalfClosedRemote))
}

// streamMap owns all streams known to a connection, keyed by id, plus the
// next-id counters used for local stream reservation (§4.8).
type streamMap struct {
	streams map[uint64]*Stream
	closed  map[uint64]bool

	nextBidi uint64
	nextUni  uint64

	isClient bool

	localParams *Parameters
	peerParams  *Parameters
}

func newStreamMap(isClient bool) *streamMap {
	m := &streamMap{
		streams: make(map[uint64]*Stream),
		closed:  make(map[uint64]bool),
		isClient: isClient,
	}
	if isClient {
		m.nextBidi = 0x00
		m.nextUni = 0x02
	} else {
		m.nextBidi = 0x01
		m.nextUni = 0x03
	}
	return m
}

func (m *streamMap) get(id uint64) (*Stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

// getOrCreatePeerInitiated implements the creation policy in §4.8: silently
// ignore ids in the closed set, create on first reference to a
// peer-initiated id, and error on a reference to a locally-initiated id
// that was never reserved (STREAM_STATE_ERROR).
func (m *streamMap) getOrCreatePeerInitiated(id uint64, localMax, remoteMax uint64) (*Stream, error) {
	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	if m.closed[id] {
		return nil, nil
	}
	peerInitiated := streamInitiatedByClient(id) != m.isClient
	if !peerInitiated {
		return nil, newError(StreamStateError, "reference to unreserved local stream")
	}
	s := newStream(id, localMax, remoteMax, streamIsBidi(id))
	m.streams[id] = s
	return s, nil
}

// reserve allocates the next local stream id of the requested
// directionality, subject to the peer's MAX_STREAMS limit.
func (m *streamMap) reserve(bidi bool, localMax, remoteMax, peerStreamLimit uint64) (*Stream, error) {
	var id uint64
	if bidi {
		id = m.nextBidi
	} else {
		id = m.nextUni
	}
	if id/4 >= peerStreamLimit {
		return nil, newError(StreamIDError, "streams blocked")
	}
	s := newStream(id, localMax, remoteMax, bidi)
	m.streams[id] = s
	if bidi {
		m.nextBidi += 4
	} else {
		m.nextUni += 4
	}
	return s, nil
}

func (m *streamMap) remove(id uint64) {
	delete(m.streams, id)
	m.closed[id] = true
}

// withControlUpdate returns streams awaiting a MAX_STREAM_DATA or
// *_BLOCKED frame, for the TX scheduler's control-frame pass (§4.4 step 8).
func (m *streamMap) withControlUpdate() []*Stream {
	var out []*Stream
	for _, s := range m.streams {
		if s.needMaxStreamData || s.needControlUpdate || s.blocked {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// sortedForSend returns streams with unsent data, lowest id first, for the
// TX scheduler's round-robin stream-data pass (§4.4 step 9).
func (m *streamMap) sortedForSend() []*Stream {
	var out []*Stream
	for _, s := range m.streams {
		if _, _, _, ok := s.pendingSend(1); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
