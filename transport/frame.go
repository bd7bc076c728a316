package transport

import "fmt"

// Frame type codes for this draft. There is no HANDSHAKE_DONE type at this
// draft era; handshake confirmation here is inferred from receiving any
// protected 1-RTT packet (see recvShortHeaderPacket).
const (
	frameTypePadding       = 0x00
	frameTypePing          = 0x01
	frameTypeAck           = 0x02
	frameTypeAckECN        = 0x03
	frameTypeResetStream   = 0x04
	frameTypeStopSending   = 0x05
	frameTypeCrypto        = 0x06
	frameTypeNewToken      = 0x07
	frameTypeStream        = 0x08 // through 0x0f
	frameTypeStreamEnd     = 0x0f
	frameTypeMaxData       = 0x10
	frameTypeMaxStreamData = 0x11
	frameTypeMaxStreamsBidi = 0x12
	frameTypeMaxStreamsUni  = 0x13
	frameTypeDataBlocked        = 0x14
	frameTypeStreamDataBlocked  = 0x15
	frameTypeStreamsBlockedBidi = 0x16
	frameTypeStreamsBlockedUni  = 0x17
	frameTypeNewConnectionID    = 0x18
	frameTypeRetireConnectionID = 0x19
	frameTypePathChallenge      = 0x1a
	frameTypePathResponse       = 0x1b
	frameTypeConnectionClose    = 0x1c
	frameTypeApplicationClose   = 0x1d
)

// stream frame flag bits, OR'd onto frameTypeStream.
const (
	streamFlagFin = 0x01
	streamFlagLen = 0x02
	streamFlagOff = 0x04
)

func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypePadding, frameTypeAck, frameTypeAckECN, frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	}
	return true
}

// frame is the common interface for all wire frame types.
type frame interface {
	encode(b []byte) (int, error)
	encodedLen() int
}

func putFrameVarint(b []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	return append(b, tmp[:putVarint(tmp, v)]...)
}

func varintFieldLen(v uint64) int {
	return varintLen(v)
}

// --- PADDING ---

type paddingFrame struct {
	length int
}

func newPaddingFrame(n int) *paddingFrame { return &paddingFrame{length: n} }

func (f *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < f.length {
		return 0, errShortBuffer
	}
	for i := 0; i < f.length; i++ {
		b[i] = frameTypePadding
	}
	return f.length, nil
}

func (f *paddingFrame) encodedLen() int { return f.length }

func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == frameTypePadding {
		n++
	}
	f.length = n
	if n == 0 {
		n = 1 // the leading PADDING byte itself, for a single-byte run
	}
	return n, nil
}

// --- PING ---

type pingFrame struct{}

func (f *pingFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePing
	return 1, nil
}
func (f *pingFrame) encodedLen() int { return 1 }

// --- ACK ---

type ackRange struct {
	smallest, largest uint64
}

type ackFrame struct {
	largestAck uint64
	ackDelay   uint64
	ranges     []ackRange // sorted largest-first, each gap-separated
	hasECN     bool
	ect0, ect1, ce uint64
}

func newAckFrame(ackDelay uint64, recv *intervalSet) *ackFrame {
	f := &ackFrame{ackDelay: ackDelay}
	for i := len(recv.items) - 1; i >= 0; i-- {
		f.ranges = append(f.ranges, ackRange{smallest: recv.items[i].lo, largest: recv.items[i].hi})
	}
	if len(f.ranges) > 0 {
		f.largestAck = f.ranges[0].largest
	}
	return f
}

func (f *ackFrame) String() string {
	return fmt.Sprintf("ack largest=%d delay=%d ranges=%d", f.largestAck, f.ackDelay, len(f.ranges))
}

// toRangeSet validates the encoded ranges (each range must not underflow
// the packet-number space, per the boundary behavior in §8) and returns
// them in the same largest-first order they were decoded.
func (f *ackFrame) toRangeSet() []ackRange {
	for _, r := range f.ranges {
		if r.smallest > r.largest {
			return nil
		}
	}
	return f.ranges
}

func (f *ackFrame) encodedLen() int {
	n := varintLen(uint64(f.frameType())) + varintLen(f.largestAck) + varintLen(f.ackDelay)
	n += varintLen(uint64(len(f.ranges) - 1))
	for i, r := range f.ranges {
		n += varintLen(r.largest - r.smallest) // ack range length
		if i+1 < len(f.ranges) {
			gap := f.ranges[i].smallest - f.ranges[i+1].largest - 2
			n += varintLen(gap)
		}
	}
	if f.hasECN {
		n += varintLen(f.ect0) + varintLen(f.ect1) + varintLen(f.ce)
	}
	return n
}

func (f *ackFrame) frameType() uint64 {
	if f.hasECN {
		return frameTypeAckECN
	}
	return frameTypeAck
}

func (f *ackFrame) encode(b []byte) (int, error) {
	n := f.encodedLen()
	if len(b) < n {
		return 0, errShortBuffer
	}
	out := b[:0]
	out = putFrameVarint(out, f.frameType())
	out = putFrameVarint(out, f.largestAck)
	out = putFrameVarint(out, f.ackDelay)
	out = putFrameVarint(out, uint64(len(f.ranges)-1))
	out = putFrameVarint(out, f.ranges[0].largest-f.ranges[0].smallest)
	for i := 1; i < len(f.ranges); i++ {
		gap := f.ranges[i-1].smallest - f.ranges[i].largest - 2
		out = putFrameVarint(out, gap)
		out = putFrameVarint(out, f.ranges[i].largest-f.ranges[i].smallest)
	}
	if f.hasECN {
		out = putFrameVarint(out, f.ect0)
		out = putFrameVarint(out, f.ect1)
		out = putFrameVarint(out, f.ce)
	}
	return len(out), nil
}

func (f *ackFrame) decode(b []byte) (int, error) {
	orig := b
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack type")
	}
	b = b[n:]
	f.hasECN = typ == frameTypeAckECN

	var largest, delay, count, firstLen uint64
	for _, p := range []*uint64{&largest, &delay, &count, &firstLen} {
		n = getVarint(b, p)
		if n == 0 {
			return 0, newError(FrameEncodingError, "ack")
		}
		b = b[n:]
	}
	if firstLen > largest {
		return 0, newError(FrameEncodingError, "ack range underflow")
	}
	f.largestAck = largest
	f.ackDelay = delay
	f.ranges = []ackRange{{smallest: largest - firstLen, largest: largest}}

	for i := uint64(0); i < count; i++ {
		var gap, length uint64
		n = getVarint(b, &gap)
		if n == 0 {
			return 0, newError(FrameEncodingError, "ack gap")
		}
		b = b[n:]
		n = getVarint(b, &length)
		if n == 0 {
			return 0, newError(FrameEncodingError, "ack length")
		}
		b = b[n:]
		prevSmallest := f.ranges[len(f.ranges)-1].smallest
		if gap+2 > prevSmallest {
			return 0, newError(FrameEncodingError, "ack range underflow")
		}
		newLargest := prevSmallest - gap - 2
		if length > newLargest {
			return 0, newError(FrameEncodingError, "ack range underflow")
		}
		f.ranges = append(f.ranges, ackRange{smallest: newLargest - length, largest: newLargest})
	}
	if f.hasECN {
		for _, p := range []*uint64{&f.ect0, &f.ect1, &f.ce} {
			n = getVarint(b, p)
			if n == 0 {
				return 0, newError(FrameEncodingError, "ack ecn")
			}
			b = b[n:]
		}
	}
	return len(orig) - len(b), nil
}

// --- RESET_STREAM ---

type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func (f *resetStreamFrame) encodedLen() int {
	return varintLen(frameTypeResetStream) + varintLen(f.streamID) + varintLen(f.errorCode) + varintLen(f.finalSize)
}

func (f *resetStreamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := b[:0]
	out = putFrameVarint(out, frameTypeResetStream)
	out = putFrameVarint(out, f.streamID)
	out = putFrameVarint(out, f.errorCode)
	out = putFrameVarint(out, f.finalSize)
	return len(out), nil
}

func (f *resetStreamFrame) decode(b []byte) (int, error) {
	return decodeVarintFields(b, "reset_stream", 1, &f.streamID, &f.errorCode, &f.finalSize)
}

func (f *resetStreamFrame) String() string {
	return fmt.Sprintf("reset_stream id=%d code=%d final=%d", f.streamID, f.errorCode, f.finalSize)
}

// --- STOP_SENDING ---

type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func (f *stopSendingFrame) encodedLen() int {
	return varintLen(frameTypeStopSending) + varintLen(f.streamID) + varintLen(f.errorCode)
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := b[:0]
	out = putFrameVarint(out, frameTypeStopSending)
	out = putFrameVarint(out, f.streamID)
	out = putFrameVarint(out, f.errorCode)
	return len(out), nil
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	return decodeVarintFields(b, "stop_sending", 1, &f.streamID, &f.errorCode)
}

// --- CRYPTO ---

type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{data: data, offset: offset}
}

func (f *cryptoFrame) encodedLen() int {
	return varintLen(frameTypeCrypto) + varintLen(f.offset) + varintLen(uint64(len(f.data))) + len(f.data)
}

func (f *cryptoFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := b[:0]
	out = putFrameVarint(out, frameTypeCrypto)
	out = putFrameVarint(out, f.offset)
	out = putFrameVarint(out, uint64(len(f.data)))
	out = append(out, f.data...)
	return len(out), nil
}

func (f *cryptoFrame) decode(b []byte) (int, error) {
	orig := b
	n := skipVarint(b) // type already dispatched by caller in some paths, but decode expects it present
	if n == 0 {
		return 0, newError(FrameEncodingError, "crypto type")
	}
	b = b[n:]
	var offset, length uint64
	n = getVarint(b, &offset)
	if n == 0 {
		return 0, newError(FrameEncodingError, "crypto offset")
	}
	b = b[n:]
	n = getVarint(b, &length)
	if n == 0 {
		return 0, newError(FrameEncodingError, "crypto length")
	}
	b = b[n:]
	if uint64(len(b)) < length {
		return 0, newError(FrameEncodingError, "crypto data")
	}
	f.offset = offset
	f.data = copyBytes(b[:length])
	b = b[length:]
	return len(orig) - len(b), nil
}

func (f *cryptoFrame) String() string {
	return fmt.Sprintf("crypto offset=%d len=%d", f.offset, len(f.data))
}

// --- NEW_TOKEN ---

type newTokenFrame struct {
	token []byte
}

func (f *newTokenFrame) encodedLen() int {
	return varintLen(frameTypeNewToken) + varintLen(uint64(len(f.token))) + len(f.token)
}

func (f *newTokenFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := b[:0]
	out = putFrameVarint(out, frameTypeNewToken)
	out = putFrameVarint(out, uint64(len(f.token)))
	out = append(out, f.token...)
	return len(out), nil
}

func (f *newTokenFrame) decode(b []byte) (int, error) {
	orig := b
	n := skipVarint(b)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_token type")
	}
	b = b[n:]
	var length uint64
	n = getVarint(b, &length)
	if n == 0 || uint64(len(b)-n) < length {
		return 0, newError(FrameEncodingError, "new_token")
	}
	b = b[n:]
	f.token = copyBytes(b[:length])
	b = b[length:]
	return len(orig) - len(b), nil
}

// --- STREAM ---

type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
	hasLen   bool // whether the encoding should carry an explicit length (not the last frame in the packet)
}

func newStreamFrame(id uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: id, data: data, offset: offset, fin: fin, hasLen: true}
}

func (f *streamFrame) typeByte() byte {
	t := byte(frameTypeStream)
	if f.offset > 0 {
		t |= streamFlagOff
	}
	if f.hasLen {
		t |= streamFlagLen
	}
	if f.fin {
		t |= streamFlagFin
	}
	return t
}

func (f *streamFrame) encodedLen() int {
	n := 1 + varintLen(f.streamID)
	if f.offset > 0 {
		n += varintLen(f.offset)
	}
	if f.hasLen {
		n += varintLen(uint64(len(f.data)))
	}
	return n + len(f.data)
}

func (f *streamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := b[:1]
	out[0] = f.typeByte()
	out = putFrameVarint(out, f.streamID)
	if f.offset > 0 {
		out = putFrameVarint(out, f.offset)
	}
	if f.hasLen {
		out = putFrameVarint(out, uint64(len(f.data)))
	}
	out = append(out, f.data...)
	return len(out), nil
}

func (f *streamFrame) decode(b []byte) (int, error) {
	orig := b
	if len(b) == 0 {
		return 0, newError(FrameEncodingError, "stream type")
	}
	typ := b[0]
	b = b[1:]
	var id uint64
	n := getVarint(b, &id)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stream id")
	}
	b = b[n:]
	f.streamID = id
	f.offset = 0
	if typ&streamFlagOff != 0 {
		n = getVarint(b, &f.offset)
		if n == 0 {
			return 0, newError(FrameEncodingError, "stream offset")
		}
		b = b[n:]
	}
	f.fin = typ&streamFlagFin != 0
	if typ&streamFlagLen != 0 {
		var length uint64
		n = getVarint(b, &length)
		if n == 0 || uint64(len(b)-n) < length {
			return 0, newError(FrameEncodingError, "stream length")
		}
		b = b[n:]
		f.data = copyBytes(b[:length])
		b = b[length:]
	} else {
		// Extends to the end of the packet payload.
		f.data = copyBytes(b)
		b = nil
	}
	f.hasLen = typ&streamFlagLen != 0
	return len(orig) - len(b), nil
}

func (f *streamFrame) String() string {
	return fmt.Sprintf("stream id=%d offset=%d len=%d fin=%v", f.streamID, f.offset, len(f.data), f.fin)
}

// --- MAX_DATA / MAX_STREAM_DATA / MAX_STREAMS ---

type maxDataFrame struct{ maximumData uint64 }

func newMaxDataFrame(v uint64) *maxDataFrame { return &maxDataFrame{maximumData: v} }
func (f *maxDataFrame) encodedLen() int      { return varintLen(frameTypeMaxData) + varintLen(f.maximumData) }
func (f *maxDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := putFrameVarint(b[:0], frameTypeMaxData)
	out = putFrameVarint(out, f.maximumData)
	return len(out), nil
}
func (f *maxDataFrame) decode(b []byte) (int, error) {
	return decodeVarintFields(b, "max_data", 1, &f.maximumData)
}

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(id, v uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: id, maximumData: v}
}
func (f *maxStreamDataFrame) encodedLen() int {
	return varintLen(frameTypeMaxStreamData) + varintLen(f.streamID) + varintLen(f.maximumData)
}
func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := putFrameVarint(b[:0], frameTypeMaxStreamData)
	out = putFrameVarint(out, f.streamID)
	out = putFrameVarint(out, f.maximumData)
	return len(out), nil
}
func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	return decodeVarintFields(b, "max_stream_data", 1, &f.streamID, &f.maximumData)
}

type maxStreamsFrame struct {
	bidi           bool
	maximumStreams uint64
}

func (f *maxStreamsFrame) frameType() uint64 {
	if f.bidi {
		return frameTypeMaxStreamsBidi
	}
	return frameTypeMaxStreamsUni
}
func (f *maxStreamsFrame) encodedLen() int {
	return varintLen(f.frameType()) + varintLen(f.maximumStreams)
}
func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := putFrameVarint(b[:0], f.frameType())
	out = putFrameVarint(out, f.maximumStreams)
	return len(out), nil
}
func (f *maxStreamsFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_streams type")
	}
	f.bidi = typ == frameTypeMaxStreamsBidi
	return decodeVarintFields(b, "max_streams", 1, &f.maximumStreams)
}

// --- DATA_BLOCKED / STREAM_DATA_BLOCKED / STREAMS_BLOCKED ---

type dataBlockedFrame struct{ dataLimit uint64 }

func (f *dataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeDataBlocked) + varintLen(f.dataLimit)
}
func (f *dataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := putFrameVarint(b[:0], frameTypeDataBlocked)
	out = putFrameVarint(out, f.dataLimit)
	return len(out), nil
}
func (f *dataBlockedFrame) decode(b []byte) (int, error) {
	return decodeVarintFields(b, "data_blocked", 1, &f.dataLimit)
}

type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func (f *streamDataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeStreamDataBlocked) + varintLen(f.streamID) + varintLen(f.dataLimit)
}
func (f *streamDataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := putFrameVarint(b[:0], frameTypeStreamDataBlocked)
	out = putFrameVarint(out, f.streamID)
	out = putFrameVarint(out, f.dataLimit)
	return len(out), nil
}
func (f *streamDataBlockedFrame) decode(b []byte) (int, error) {
	return decodeVarintFields(b, "stream_data_blocked", 1, &f.streamID, &f.dataLimit)
}

type streamsBlockedFrame struct {
	bidi        bool
	streamLimit uint64
}

func (f *streamsBlockedFrame) frameType() uint64 {
	if f.bidi {
		return frameTypeStreamsBlockedBidi
	}
	return frameTypeStreamsBlockedUni
}
func (f *streamsBlockedFrame) encodedLen() int {
	return varintLen(f.frameType()) + varintLen(f.streamLimit)
}
func (f *streamsBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := putFrameVarint(b[:0], f.frameType())
	out = putFrameVarint(out, f.streamLimit)
	return len(out), nil
}
func (f *streamsBlockedFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "streams_blocked type")
	}
	f.bidi = typ == frameTypeStreamsBlockedBidi
	return decodeVarintFields(b, "streams_blocked", 1, &f.streamLimit)
}

// --- NEW_CONNECTION_ID / RETIRE_CONNECTION_ID ---

type newConnectionIDFrame struct {
	sequence      uint64
	retirePriorTo uint64
	connID        []byte
	resetToken    [StatelessResetTokenLength]byte
}

func (f *newConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeNewConnectionID) + varintLen(f.sequence) + varintLen(f.retirePriorTo) +
		1 + len(f.connID) + StatelessResetTokenLength
}

func (f *newConnectionIDFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := putFrameVarint(b[:0], frameTypeNewConnectionID)
	out = putFrameVarint(out, f.sequence)
	out = putFrameVarint(out, f.retirePriorTo)
	out = append(out, byte(len(f.connID)))
	out = append(out, f.connID...)
	out = append(out, f.resetToken[:]...)
	return len(out), nil
}

func (f *newConnectionIDFrame) decode(b []byte) (int, error) {
	orig := b
	n := skipVarint(b)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id type")
	}
	b = b[n:]
	n = getVarint(b, &f.sequence)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id seq")
	}
	b = b[n:]
	n = getVarint(b, &f.retirePriorTo)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id retire")
	}
	b = b[n:]
	if len(b) < 1 {
		return 0, newError(FrameEncodingError, "new_connection_id len")
	}
	cidLen := int(b[0])
	b = b[1:]
	if cidLen < MinCIDLength || cidLen > MaxCIDLength || len(b) < cidLen+StatelessResetTokenLength {
		return 0, newError(FrameEncodingError, "new_connection_id cid")
	}
	f.connID = copyBytes(b[:cidLen])
	b = b[cidLen:]
	copy(f.resetToken[:], b[:StatelessResetTokenLength])
	b = b[StatelessResetTokenLength:]
	if f.retirePriorTo > f.sequence {
		return 0, newError(ProtocolViolation, "retire_prior_to > sequence")
	}
	return len(orig) - len(b), nil
}

type retireConnectionIDFrame struct {
	sequence uint64
}

func (f *retireConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeRetireConnectionID) + varintLen(f.sequence)
}
func (f *retireConnectionIDFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := putFrameVarint(b[:0], frameTypeRetireConnectionID)
	out = putFrameVarint(out, f.sequence)
	return len(out), nil
}
func (f *retireConnectionIDFrame) decode(b []byte) (int, error) {
	return decodeVarintFields(b, "retire_connection_id", 1, &f.sequence)
}

// --- PATH_CHALLENGE / PATH_RESPONSE ---

const pathDataLength = 8

type pathChallengeFrame struct{ data [pathDataLength]byte }
type pathResponseFrame struct{ data [pathDataLength]byte }

func (f *pathChallengeFrame) encodedLen() int { return 1 + pathDataLength }
func (f *pathChallengeFrame) encode(b []byte) (int, error) {
	return encodePathFrame(b, frameTypePathChallenge, f.data)
}
func (f *pathChallengeFrame) decode(b []byte) (int, error) {
	return decodePathFrame(b, &f.data)
}

func (f *pathResponseFrame) encodedLen() int { return 1 + pathDataLength }
func (f *pathResponseFrame) encode(b []byte) (int, error) {
	return encodePathFrame(b, frameTypePathResponse, f.data)
}
func (f *pathResponseFrame) decode(b []byte) (int, error) {
	return decodePathFrame(b, &f.data)
}

func encodePathFrame(b []byte, typ byte, data [pathDataLength]byte) (int, error) {
	if len(b) < 1+pathDataLength {
		return 0, errShortBuffer
	}
	b[0] = typ
	copy(b[1:], data[:])
	return 1 + pathDataLength, nil
}

func decodePathFrame(b []byte, data *[pathDataLength]byte) (int, error) {
	if len(b) < 1+pathDataLength {
		return 0, newError(FrameEncodingError, "path frame")
	}
	copy(data[:], b[1:1+pathDataLength])
	return 1 + pathDataLength, nil
}

// --- CONNECTION_CLOSE ---

type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64 // only meaningful for the transport variant
	reasonPhrase []byte
}

func (f *connectionCloseFrame) frameTypeID() uint64 {
	if f.application {
		return frameTypeApplicationClose
	}
	return frameTypeConnectionClose
}

func (f *connectionCloseFrame) encodedLen() int {
	n := varintLen(f.frameTypeID()) + varintLen(f.errorCode)
	if !f.application {
		n += varintLen(f.frameType)
	}
	n += varintLen(uint64(len(f.reasonPhrase))) + len(f.reasonPhrase)
	return n
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	out := putFrameVarint(b[:0], f.frameTypeID())
	out = putFrameVarint(out, f.errorCode)
	if !f.application {
		out = putFrameVarint(out, f.frameType)
	}
	out = putFrameVarint(out, uint64(len(f.reasonPhrase)))
	out = append(out, f.reasonPhrase...)
	return len(out), nil
}

func (f *connectionCloseFrame) decode(b []byte) (int, error) {
	orig := b
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "connection_close type")
	}
	b = b[n:]
	f.application = typ == frameTypeApplicationClose
	n = getVarint(b, &f.errorCode)
	if n == 0 {
		return 0, newError(FrameEncodingError, "connection_close code")
	}
	b = b[n:]
	if !f.application {
		n = getVarint(b, &f.frameType)
		if n == 0 {
			return 0, newError(FrameEncodingError, "connection_close frame type")
		}
		b = b[n:]
	}
	var length uint64
	n = getVarint(b, &length)
	if n == 0 || uint64(len(b)-n) < length {
		return 0, newError(FrameEncodingError, "connection_close reason")
	}
	b = b[n:]
	f.reasonPhrase = copyBytes(b[:length])
	b = b[length:]
	return len(orig) - len(b), nil
}

func (f *connectionCloseFrame) String() string {
	return fmt.Sprintf("connection_close code=%d app=%v reason=%q", f.errorCode, f.application, f.reasonPhrase)
}

// decodeVarintFields decodes n varint fields from b, after skipping a
// skipType leading varints (1 to skip the frame type, 0 if absent).
func decodeVarintFields(b []byte, name string, skipType int, fields ...*uint64) (int, error) {
	orig := b
	for i := 0; i < skipType; i++ {
		n := skipVarint(b)
		if n == 0 {
			return 0, newErrorf(FrameEncodingError, "%s type", name)
		}
		b = b[n:]
	}
	for _, f := range fields {
		n := getVarint(b, f)
		if n == 0 {
			return 0, newErrorf(FrameEncodingError, "%s", name)
		}
		b = b[n:]
	}
	return len(orig) - len(b), nil
}

var errShortBuffer = newError(InternalError, "short buffer")

// encodeFrames writes frames in order into b, returning the total length.
func encodeFrames(b []byte, frames []frame) (int, error) {
	n := 0
	for _, f := range frames {
		m, err := f.encode(b[n:])
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}
