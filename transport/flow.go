package transport

// flowControl tracks one direction (send or receive) of one flow-controlled
// entity (a stream or the connection as a whole), per §4.8: a max that
// doubles once half-consumed on the receive side, and a peer-advertised max
// that gates how much we may send.
type flowControl struct {
	// Receive side: how much we have told the peer it may send us.
	maxRecvData  uint64
	usedRecvData uint64
	initialMax   uint64

	// Send side: how much the peer has told us we may send.
	maxSendData  uint64
	usedSendData uint64

	blocked bool
}

func newFlowControl(initialMax uint64) flowControl {
	return flowControl{
		maxRecvData: initialMax,
		initialMax:  initialMax,
		maxSendData: 0,
	}
}

// onDataReceived records newDataUpTo (an absolute offset, monotonic) of
// data received, returning an error if it would exceed the advertised
// receive max (a FLOW_CONTROL_ERROR per §4.8's boundary case).
func (f *flowControl) onDataReceived(newDataUpTo uint64) error {
	if newDataUpTo > f.maxRecvData {
		return newError(FlowControlError, "flow control limit exceeded")
	}
	if newDataUpTo > f.usedRecvData {
		f.usedRecvData = newDataUpTo
	}
	return nil
}

// shouldUpdateMax reports whether more than half of the current window has
// been consumed, the trigger for doubling the window and scheduling a
// MAX_DATA/MAX_STREAM_DATA update, per §4.8.
func (f *flowControl) shouldUpdateMax() bool {
	return f.usedRecvData > f.maxRecvData/2
}

// updateMax doubles the receive window and returns the new value to
// advertise; callers are responsible for actually sending the frame.
func (f *flowControl) updateMax() uint64 {
	f.maxRecvData *= 2
	if f.maxRecvData == 0 {
		f.maxRecvData = f.initialMax
	}
	return f.maxRecvData
}

// onMaxDataReceived applies a peer-advertised send limit, ignoring
// decreases (the peer may only ever raise its offered limit).
func (f *flowControl) onMaxDataReceived(max uint64) {
	if max > f.maxSendData {
		f.maxSendData = max
		f.blocked = false
	}
}

// available returns how many more bytes may be sent before hitting the
// peer-advertised limit.
func (f *flowControl) available() uint64 {
	if f.usedSendData >= f.maxSendData {
		return 0
	}
	return f.maxSendData - f.usedSendData
}

// reserve records n bytes as sent against the send-side budget, setting
// blocked if the budget is now exhausted.
func (f *flowControl) reserve(n uint64) {
	f.usedSendData += n
	if f.usedSendData >= f.maxSendData {
		f.blocked = true
	}
}

// connFlow mirrors the same bookkeeping at the connection level, summed
// across all streams (§4.8: "connection-level mirror is maintained
// identically").
type connFlow = flowControl

func newConnFlow(initialMax uint64) connFlow {
	return newFlowControl(initialMax)
}
