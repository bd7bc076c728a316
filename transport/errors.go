package transport

import "fmt"

// ErrorCode is a QUIC transport error code, as sent on the wire in
// CONNECTION_CLOSE frames and exposed to applications via Event.Error.
//
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-20
type ErrorCode uint64

// Transport error codes recognized by this implementation.
const (
	NoError                  ErrorCode = 0x0
	InternalError            ErrorCode = 0x1
	ConnectionRefused        ErrorCode = 0x2
	FlowControlError         ErrorCode = 0x3
	StreamIDError            ErrorCode = 0x4
	StreamStateError         ErrorCode = 0x5
	FinalSizeError           ErrorCode = 0x6
	FrameEncodingError       ErrorCode = 0x7
	TransportParameterError  ErrorCode = 0x8
	ConnectionIDLimitError   ErrorCode = 0x9
	ProtocolViolation        ErrorCode = 0xa
	InvalidToken             ErrorCode = 0xb
	ApplicationError         ErrorCode = 0xc
	CryptoBufferExceeded     ErrorCode = 0xd
	// tlsAlertErrorBase is ORed with a TLS alert description to form a
	// CRYPTO_ERROR (0x0100-0x01ff).
	tlsAlertErrorBase ErrorCode = 0x100
)

func tlsAlertError(alert uint8) ErrorCode {
	return tlsAlertErrorBase | ErrorCode(alert)
}

func errorCodeString(code uint64) string {
	switch ErrorCode(code) {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ConnectionRefused:
		return "connection_refused"
	case FlowControlError:
		return "flow_control_error"
	case StreamIDError:
		return "stream_id_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalSizeError:
		return "final_size_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ConnectionIDLimitError:
		return "connection_id_limit_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvalidToken:
		return "invalid_token"
	case ApplicationError:
		return "application_error"
	case CryptoBufferExceeded:
		return "crypto_buffer_exceeded"
	}
	if code >= uint64(tlsAlertErrorBase) && code <= uint64(tlsAlertErrorBase)+0xff {
		return fmt.Sprintf("crypto_error(0x%x)", code)
	}
	return fmt.Sprintf("unknown_error(0x%x)", code)
}

// quicError is an error that carries a wire-visible transport or
// application error code, and optionally the frame type that triggered it.
type quicError struct {
	code      ErrorCode
	app       bool
	frameType uint64
	reason    string
}

func (e *quicError) Error() string {
	if e.reason == "" {
		return errorCodeString(uint64(e.code))
	}
	return errorCodeString(uint64(e.code)) + ": " + e.reason
}

func newError(code ErrorCode, reason string) error {
	return &quicError{code: code, reason: reason}
}

func newErrorf(code ErrorCode, format string, args ...interface{}) error {
	return &quicError{code: code, reason: fmt.Sprintf(format, args...)}
}

func appError(code uint64, reason string) error {
	return &quicError{code: ErrorCode(code), app: true, reason: reason}
}

// asQUICError extracts the wire error code carried by err, defaulting to
// InternalError for errors this package did not originate.
func asQUICError(err error) *quicError {
	if e, ok := err.(*quicError); ok {
		return e
	}
	return &quicError{code: InternalError, reason: err.Error()}
}

func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}
