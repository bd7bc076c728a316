package transport

import "time"

// Transport parameter ids, as exchanged in the quic_transport_parameters
// TLS extension (type 0xffa5 for this draft).
const (
	paramOriginalDestinationCID  = 0x00
	paramIdleTimeout             = 0x01
	paramStatelessResetToken     = 0x02
	paramMaxUDPPayloadSize       = 0x03
	paramInitialMaxData          = 0x04
	paramInitialMaxStreamDataBL  = 0x05 // bidi local
	paramInitialMaxStreamDataBR  = 0x06 // bidi remote
	paramInitialMaxStreamDataU   = 0x07 // uni
	paramInitialMaxStreamsBidi   = 0x08
	paramInitialMaxStreamsUni    = 0x09
	paramAckDelayExponent        = 0x0a
	paramMaxAckDelay             = 0x0b
	paramDisableActiveMigration  = 0x0c
	paramPreferredAddress        = 0x0d
	paramActiveConnectionIDLimit = 0x0e
	paramInitialSourceCID        = 0x0f
	paramRetrySourceCID          = 0x10
)

const (
	defaultAckDelayExponent = 3
	maxAckDelayExponent     = 20
	defaultMaxAckDelayMs    = 25
	maxMaxAckDelayMs        = 1 << 14
	minMaxUDPPayloadSize    = 1200
)

// Parameters holds one side's transport parameters: the values each
// endpoint advertises to the other during the handshake (§6.3).
type Parameters struct {
	OriginalDestinationCID []byte
	MaxIdleTimeout         time.Duration
	StatelessResetToken    []byte
	MaxUDPPayloadSize      uint64
	InitialMaxData         uint64

	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64

	InitialMaxStreamsBidi uint64
	InitialMaxStreamsUni  uint64

	AckDelayExponent uint64
	MaxAckDelay      time.Duration

	DisableActiveMigration bool

	PreferredAddressSet  bool
	PreferredAddressIPv4 [4]byte
	PreferredAddressPort uint16
	PreferredAddressCID  []byte
	PreferredAddressSRT  [StatelessResetTokenLength]byte

	ActiveConnectionIDLimit uint64

	InitialSourceCID []byte
	RetrySourceCID   []byte
}

// DefaultParameters returns the engine-level defaults from §6.5.
func DefaultParameters() Parameters {
	return Parameters{
		MaxIdleTimeout:                 10 * time.Second,
		MaxUDPPayloadSize:              MaxDatagramSize,
		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  512 * 1024,
		InitialMaxStreamDataBidiRemote: 256 * 1024,
		InitialMaxStreamDataUni:        256 * 1024,
		InitialMaxStreamsBidi:          16,
		InitialMaxStreamsUni:           32,
		AckDelayExponent:               defaultAckDelayExponent,
		MaxAckDelay:                    defaultMaxAckDelayMs * time.Millisecond,
		ActiveConnectionIDLimit:        4,
	}
}

func appendParam(b []byte, id uint64, value []byte) []byte {
	tmp := make([]byte, 8)
	b = append(b, tmp[:putVarint(tmp, id)]...)
	b = append(b, tmp[:putVarint(tmp, uint64(len(value)))]...)
	return append(b, value...)
}

func appendVarintParam(b []byte, id uint64, value uint64) []byte {
	tmp := make([]byte, 8)
	n := putVarint(tmp, value)
	return appendParam(b, id, tmp[:n])
}

// marshal encodes p as a sequence of id|length|value records.
func (p *Parameters) marshal() []byte {
	b := make([]byte, 0, 256)
	if len(p.OriginalDestinationCID) > 0 {
		b = appendParam(b, paramOriginalDestinationCID, p.OriginalDestinationCID)
	}
	if p.MaxIdleTimeout > 0 {
		b = appendVarintParam(b, paramIdleTimeout, uint64(p.MaxIdleTimeout/time.Millisecond))
	}
	if len(p.StatelessResetToken) == StatelessResetTokenLength {
		b = appendParam(b, paramStatelessResetToken, p.StatelessResetToken)
	}
	if p.MaxUDPPayloadSize > 0 {
		b = appendVarintParam(b, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	}
	b = appendVarintParam(b, paramInitialMaxData, p.InitialMaxData)
	b = appendVarintParam(b, paramInitialMaxStreamDataBL, p.InitialMaxStreamDataBidiLocal)
	b = appendVarintParam(b, paramInitialMaxStreamDataBR, p.InitialMaxStreamDataBidiRemote)
	b = appendVarintParam(b, paramInitialMaxStreamDataU, p.InitialMaxStreamDataUni)
	b = appendVarintParam(b, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	b = appendVarintParam(b, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	if p.AckDelayExponent != defaultAckDelayExponent {
		b = appendVarintParam(b, paramAckDelayExponent, p.AckDelayExponent)
	}
	if p.MaxAckDelay > 0 && p.MaxAckDelay != defaultMaxAckDelayMs*time.Millisecond {
		b = appendVarintParam(b, paramMaxAckDelay, uint64(p.MaxAckDelay/time.Millisecond))
	}
	if p.DisableActiveMigration {
		b = appendParam(b, paramDisableActiveMigration, nil)
	}
	if p.ActiveConnectionIDLimit > 0 {
		b = appendVarintParam(b, paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	}
	if p.InitialSourceCID != nil {
		b = appendParam(b, paramInitialSourceCID, p.InitialSourceCID)
	}
	if len(p.RetrySourceCID) > 0 {
		b = appendParam(b, paramRetrySourceCID, p.RetrySourceCID)
	}
	return b
}

// unmarshalParameters decodes the TLS extension body into Parameters.
// Unknown ids in [0xff00, 0xffff] are private/grease and ignored; any
// other unknown id, or a duplicate of any id, is a TRANSPORT_PARAMETER_ERROR.
func unmarshalParameters(b []byte) (*Parameters, error) {
	p := &Parameters{}
	seen := make(map[uint64]bool)
	for len(b) > 0 {
		var id, length uint64
		n := getVarint(b, &id)
		if n == 0 {
			return nil, newError(TransportParameterError, "truncated parameter id")
		}
		b = b[n:]
		n = getVarint(b, &length)
		if n == 0 {
			return nil, newError(TransportParameterError, "truncated parameter length")
		}
		b = b[n:]
		if uint64(len(b)) < length {
			return nil, newError(TransportParameterError, "truncated parameter value")
		}
		value := b[:length]
		b = b[length:]

		if seen[id] {
			return nil, newError(TransportParameterError, "duplicate parameter")
		}
		seen[id] = true

		switch id {
		case paramOriginalDestinationCID:
			p.OriginalDestinationCID = copyBytes(value)
		case paramIdleTimeout:
			v, ok := decodeVarintParam(value)
			if !ok {
				return nil, newError(TransportParameterError, "idle_timeout")
			}
			p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case paramStatelessResetToken:
			if len(value) != StatelessResetTokenLength {
				return nil, newError(TransportParameterError, "stateless_reset_token")
			}
			p.StatelessResetToken = copyBytes(value)
		case paramMaxUDPPayloadSize:
			v, ok := decodeVarintParam(value)
			if !ok || v < minMaxUDPPayloadSize {
				return nil, newError(TransportParameterError, "max_udp_payload_size")
			}
			p.MaxUDPPayloadSize = v
		case paramInitialMaxData:
			v, ok := decodeVarintParam(value)
			if !ok {
				return nil, newError(TransportParameterError, "initial_max_data")
			}
			p.InitialMaxData = v
		case paramInitialMaxStreamDataBL:
			v, ok := decodeVarintParam(value)
			if !ok {
				return nil, newError(TransportParameterError, "initial_max_stream_data_bidi_local")
			}
			p.InitialMaxStreamDataBidiLocal = v
		case paramInitialMaxStreamDataBR:
			v, ok := decodeVarintParam(value)
			if !ok {
				return nil, newError(TransportParameterError, "initial_max_stream_data_bidi_remote")
			}
			p.InitialMaxStreamDataBidiRemote = v
		case paramInitialMaxStreamDataU:
			v, ok := decodeVarintParam(value)
			if !ok {
				return nil, newError(TransportParameterError, "initial_max_stream_data_uni")
			}
			p.InitialMaxStreamDataUni = v
		case paramInitialMaxStreamsBidi:
			v, ok := decodeVarintParam(value)
			if !ok {
				return nil, newError(TransportParameterError, "initial_max_streams_bidi")
			}
			p.InitialMaxStreamsBidi = v
		case paramInitialMaxStreamsUni:
			v, ok := decodeVarintParam(value)
			if !ok {
				return nil, newError(TransportParameterError, "initial_max_streams_uni")
			}
			p.InitialMaxStreamsUni = v
		case paramAckDelayExponent:
			v, ok := decodeVarintParam(value)
			if !ok || v > maxAckDelayExponent {
				return nil, newError(TransportParameterError, "ack_delay_exponent")
			}
			p.AckDelayExponent = v
		case paramMaxAckDelay:
			v, ok := decodeVarintParam(value)
			if !ok || v >= maxMaxAckDelayMs {
				return nil, newError(TransportParameterError, "max_ack_delay")
			}
			p.MaxAckDelay = time.Duration(v) * time.Millisecond
		case paramDisableActiveMigration:
			if len(value) != 0 {
				return nil, newError(TransportParameterError, "disable_active_migration")
			}
			p.DisableActiveMigration = true
		case paramPreferredAddress:
			// IPv4-only per the spec's Non-goals; accept and ignore the
			// IPv6 half of the encoding, retaining only the v4 fields.
			if len(value) < 4+2+1+StatelessResetTokenLength {
				return nil, newError(TransportParameterError, "preferred_address")
			}
			copy(p.PreferredAddressIPv4[:], value[:4])
			p.PreferredAddressPort = uint16(value[4])<<8 | uint16(value[5])
			p.PreferredAddressSet = true
		case paramActiveConnectionIDLimit:
			v, ok := decodeVarintParam(value)
			if !ok || v < 2 {
				return nil, newError(TransportParameterError, "active_connection_id_limit")
			}
			p.ActiveConnectionIDLimit = v
		case paramInitialSourceCID:
			p.InitialSourceCID = copyBytes(value)
		case paramRetrySourceCID:
			p.RetrySourceCID = copyBytes(value)
		default:
			if id < 0xff00 || id > 0xffff {
				return nil, newError(TransportParameterError, "unknown parameter")
			}
			// private/grease, ignored
		}
	}
	if p.AckDelayExponent == 0 {
		p.AckDelayExponent = defaultAckDelayExponent
	}
	if p.MaxAckDelay == 0 {
		p.MaxAckDelay = defaultMaxAckDelayMs * time.Millisecond
	}
	return p, nil
}

func decodeVarintParam(b []byte) (uint64, bool) {
	var v uint64
	n := getVarint(b, &v)
	if n == 0 || n != len(b) {
		return 0, false
	}
	return v, true
}
