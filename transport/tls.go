package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/tls"
)

// initialSalt is the version-specific salt used to derive Initial secrets,
// per draft-ietf-quic-tls's key derivation for this draft.
var initialSalt = []byte{
	0xc3, 0xee, 0xf7, 0x12, 0xc7, 0x2e, 0xbb, 0x5a,
	0x11, 0xa7, 0xd2, 0x43, 0x2b, 0xb4, 0x63, 0x65,
	0xbe, 0xf9, 0xf5, 0x02,
}

// epochKeys holds the derived AEAD and header-protection state for one
// direction of one epoch. A 1-RTT space carries two of these (current and
// next key phase); Initial/Handshake/0-RTT carry one each.
type epochKeys struct {
	readSecret, writeSecret []byte

	readAEAD, writeAEAD cipher.AEAD
	readIV, writeIV     []byte
	readHP, writeHP     cipher.Block

	readSet, writeSet bool
}

func aeadFromKey(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (e *epochKeys) installRead(secret []byte) error {
	key, iv, hp, err := deriveKeys(secret)
	if err != nil {
		return err
	}
	e.readSecret = secret
	e.readAEAD, _ = aeadFromKey(key)
	e.readIV = iv
	e.readHP, _ = aes.NewCipher(hp)
	e.readSet = true
	return nil
}

func (e *epochKeys) installWrite(secret []byte) error {
	key, iv, hp, err := deriveKeys(secret)
	if err != nil {
		return err
	}
	e.writeSecret = secret
	e.writeAEAD, _ = aeadFromKey(key)
	e.writeIV = iv
	e.writeHP, _ = aes.NewCipher(hp)
	e.writeSet = true
	return nil
}

func deriveKeys(secret []byte) (key, iv, hp []byte, err error) {
	key, iv, hp = quicKeyIVHP(secret, 16, 12)
	return key, iv, hp, nil
}

func deriveInitialSecrets(dcid []byte) (clientSecret, serverSecret []byte) {
	initialSecret := hkdfExtract(initialSalt, dcid)
	clientSecret = hkdfExpandLabel(initialSecret, "client in", nil, 32)
	serverSecret = hkdfExpandLabel(initialSecret, "server in", nil, 32)
	return clientSecret, serverSecret
}

// nextKeyPhaseSecret implements the "traffic upd" key update derivation
// (§4.10): the next generation's secret is derived from the current one,
// independent of any handshake-transcript state.
func nextKeyPhaseSecret(current []byte) []byte {
	return hkdfExpandLabel(current, "traffic upd", nil, len(current))
}

// handshakeSink is the callback surface the connection state machine drives
// the TLS handshake through, modeled directly on crypto/tls's QUICConn
// event loop (QUICSetReadSecret/QUICSetWriteSecret/QUICWriteData/
// QUICTransportParameters/QUICHandshakeDone), which is this draft's
// "update_traffic_key" callback made concrete in the standard library.
type handshakeSink interface {
	advance() error
	provideData(level tls.QUICEncryptionLevel, data []byte) error
	setTransportParameters(params []byte)
	connectionState() tls.ConnectionState
}

// tlsHandshake drives a crypto/tls.QUICConn and dispatches its events into
// per-epoch key installation and CRYPTO-frame output, implementing
// handshakeSink.
type tlsHandshake struct {
	conn *tls.QUICConn

	onWriteData  func(level tls.QUICEncryptionLevel, data []byte)
	onSetReadSecret  func(level tls.QUICEncryptionLevel, suite uint16, secret []byte)
	onSetWriteSecret func(level tls.QUICEncryptionLevel, suite uint16, secret []byte)
	onTransportParameters func(params []byte)
	onHandshakeDone func()
	onRejectedEarlyData func()

	started bool
	done    bool
}

func newClientHandshake(quicCfg *tls.QUICConfig) *tlsHandshake {
	return &tlsHandshake{conn: tls.QUICClient(quicCfg)}
}

func newServerHandshake(quicCfg *tls.QUICConfig) *tlsHandshake {
	return &tlsHandshake{conn: tls.QUICServer(quicCfg)}
}

func (h *tlsHandshake) setTransportParameters(params []byte) {
	h.conn.SetTransportParameters(params)
}

func (h *tlsHandshake) provideData(level tls.QUICEncryptionLevel, data []byte) error {
	return h.conn.HandleData(level, data)
}

// advance pumps crypto/tls's QUIC event queue, dispatching each event to
// the connection's installed handlers, until no event remains. The
// connection calls this after Start and after every provideData.
func (h *tlsHandshake) advance() error {
	for {
		ev := h.conn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret:
			if h.onSetReadSecret != nil {
				h.onSetReadSecret(ev.Level, ev.Suite, ev.Data)
			}
		case tls.QUICSetWriteSecret:
			if h.onSetWriteSecret != nil {
				h.onSetWriteSecret(ev.Level, ev.Suite, ev.Data)
			}
		case tls.QUICWriteData:
			if h.onWriteData != nil {
				h.onWriteData(ev.Level, ev.Data)
			}
		case tls.QUICTransportParameters:
			if h.onTransportParameters != nil {
				h.onTransportParameters(ev.Data)
			}
		case tls.QUICHandshakeDone:
			h.done = true
			if h.onHandshakeDone != nil {
				h.onHandshakeDone()
			}
		case tls.QUICRejectedEarlyData:
			if h.onRejectedEarlyData != nil {
				h.onRejectedEarlyData()
			}
		case tls.QUICTransportParametersRequired:
			// the caller must have already set local parameters before Start;
			// nothing further to do here.
		}
	}
}

func (h *tlsHandshake) start() error {
	if h.started {
		return nil
	}
	h.started = true
	return h.conn.Start(nil)
}

func (h *tlsHandshake) connectionState() tls.ConnectionState {
	return h.conn.ConnectionState()
}

func (h *tlsHandshake) isDone() bool { return h.done }

// headerProtectionMask computes the mask (one cipher block, of which the
// first 5 bytes are applied) from a header-protection block cipher and a
// sample of ciphertext, per draft-ietf-quic-tls §5.4.1's
// AES-based construction (this implementation only negotiates AES-GCM
// suites, so the ChaCha20 variant is not needed).
func headerProtectionMask(block cipher.Block, sample []byte) []byte {
	mask := make([]byte, block.BlockSize())
	block.Encrypt(mask, sample)
	return mask
}

// quicEncryptionLevel maps a packetSpace to crypto/tls's QUIC level enum.
func quicEncryptionLevel(s packetSpace) tls.QUICEncryptionLevel {
	switch s {
	case packetSpaceInitial:
		return tls.QUICEncryptionLevelInitial
	case packetSpaceHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}
