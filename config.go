package quic

import (
	"crypto/tls"
	"time"

	"github.com/quince-io/quince/transport"
)

// Config carries the engine-wide and per-connection settings recognized by
// init(interface_name, conf) (§6.1). It is the application-facing
// configuration surface; toTransportConfig projects it into the
// transport.Config the connection engine actually consumes.
type Config struct {
	// TLS is cloned per connection (transport.Conn clones it again for the
	// client ServerName override), mirroring the teacher CLI's
	// config.TLS.ServerName / config.TLS.InsecureSkipVerify usage.
	TLS *tls.Config

	// Alpn lists the application-layer protocols offered during the
	// handshake, in preference order.
	Alpn []string

	Params transport.Parameters

	NumBuffers int

	ClientSCIDLength int
	ServerSCIDLength int

	IdleTimeout       time.Duration
	KeyUpdateInterval time.Duration

	EnableSpinBit          bool
	EnableUDPZeroChecksums bool
	EnableTLSKeyUpdates    bool
	EnableZeroLenCID       bool
	DisableMigration       bool
	RequireRetry           bool
	EnableTrace            bool

	// TicketStorePath, if set, persists and restores session tickets
	// across process runs, per §6.4.
	TicketStorePath string

	QLogPath string
}

// newConfig returns the engine defaults (§6.5), equivalent to
// transport.DefaultConfig, with TLS set to an empty tls.Config and Alpn
// and the ticket/qlog paths left empty for the caller to fill in.
func newConfig() *Config {
	def := transport.DefaultConfig()
	return &Config{
		TLS:                    &tls.Config{},
		Params:                 def.Params,
		NumBuffers:             def.NumBuffers,
		ClientSCIDLength:       def.ClientSCIDLength,
		ServerSCIDLength:       def.ServerSCIDLength,
		IdleTimeout:            def.Params.MaxIdleTimeout,
		KeyUpdateInterval:      def.KeyUpdateInterval,
		EnableSpinBit:          def.EnableSpinBit,
		EnableUDPZeroChecksums: def.EnableUDPZeroChecksums,
		EnableTLSKeyUpdates:    true,
	}
}

// NewConfig is the exported constructor for application callers building a
// Config from scratch rather than via a CLI flag set.
func NewConfig() *Config {
	return newConfig()
}

// toTransportConfig projects the engine config down to the transport-level
// Config a single transport.Conn needs.
func (c *Config) toTransportConfig() *transport.Config {
	params := c.Params
	params.MaxIdleTimeout = c.IdleTimeout
	params.DisableActiveMigration = c.DisableMigration
	keyUpdate := c.KeyUpdateInterval
	if !c.EnableTLSKeyUpdates {
		keyUpdate = 0
	}
	serverSCIDLength := c.ServerSCIDLength
	disableMigration := c.DisableMigration
	if c.EnableZeroLenCID {
		// A zero-length connection ID gives the receive path nothing to
		// demultiplex a new path on, so migration can't be validated.
		serverSCIDLength = 0
		disableMigration = true
	}
	return &transport.Config{
		TLSConfig:              c.tlsConfig(),
		Params:                 params,
		NumBuffers:             c.NumBuffers,
		ClientSCIDLength:       c.ClientSCIDLength,
		ServerSCIDLength:       serverSCIDLength,
		KeyUpdateInterval:      keyUpdate,
		EnableSpinBit:          c.EnableSpinBit,
		EnableUDPZeroChecksums: c.EnableUDPZeroChecksums,
		RequireRetry:           c.RequireRetry,
		DisableMigration:       disableMigration,
		EnableTrace:            c.EnableTrace,
	}
}

func (c *Config) tlsConfig() *tls.Config {
	var out *tls.Config
	if c.TLS != nil {
		out = c.TLS.Clone()
	} else {
		out = &tls.Config{}
	}
	if len(c.Alpn) > 0 && len(out.NextProtos) == 0 {
		out.NextProtos = c.Alpn
	}
	return out
}
