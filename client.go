package quic

import (
	"io"
	"strings"
)

// serverNameFromAddr strips the port from a host:port or [host]:port
// address string, for defaulting TLS.ServerName when the caller didn't set
// one explicitly.
func serverNameFromAddr(s string) string {
	colon := strings.LastIndex(s, ":")
	if colon > 0 {
		bracket := strings.LastIndex(s, "]")
		if colon > bracket {
			return strings.Trim(s[:colon], "[]")
		}
	}
	return s
}

// Client is a QUIC client endpoint: it may hold several outbound
// connections multiplexed over one UDP socket, matching the teacher CLI's
// quic.NewClient(config) / client.Connect(addr) shape.
type Client struct {
	*Endpoint
}

// NewClient creates a client endpoint with the given configuration.
func NewClient(cfg *Config) *Client {
	return &Client{Endpoint: newEndpoint(cfg, nil)}
}

// Connect dials addr, using its host portion as the TLS ServerName unless
// cfg.TLS.ServerName was already set explicitly.
func (cl *Client) Connect(addr string) error {
	name := cl.cfg.TLS.ServerName
	if name == "" {
		name = serverNameFromAddr(addr)
	}
	_, err := cl.Endpoint.Connect(name, addr)
	return err
}

// SetLogger installs the transaction logger at the given verbosity.
func (cl *Client) SetLogger(level int, w io.Writer) {
	cl.Endpoint.SetLogger(level, w)
}
