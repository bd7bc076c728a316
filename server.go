package quic

// Server is a QUIC server endpoint: it binds a UDP socket, accepts inbound
// connections, and hands each one to the installed Handler as its events
// drain, matching the teacher CLI's quic.NewServer(config) shape.
type Server struct {
	*Endpoint
}

// NewServer creates a server endpoint with the given configuration.
func NewServer(cfg *Config) *Server {
	return &Server{Endpoint: newEndpoint(cfg, nil)}
}
