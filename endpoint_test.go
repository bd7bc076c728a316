package quic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quince-io/quince/transport"
)

func testCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "quince-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"quince-test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// runEndpointOnPipe starts ep's event loop against an in-memory socket
// instead of a real UDP listener, bypassing ListenAndServe's platform-
// specific bind.
func runEndpointOnPipe(ep *Endpoint, sock Socket) {
	ep.socket = sock
	ep.wg.Add(1)
	go ep.loop()
}

func newTestPair(t *testing.T) (client *Endpoint, server *Endpoint, caddr, saddr net.Addr) {
	t.Helper()
	caddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}
	saddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
	cSock, sSock := NewPipe(caddr, saddr)

	serverCfg := newConfig()
	serverCfg.TLS = &tls.Config{Certificates: []tls.Certificate{testCert(t)}}
	server = newEndpoint(serverCfg, nil)
	runEndpointOnPipe(server, sSock)

	clientCfg := newConfig()
	clientCfg.TLS = &tls.Config{InsecureSkipVerify: true}
	client = newEndpoint(clientCfg, nil)
	runEndpointOnPipe(client, cSock)

	return client, server, caddr, saddr
}

func TestEndpointConnectAndAccept(t *testing.T) {
	client, server, _, saddr := newTestPair(t)
	defer client.Close()
	defer server.Close()

	established := make(chan struct{})
	server.SetHandler(HandlerFunc(func(c *Conn, events []transport.Event) {
		for _, e := range events {
			if e.Type == transport.EventEstablished {
				select {
				case established <- struct{}{}:
				default:
				}
			}
		}
	}))

	c, err := client.Connect("quince-test", saddr.String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-established:
	case <-time.After(5 * time.Second):
		t.Fatalf("server never observed handshake completion")
	}
	if c.IsClosed() {
		t.Fatalf("client connection closed unexpectedly")
	}
}

func TestEndpointStreamEcho(t *testing.T) {
	client, server, _, saddr := newTestPair(t)
	defer client.Close()
	defer server.Close()

	echoed := make(chan string, 1)
	server.SetHandler(HandlerFunc(func(c *Conn, events []transport.Event) {
		for _, e := range events {
			if e.Type != transport.EventNewStream && e.Type != transport.EventStreamReadable {
				continue
			}
			st, err := c.Stream(e.StreamID)
			if err != nil || st == nil {
				continue
			}
			buf := make([]byte, 64)
			n, fin := st.Read(buf)
			if n > 0 || fin {
				st.Write(buf[:n], fin)
			}
		}
	}))

	var gotReply string
	done := make(chan struct{})
	client.SetHandler(HandlerFunc(func(c *Conn, events []transport.Event) {
		for _, e := range events {
			switch e.Type {
			case transport.EventEstablished:
				st, err := c.NewStream(true)
				if err != nil {
					t.Errorf("NewStream: %v", err)
					continue
				}
				st.Write([]byte("ping"), true)
			case transport.EventStreamReadable:
				st, err := c.Stream(e.StreamID)
				if err != nil || st == nil {
					continue
				}
				buf := make([]byte, 64)
				n, fin := st.Read(buf)
				if fin {
					gotReply = string(buf[:n])
					close(done)
				}
			}
		}
	}))

	if _, err := client.Connect("quince-test", saddr.String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("never received echoed stream data")
	}
	if gotReply != "ping" {
		t.Fatalf("echoed data = %q, want %q", gotReply, "ping")
	}
}
