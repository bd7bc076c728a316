package transport

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
)

// testCert returns a throwaway self-signed ECDSA certificate for driving a
// real crypto/tls handshake between two in-process connections.
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

// handshakePairForTest drives a client and server Conn to completion over
// an in-memory loop (no sockets), standing in for the engine's event loop
// for package-level tests.
func handshakePairForTest(t *testing.T) (*Conn, *Conn, error) {
	t.Helper()
	cert := testCert(t)
	serverCfg := DefaultConfig()
	serverCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	clientCfg := DefaultConfig()
	clientCfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}

	caddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}
	saddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}

	cconn, err := Connect("quince-test", saddr, clientCfg)
	if err != nil {
		return nil, nil, err
	}

	var sconn *Conn
	now := time.Now()
	for i := 0; i < 50; i++ {
		out := cconn.Send(now)
		if sconn == nil && len(out) > 0 {
			dcid, _, ok := PeekConnectionID(out[0], 8)
			if !ok {
				t.Fatalf("PeekConnectionID on first client flight failed")
			}
			sconn, err = Accept(dcid, dcid, caddr, serverCfg)
			if err != nil {
				return nil, nil, err
			}
		}
		for _, dgram := range out {
			if sconn != nil {
				sconn.Recv(dgram, caddr, now)
			}
		}
		if sconn != nil {
			for _, dgram := range sconn.Send(now) {
				cconn.Recv(dgram, saddr, now)
			}
		}
		if cconn.IsEstablished() && sconn != nil && sconn.IsEstablished() {
			break
		}
	}
	if !cconn.IsEstablished() || sconn == nil || !sconn.IsEstablished() {
		t.Fatalf("handshake did not complete: client=%v server=%v", cconn.IsEstablished(), sconn != nil && sconn.IsEstablished())
	}
	return cconn, sconn, nil
}

func TestHandshakeEstablishes(t *testing.T) {
	cs, ss, err := handshakePairForTest(t)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if cs.IsServer() {
		t.Fatalf("client conn reports IsServer() = true")
	}
	if !ss.IsServer() {
		t.Fatalf("server conn reports IsServer() = false")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	cs, ss, err := handshakePairForTest(t)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	cst, err := cs.OpenStream(true)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if !cst.Write([]byte("hello"), true) {
		t.Fatalf("Write reported blocked")
	}

	now := time.Now()
	caddr := cs.PeerAddr()
	saddr := ss.PeerAddr()
	var gotStreamID uint64 = ^uint64(0)
	for i := 0; i < 20; i++ {
		for _, dgram := range cs.Send(now) {
			ss.Recv(dgram, caddr, now)
		}
		for _, e := range ss.Events() {
			if e.Type == EventStreamReadable || e.Type == EventNewStream {
				gotStreamID = e.StreamID
			}
		}
		for _, dgram := range ss.Send(now) {
			cs.Recv(dgram, saddr, now)
		}
	}
	if gotStreamID == ^uint64(0) {
		t.Fatalf("server never observed stream readable/new-stream event")
	}
	sst, err := ss.Stream(gotStreamID)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	buf := make([]byte, 16)
	n, fin := sst.Read(buf)
	if string(buf[:n]) != "hello" || !fin {
		t.Fatalf("Read = %q, fin=%v; want %q, true", buf[:n], fin, "hello")
	}
}
