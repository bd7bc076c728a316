package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/quince-io/quince"
	"github.com/quince-io/quince/transport"
)

func serverCommand(args []string) error {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:4433", "listen on the given IP:port")
	certFile := cmd.String("cert", "", "TLS certificate file (PEM)")
	keyFile := cmd.String("key", "", "TLS private key file (PEM)")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	alpn := cmd.String("alpn", "hq-interop", "accepted application protocol")
	requireRetry := cmd.Bool("retry", false, "set Config.RequireRetry (the engine sends no Retry either way)")
	cmd.Parse(args)

	if *certFile == "" || *keyFile == "" {
		fmt.Fprintln(cmd.Output(), "Usage: quince server -cert <file> -key <file> [options]")
		cmd.PrintDefaults()
		return nil
	}
	cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		return err
	}

	config := newConfig()
	config.TLS.Certificates = []tls.Certificate{cert}
	config.Alpn = []string{*alpn}
	config.RequireRetry = *requireRetry

	handler := &serverHandler{}
	server := quic.NewServer(config)
	server.SetHandler(handler)
	server.SetLogger(*logLevel, os.Stdout)
	if err := server.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	log.Printf("listening on %s", *listenAddr)
	select {}
}

// serverHandler echoes every byte it reads on a peer-initiated stream back
// to the sender, closing its own side once the peer signals FIN.
type serverHandler struct{}

func (s *serverHandler) Serve(c *quic.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case transport.EventNewStream, transport.EventStreamReadable:
			st, err := c.Stream(e.StreamID)
			if err != nil || st == nil {
				continue
			}
			buf := make([]byte, 4096)
			n, fin := st.Read(buf)
			if n > 0 {
				st.Write(buf[:n], fin)
			} else if fin {
				st.Write(nil, true)
			}
		case transport.EventError:
			log.Printf("%s connection error: %v", c.RemoteAddr(), e.Error)
		}
	}
}
