package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/quince-io/quince"
	"github.com/quince-io/quince/transport"
)

func clientCommand(args []string) error {
	cmd := flag.NewFlagSet("client", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:0", "listen on the given IP:port")
	insecure := cmd.Bool("insecure", false, "skip verifying server certificate")
	data := cmd.String("data", "GET /\r\n", "sending data")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	alpn := cmd.String("alpn", "hq-interop", "application protocol to offer")
	ticketPath := cmd.String("tickets", "", "session ticket cache file (enables 0-RTT resumption)")
	cmd.Parse(args)

	addr := cmd.Arg(0)
	if addr == "" {
		fmt.Fprintln(cmd.Output(), "Usage: quince client [options] <address>")
		cmd.PrintDefaults()
		return nil
	}
	config := newConfig()
	config.TLS.ServerName = serverNameOf(addr)
	config.TLS.InsecureSkipVerify = *insecure
	config.Alpn = []string{*alpn}
	config.TicketStorePath = *ticketPath

	handler := &clientHandler{data: *data}
	client := quic.NewClient(config)
	client.SetHandler(handler)
	client.SetLogger(*logLevel, os.Stdout)
	if err := client.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	handler.wg.Add(1)
	if err := client.Connect(addr); err != nil {
		return err
	}
	handler.wg.Wait()
	return client.Close()
}

type clientHandler struct {
	wg   sync.WaitGroup
	data string
	once sync.Once
}

func (s *clientHandler) Serve(c *quic.Conn, events []transport.Event) {
	for _, e := range events {
		log.Printf("%s connection event: %v", c.RemoteAddr(), e.Type)
		switch e.Type {
		case transport.EventEstablished:
			s.once.Do(func() {
				st, err := c.NewStream(true)
				if err != nil {
					log.Printf("open stream: %v", err)
					return
				}
				st.Write([]byte(s.data), true)
			})
		case transport.EventStreamReadable:
			st, err := c.Stream(e.StreamID)
			if err != nil || st == nil {
				continue
			}
			buf := make([]byte, 512)
			n, _ := st.Read(buf)
			if n > 0 {
				log.Printf("stream %d received:\n%s", e.StreamID, buf[:n])
			}
		case transport.EventClosed:
			s.wg.Done()
		}
	}
}

func serverNameOf(addr string) string {
	colon := strings.LastIndex(addr, ":")
	if colon > 0 {
		bracket := strings.LastIndex(addr, "]")
		if colon > bracket {
			return strings.Trim(addr[:colon], "[]")
		}
	}
	return addr
}
