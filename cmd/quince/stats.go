package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gocarina/gocsv"
	"github.com/rs/xid"

	"github.com/quince-io/quince"
	"github.com/quince-io/quince/transport"
)

// statsRow is one CSV record describing a connection's lifetime counters,
// written via gocsv the way the teacher pack's m-lab-tcp-info tooling
// exports socket samples for offline analysis.
type statsRow struct {
	ID               string `csv:"id"`
	RemoteAddr       string `csv:"remote_addr"`
	Role             string `csv:"role"`
	PacketsInValid   uint64 `csv:"packets_in_valid"`
	PacketsInInvalid uint64 `csv:"packets_in_invalid"`
	PacketsOut       uint64 `csv:"packets_out"`
	PacketsOutLost   uint64 `csv:"packets_out_lost"`
	PacketsOutRTX    uint64 `csv:"packets_out_rtx"`
	RTTMillis        int64  `csv:"rtt_ms"`
}

func statsCommand(args []string) error {
	cmd := flag.NewFlagSet("stats", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:4433", "listen on the given IP:port")
	certFile := cmd.String("cert", "", "TLS certificate file (PEM)")
	keyFile := cmd.String("key", "", "TLS private key file (PEM)")
	out := cmd.String("out", "quince-stats.csv", "CSV file to write connection stats to on exit")
	cmd.Parse(args)

	if *certFile == "" || *keyFile == "" {
		fmt.Fprintln(cmd.Output(), "Usage: quince stats -cert <file> -key <file> [options]")
		cmd.PrintDefaults()
		return nil
	}
	cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		return err
	}

	config := newConfig()
	config.TLS.Certificates = []tls.Certificate{cert}

	rec := &statsRecorder{}
	server := quic.NewServer(config)
	server.SetHandler(rec)
	if err := server.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	log.Printf("collecting stats on %s, press Ctrl-C to write %s and exit", *listenAddr, *out)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	server.Close()
	return rec.writeCSV(*out)
}

// statsRecorder tags every accepted connection with a correlation ID on
// first sight and keeps its latest counters until the process exits.
type statsRecorder struct {
	mu   sync.Mutex
	ids  map[*quic.Conn]xid.ID
	rows map[xid.ID]statsRow
}

func (r *statsRecorder) Serve(c *quic.Conn, events []transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = make(map[*quic.Conn]xid.ID)
		r.rows = make(map[xid.ID]statsRow)
	}
	id, ok := r.ids[c]
	if !ok {
		id = xid.New()
		r.ids[c] = id
	}
	stats := c.Info()
	role := "server"
	if !c.IsServer() {
		role = "client"
	}
	r.rows[id] = statsRow{
		ID:               id.String(),
		RemoteAddr:       c.RemoteAddr().String(),
		Role:             role,
		PacketsInValid:   stats.PacketsInValid,
		PacketsInInvalid: stats.PacketsInInvalid,
		PacketsOut:       stats.PacketsOut,
		PacketsOutLost:   stats.PacketsOutLost,
		PacketsOutRTX:    stats.PacketsOutRTX,
		RTTMillis:        stats.RTT.Milliseconds(),
	}
}

func (r *statsRecorder) writeCSV(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make([]*statsRow, 0, len(r.rows))
	for _, row := range r.rows {
		row := row
		rows = append(rows, &row)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gocsv.MarshalFile(rows, f)
}
