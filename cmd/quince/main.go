// Command quince is a reference QUIC client/server/stats CLI exercising
// the github.com/quince-io/quince engine, in the shape of the teacher
// repo's cmd/quince tool.
package main

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/quince-io/quince"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "client":
		err = clientCommand(os.Args[2:])
	case "server":
		err = serverCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "quince:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: quince <client|server|stats> [options]")
}

// newConfig returns engine defaults plus an empty TLS config, ready for a
// subcommand's flags to fill in.
func newConfig() *quic.Config {
	cfg := quic.NewConfig()
	cfg.TLS = &tls.Config{}
	return cfg
}
