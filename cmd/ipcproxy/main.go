// Command ipcproxy is a demo CLI wiring a proxy client against a
// discovery+fixture-server pair. It exercises pkg/discovery, pkg/connmgr,
// pkg/remoteserver and pkg/proxyconn end to end over a real WebSocket.
//
// The "server" subcommand is a fixture standing in for the skeleton
// (server) side of the protocol, which is out of scope here: it exists
// only so "client" has something to connect to.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

var help = `
  Usage: ipcproxy [command] [--help]

  Commands:
    server - runs a fixture service-instance peer for "client" to connect to
    client - runs a proxy client against a discovery+server pair

  Read more:
    SPEC_FULL.md

`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	for {
		select {
		case <-sig:
			log.Printf("SIGINT received; cancelling main ctx")
		case <-ctx.Done():
		}
		signal.Stop(sig)
		cancel()
	}
}

func generatePidFile() {
	pid := []byte(strconv.Itoa(os.Getpid()))
	if err := ioutil.WriteFile("ipcproxy.pid", pid, 0644); err != nil {
		log.Fatal(err)
	}
}

func main() {
	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	flag.Bool("help", false, "")
	flag.Bool("h", false, "")
	flag.Usage = func() {}
	flag.Parse()

	args := flag.Args()

	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "server":
		go sigIntHandler(ctx, ctxCancel)
		runFixtureServer(ctx, args)
		log.Printf("Exiting fixture server")
	case "client":
		go sigIntHandler(ctx, ctxCancel)
		runClient(ctx, args)
		log.Printf("Exiting proxy client")
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

var commonHelp = `
    --pid Generate pid file in current working directory

    -v, Enable verbose logging

    --help, This help text
`
