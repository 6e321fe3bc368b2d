package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/logger"
	"golang.org/x/sys/unix"

	"github.com/midgardauto/ipcproxy/pkg/proxyconn"
	"github.com/midgardauto/ipcproxy/pkg/transport"
)

var serverHelp = `
  Usage: ipcproxy server [options]

  Runs a fixture peer that accepts WebSocket connections, replies to the
  ConnectionProxy handshake, and then just drains whatever packets
  arrive: standing in for the generated skeleton side of the protocol,
  which spec §1 places out of scope. Useful only to give "ipcproxy client"
  something to connect to.

  Options:

    --host, Defines the HTTP listening host (default 0.0.0.0).

    --port, -p, Defines the HTTP listening port (default 8080).

    --unix-socket, Listen on this unix-domain socket path instead of
    --host/--port, matching a UnicastAddress whose transport is a local
    socket rather than a TCP endpoint. Any stale file left behind by a
    prior crashed run at this path is unlinked before binding.
` + commonHelp

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func runFixtureServer(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)

	host := flags.String("host", "0.0.0.0", "")
	port := flags.Int("port", 8080, "")
	flags.IntVar(port, "p", 8080, "")
	unixSocket := flags.String("unix-socket", "", "")
	pid := flags.Bool("pid", false, "")
	verbose := flags.Bool("v", false, "")

	flags.Usage = func() {
		fmt.Fprint(os.Stderr, serverHelp)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}

	if *pid {
		generatePidFile()
	}

	logLevel := logger.LogLevelInfo
	if *verbose {
		logLevel = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logLevel),
		logger.WithPrefix("ipcproxy-server"),
	)
	if err != nil {
		log.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ipc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			lg.WLogErrorf("upgrade failed: %s", err)
			return
		}
		go serveFixtureConnection(lg.ForkLog(r.RemoteAddr), conn)
	})

	var ln net.Listener
	var addr string
	if *unixSocket != "" {
		addr = *unixSocket
		// Unlink a stale socket file from a prior crashed run before
		// binding.
		if err := unix.Unlink(*unixSocket); err != nil && !os.IsNotExist(err) {
			log.Fatalf("unlinking stale socket %s: %s", *unixSocket, err)
		}
		ln, err = net.Listen("unix", *unixSocket)
	} else {
		addr = fmt.Sprintf("%s:%d", *host, *port)
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		log.Fatal(err)
	}

	httpServer := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	lg.ILogf("fixture server listening on %s", addr)
	if err := httpServer.Serve(ln); err != nil && ctx.Err() == nil {
		lg.WLogErrorf("Serve: %s", err)
	}
}

// serveFixtureConnection replies to the ConnectionProxy handshake (spec
// §4.3) with a fixed ServerToClientMessage1, then reads packets until the
// peer disconnects, acknowledging nothing further: there is no generated
// skeleton dispatch behind this fixture, only spec §4.3's handshake
// contract.
func serveFixtureConnection(log logger.Logger, conn *websocket.Conn) {
	defer conn.Close()

	stream := transport.WrapWebsocket(conn)
	if err := proxyconn.RunFakeServerHandshakeForTest(stream); err != nil {
		log.WLogErrorf("handshake failed: %s", err)
		return
	}
	log.ILogf("handshake complete")

	h := transport.NewHandler(log, stream, transport.DefaultMaxEnqueuedPackets)
	for {
		pkt, err := h.ReadPacket()
		if err != nil {
			if transport.IsMalformed(err) {
				continue
			}
			log.DLogf("connection closed: %s", err)
			return
		}
		log.DLogf("received packet (%d bytes)", pkt.Len())
	}
}
