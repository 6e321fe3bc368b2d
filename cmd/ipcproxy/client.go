package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sammck-go/logger"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/internal/reactor"
	"github.com/midgardauto/ipcproxy/internal/trace"
	"github.com/midgardauto/ipcproxy/pkg/connmgr"
	"github.com/midgardauto/ipcproxy/pkg/discovery"
	"github.com/midgardauto/ipcproxy/pkg/proxyconn"
	"github.com/midgardauto/ipcproxy/pkg/remoteserver"
	"github.com/midgardauto/ipcproxy/pkg/router"
)

var clientHelp = `
  Usage: ipcproxy client [options]

  Requests the (service, instance, major, minor) instance described by
  the flags below, publishes it as reachable at --domain/--port in a
  local discovery.StaticRegistry, logs whether the connection was
  established within 10 seconds, and then runs until interrupted.

  Options:

    --service, --instance, --major, --minor, The ProvidedServiceInstance
    identifier to request (defaults 1.1.1.0).

    --integrity, Minimum peer integrity level required: qm, a, b, c, d
    (default qm).

    --domain, --port, The UnicastAddress the requested instance is
    published at (default 1:8080, matching the fixture server's
    default listen port).

    --client-id, This client's ClientId (default 1).

    --trace, Log every Request/Response/Notification/Subscribe message
    this proxy sends or receives, one debug-level line each (printed
    only together with -v).
` + commonHelp

func parseIntegrity(s string) (ipcid.IntegrityLevel, error) {
	switch s {
	case "", "qm", "QM":
		return ipcid.IntegrityLevelQM, nil
	case "a", "A":
		return ipcid.IntegrityLevelA, nil
	case "b", "B":
		return ipcid.IntegrityLevelB, nil
	case "c", "C":
		return ipcid.IntegrityLevelC, nil
	case "d", "D":
		return ipcid.IntegrityLevelD, nil
	default:
		return 0, fmt.Errorf("unrecognized --integrity %q", s)
	}
}

func runClient(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("client", flag.ContinueOnError)

	service := flags.Uint("service", 1, "")
	instance := flags.Uint("instance", 1, "")
	major := flags.Uint("major", 1, "")
	minor := flags.Uint("minor", 0, "")
	integrityFlag := flags.String("integrity", "qm", "")
	domain := flags.Uint("domain", 1, "")
	port := flags.Uint("port", 8080, "")
	clientID := flags.Uint("client-id", 1, "")
	pid := flags.Bool("pid", false, "")
	verbose := flags.Bool("v", false, "")
	traceMessages := flags.Bool("trace", false, "")

	flags.Usage = func() {
		fmt.Fprint(os.Stderr, clientHelp)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}

	if *pid {
		generatePidFile()
	}

	integrity, err := parseIntegrity(*integrityFlag)
	if err != nil {
		log.Fatal(err)
	}
	provided, err := ipcid.NewProvidedServiceInstanceID(
		ipcid.ServiceId(*service), ipcid.InstanceId(*instance),
		ipcid.MajorVersion(*major), ipcid.MinorVersion(*minor))
	if err != nil {
		log.Fatal(err)
	}
	address := ipcid.UnicastAddress{Domain: uint32(*domain), Port: uint32(*port)}

	logLevel := logger.LogLevelInfo
	if *verbose {
		logLevel = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logLevel),
		logger.WithPrefix("ipcproxy-client"),
	)
	if err != nil {
		log.Fatal(err)
	}

	r, err := reactor.New(lg.ForkLog("reactor"))
	if err != nil {
		log.Fatal(err)
	}
	reactorCtx, reactorCancel := context.WithCancel(ctx)
	defer reactorCancel()
	go func() {
		if err := r.Run(reactorCtx); err != nil && reactorCtx.Err() == nil {
			lg.WLogErrorf("reactor exited: %s", err)
		}
	}()

	var traceMonitor trace.Monitor = trace.NopMonitor{}
	if *traceMessages {
		traceMonitor = trace.NewLogMonitor(lg.ForkLog("trace"))
	}
	cm := connmgr.New(lg.ForkLog("connmgr"), r, proxyconn.WebsocketDialer{}, traceMonitor)
	rsm := remoteserver.NewManager(lg.ForkLog("remoteserver"), r, cm)
	sd := discovery.NewStaticRegistry(lg.ForkLog("discovery"))

	rs := rsm.RequestRemoteServer(provided, integrity)
	defer rsm.ReleaseRemoteServer(provided)

	required := ipcid.RequiredServiceInstanceID{InstanceAddressable: provided.InstanceAddressable}
	if err := sd.ListenService(required, func(ep ipcid.ProvidedServiceInstanceEndpoint, state discovery.ProvidedState) {
		switch state {
		case discovery.StateUp:
			rs.OnServiceInstanceUp(ep.Address)
		case discovery.StateDown:
			rs.OnServiceInstanceDown()
		}
	}); err != nil {
		log.Fatal(err)
	}
	defer sd.UnlistenService(required)

	// Publish stands in for whatever SD daemon client spec §6.2 treats as
	// an opaque collaborator; a real deployment's Listener implementation
	// would report this Up event on its own.
	sd.Publish(provided, address)
	defer sd.Withdraw(provided)

	clientRouter := router.NewRouter(ipcid.ClientId(*clientID))
	if err := rs.Request(ipcid.ClientId(*clientID), clientRouter); err != nil {
		log.Fatal(err)
	}
	defer rs.Release(ipcid.ClientId(*clientID))

	lg.ILogf("requesting %s at %s (integrity >= %s)", provided, address, integrity)
	if rs.WaitForConnectionEstablishment() {
		lg.ILogf("connected to %s", address)
	} else {
		lg.WLogErrorf("timed out waiting for connection to %s", address)
	}

	<-ctx.Done()
}
