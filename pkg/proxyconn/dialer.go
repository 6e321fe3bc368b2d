package proxyconn

import (
	"context"
	"fmt"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
	"github.com/midgardauto/ipcproxy/pkg/transport"
)

// WebsocketDialer is the production Dialer: each ProvidedServiceInstance
// endpoint's UnicastAddress maps onto a ws:// URL, the way the teacher's
// client dials its server over a websocket (share/client.go).
type WebsocketDialer struct {
	// URLScheme defaults to "ws" if empty; set to "wss" to dial over TLS.
	URLScheme string
}

func (d WebsocketDialer) Dial(ctx context.Context, address ipcid.UnicastAddress) (DialedStream, error) {
	scheme := d.URLScheme
	if scheme == "" {
		scheme = "ws"
	}
	url := fmt.Sprintf("%s://%s/ipc", scheme, address)
	return transport.DialWebsocket(ctx, url)
}
