package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"

	"github.com/1ureka/peercall/internal/util"
)

// WAMPRouter is an embedded nexus router serving one realm over websockets.
type WAMPRouter struct {
	Router router.Router

	listener net.Listener
	http     *http.Server
}

// NewWAMPRouter creates a router with anonymous access to realm.
func NewWAMPRouter(realm string) (*WAMPRouter, error) {
	cfg := &router.Config{
		RealmConfigs: []*router.RealmConfig{
			{
				URI:           wamp.URI(realm),
				AnonymousAuth: true,
			},
		},
	}
	nxr, err := router.NewRouter(cfg, util.StdLogger{Prefix: "wamp-router"})
	if err != nil {
		return nil, fmt.Errorf("failed to create WAMP router: %w", err)
	}
	return &WAMPRouter{Router: nxr}, nil
}

// Start serves websocket clients on addr. Returns the assigned port number.
func (w *WAMPRouter) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start WAMP server: %w", err)
	}
	w.listener = listener
	w.http = &http.Server{Handler: router.NewWebsocketServer(w.Router)}
	port := listener.Addr().(*net.TCPAddr).Port

	go func() {
		if err := w.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("WAMP server stopped: %v", err)
		}
	}()
	return port, nil
}

// Close stops the websocket server and the router.
func (w *WAMPRouter) Close() {
	if w.http != nil {
		if err := w.http.Shutdown(context.Background()); err != nil {
			util.LogWarning("WAMP server shutdown: %v", err)
		}
	}
	w.Router.Close()
}
