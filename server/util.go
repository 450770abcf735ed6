package server

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/teranos/buntime/config"
)

// newUpgrader builds the upgrader for plugin-claimed connections.
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     checkOrigin,
	}
}

// checkOrigin admits same-host browsers, non-browser clients (no Origin
// header), and localhost during development. Cross-origin pages are
// rejected; deployments that need them should front the runtime with
// their own proxy policy.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// loopbackURL is the base URL workers and plugins use to call back into
// the runtime. Wildcard binds map to 127.0.0.1 so the advertised
// address is always dialable.
func loopbackURL(sc config.ServerConfig) string {
	host := sc.Host
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprintf("%d", sc.Port)))
}
