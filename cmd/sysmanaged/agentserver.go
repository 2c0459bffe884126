package main

import (
	"context"
	"encoding/pem"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/ca"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/conn"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/router"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// agentServer upgrades validated mTLS agent connections to WebSocket sessions
// and feeds every inbound frame to the router (spec.md §4.5, §4.6).
type agentServer struct {
	ca     *ca.CA
	hub    *conn.Hub
	router *router.Router
	log    *logging.Logger
}

// handleConnect is the handler mounted at the agent-facing listener's root.
// TLS termination requires a client certificate (tls.RequireAnyClientCert);
// this handler performs the application-level validation spec.md §4.2
// describes (issuer/subject equality, temporal validity) rather than relying
// on Go's chain-based client auth, since the CA is a single self-signed
// authority with no intermediate chain to walk.
func (a *agentServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	certDER := r.TLS.PeerCertificates[0].Raw
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	result := a.ca.ValidateClientCert(certPEM)
	if result == nil {
		http.Error(w, "invalid client certificate", http.StatusUnauthorized)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", "fqdn", result.FQDN, "error", err)
		return
	}

	// The request context is torn down once this handler returns, which
	// happens immediately after Upgrade hijacks the connection — messages
	// processed later on the read pump's goroutine must not inherit it.
	ipv4, ipv6 := splitClientIP(r.RemoteAddr)
	a.hub.Accept(c, result.FQDN, ipv4, ipv6, func(sess *conn.Session, data []byte) {
		a.router.Dispatch(context.Background(), sess, data)
	})
}

func splitClientIP(remoteAddr string) (ipv4, ipv6 string) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", ""
	}
	if ip.To4() != nil {
		return ip.String(), ""
	}
	return "", ip.String()
}
