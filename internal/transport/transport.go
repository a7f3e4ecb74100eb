// Package transport binds the hub's method surface to the network: WebSocket
// and SSE for push, HTTP polling for restricted clients, and outbound
// webhooks for server-to-server delivery.
package transport

import (
	"crypto/x509"
	"net/http"
	"strings"

	"github.com/cauce-dev/cauce-hub/internal/auth"
	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

// Registrar is implemented by every inbound transport.
type Registrar interface {
	Name() string
	Register(mux *http.ServeMux, prefix string)
}

// credsFromRequest extracts transport-level credentials: bearer token from
// the Authorization header, API key from X-API-Key, and the mTLS peer
// certificate when TLS termination happened in-process.
func credsFromRequest(r *http.Request) auth.Credentials {
	creds := auth.Credentials{
		APIKey: r.Header.Get("X-API-Key"),
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		creds.BearerToken = strings.TrimPrefix(h, "Bearer ")
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		creds.PeerCert = firstCert(r.TLS.PeerCertificates)
	}
	return creds
}

func firstCert(certs []*x509.Certificate) *x509.Certificate {
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

// signalNotification frames a delivery as the cauce.signal notification sent
// hub-to-client on the WebSocket transport. SSE and webhooks carry the bare
// delivery object instead.
func signalNotification(d *protocol.SignalDelivery) ([]byte, error) {
	msg, err := protocol.NewNotification(protocol.MethodSignal, d)
	if err != nil {
		return nil, err
	}
	return msg.Encode()
}
