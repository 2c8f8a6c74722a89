package relay

import (
	"net"
	"net/http"
	"strings"
)

// ClientInfo identifies the origin of a message.
type ClientInfo struct {
	// ConnectionID is empty for request/response calls.
	ConnectionID string
	Address      string
	UserAgent    string
}

// ClientAddress returns the address of the client behind r. The first
// X-Forwarded-For hop is used only when trustProxy is set.
func ClientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			return real
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientInfoFrom builds the ClientInfo of r.
func ClientInfoFrom(r *http.Request, connectionID string, trustProxy bool) ClientInfo {
	return ClientInfo{
		ConnectionID: connectionID,
		Address:      ClientAddress(r, trustProxy),
		UserAgent:    r.UserAgent(),
	}
}
