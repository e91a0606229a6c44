package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderXRequestID is the header name for request ID.
	HeaderXRequestID = "X-Request-ID"
	// HeaderXForwardedFor is the header name for forwarded client IP.
	HeaderXForwardedFor = "X-Forwarded-For"
	// HeaderXRealIP is the header name for real client IP.
	HeaderXRealIP = "X-Real-IP"
)

// requestIDMaxLength is the maximum length for a valid request ID.
const requestIDMaxLength = 128

var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

// RequestID tags each request with an ID, reusing a well-formed incoming
// X-Request-ID and generating a UUID otherwise.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderXRequestID)
			if !isValidRequestID(requestID) {
				requestID = uuid.NewString()
			}

			w.Header().Set(HeaderXRequestID, requestID)
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isValidRequestID(id string) bool {
	if id == "" || len(id) > requestIDMaxLength {
		return false
	}
	return validRequestIDRegex.MatchString(id)
}

// proxySet holds the peers whose forwarding headers are believed. An empty
// set believes nobody.
type proxySet []netip.Prefix

// newProxySet parses addresses and CIDR ranges. Entries that are neither
// are skipped.
func newProxySet(proxies []string) proxySet {
	set := make(proxySet, 0, len(proxies))
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if prefix, err := netip.ParsePrefix(p); err == nil {
			set = append(set, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(p); err == nil {
			addr = addr.Unmap()
			set = append(set, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return set
}

func (s proxySet) trusts(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range s {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP stores the client address in the request context. Forwarding
// headers are honored only when trustProxy is set and the peer is one of
// trustedProxies.
func ClientIP(trustProxy bool, trustedProxies []string) Middleware {
	trusted := newProxySet(trustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ClientIPKey, extractClientIP(r, trustProxy, trusted))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractClientIP resolves the client address. X-Forwarded-For is walked
// from the right and the first hop that is not a trusted proxy wins, since
// everything left of it was written by the client. A hop that does not
// parse ends the walk at the last trusted address.
func extractClientIP(r *http.Request, trustProxy bool, trusted proxySet) string {
	remoteIP := extractIPFromAddr(r.RemoteAddr)
	if !trustProxy || !trusted.trusts(remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Values(HeaderXForwardedFor); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		client := remoteIP
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = addr.Unmap().String()
			if !trusted.trusts(client) {
				break
			}
		}
		return client
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get(HeaderXRealIP))); err == nil {
		return addr.Unmap().String()
	}

	return remoteIP
}

// extractIPFromAddr strips the port from host:port. A bare host is returned
// as is.
func extractIPFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
