package observability

import (
	"net"
	"net/http"
	"strings"
)

const (
	DeviceIDHeader  = "X-Device-Id"
	RequestIDHeader = "X-Request-Id"

	// maxClientValue bounds header values copied into events and logs.
	maxClientValue = 128
)

// Client identifies the caller behind a request as far as its headers and
// remote address tell.
type Client struct {
	DeviceID  string
	RequestID string
	IP        string
}

// ClientFromRequest reads the device id, request id and client address of
// r. The address prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the connection's remote address.
func ClientFromRequest(r *http.Request) Client {
	return Client{
		DeviceID:  headerValue(r, DeviceIDHeader),
		RequestID: headerValue(r, RequestIDHeader),
		IP:        clientIP(r),
	}
}

func headerValue(r *http.Request, key string) string {
	v := strings.TrimSpace(r.Header.Get(key))
	if len(v) > maxClientValue {
		v = v[:maxClientValue]
	}
	return v
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := headerValue(r, "X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
