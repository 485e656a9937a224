package engine

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// newHTTPClient builds a dedicated transport for measurement traffic, so
// connection behavior is under the engine's control rather than shared
// process-wide state.
func newHTTPClient(cfg Config) *http.Client {
	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
		// Compression would distort byte counts against wall-clock time.
		DisableCompression: true,
	}
	if cfg.DisableHTTP2 {
		// Force HTTP/1.1 only.
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return &http.Client{Transport: tr}
}
