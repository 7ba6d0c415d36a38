package openai

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	tls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// utlsRoundTripper speaks HTTP/2 over a uTLS connection with a Firefox
// fingerprint. The device-authorization endpoints sit behind bot mitigation
// that fingerprints the TLS ClientHello; the Go default transport gets served
// challenge pages where a browser would not. Plain http requests (tests,
// local mocks) are delegated to the fallback transport untouched.
type utlsRoundTripper struct {
	mu       sync.Mutex
	conns    map[string]*http2.ClientConn
	dialer   proxy.Dialer
	fallback http.RoundTripper
}

func newUTLSRoundTripper(proxyURL string, fallback http.RoundTripper) *utlsRoundTripper {
	if fallback == nil {
		fallback = http.DefaultTransport
	}
	var dialer proxy.Dialer = proxy.Direct
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			log.Errorf("failed to parse proxy URL %q: %v", proxyURL, err)
		} else if pDialer, errDial := proxy.FromURL(parsed, proxy.Direct); errDial != nil {
			log.Errorf("failed to create proxy dialer for %q: %v", proxyURL, errDial)
		} else {
			dialer = pDialer
		}
	}
	return &utlsRoundTripper{
		conns:    make(map[string]*http2.ClientConn),
		dialer:   dialer,
		fallback: fallback,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.fallback.RoundTrip(req)
	}

	host := req.URL.Hostname()
	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(host, "443")
	}

	conn, err := t.getOrCreateConn(host, addr)
	if err != nil {
		return nil, fmt.Errorf("utls connection to %s failed: %w", host, err)
	}

	resp, err := conn.RoundTrip(req)
	if err != nil {
		// Drop the broken connection so the next request redials.
		t.mu.Lock()
		if t.conns[host] == conn {
			delete(t.conns, host)
		}
		t.mu.Unlock()
		return nil, err
	}
	return resp, nil
}

// getOrCreateConn returns a cached HTTP/2 connection for host, dialing a new
// uTLS connection when none is usable. The lock is held across the dial so
// concurrent callers do not race to create duplicate connections.
func (t *utlsRoundTripper) getOrCreateConn(host, addr string) (*http2.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[host]; ok && conn.CanTakeNewRequest() {
		return conn, nil
	}

	raw, err := t.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	tlsConn := tls.UClient(raw, &tls.Config{
		ServerName: host,
		NextProtos: []string{"h2"},
	}, tls.HelloFirefox_Auto)
	if err = tlsConn.Handshake(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "h2" {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("server %s negotiated %q instead of h2", host, proto)
	}

	h2Conn, err := (&http2.Transport{}).NewClientConn(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("http2 connection to %s: %w", host, err)
	}
	t.conns[host] = h2Conn
	return h2Conn, nil
}

// deviceHTTPClient returns the client used for the device-authorization
// endpoints. It carries the uTLS transport; everything else in the package
// uses the plain proxied client.
func (a *Authenticator) deviceHTTPClient() *http.Client {
	if a.deviceClient != nil {
		return a.deviceClient
	}
	return a.httpClient
}
