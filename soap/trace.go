package soap

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"strings"
	"sync"
	"time"
)

// wireTrace writes a curl -v style log of one exchange. The hooks of an
// httptrace.ClientTrace may fire from transport goroutines, hence the mutex.
type wireTrace struct {
	mu    sync.Mutex
	w     io.Writer
	start time.Time
}

func newWireTrace(w io.Writer) *wireTrace {
	return &wireTrace{w: w, start: time.Now()}
}

func (t *wireTrace) printf(prefix, format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	for _, line := range strings.Split(strings.TrimRight(msg, "\r\n"), "\n") {
		fmt.Fprintf(t.w, "%s [%8s] %s\n", prefix, time.Since(t.start).Round(time.Microsecond), strings.TrimRight(line, "\r"))
	}
}

func (t *wireTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(info httptrace.DNSStartInfo) {
			t.printf("*", "resolving %s", info.Host)
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			if info.Err != nil {
				t.printf("*", "resolve failed: %v", info.Err)
				return
			}
			t.printf("*", "resolved to %v", info.Addrs)
		},
		ConnectStart: func(network, addr string) {
			t.printf("*", "trying %s (%s)", addr, network)
		},
		ConnectDone: func(network, addr string, err error) {
			if err != nil {
				t.printf("*", "connect to %s failed: %v", addr, err)
				return
			}
			t.printf("*", "connected to %s", addr)
		},
		TLSHandshakeStart: func() {
			t.printf("*", "TLS handshake started")
		},
		TLSHandshakeDone: func(cs tls.ConnectionState, err error) {
			if err != nil {
				t.printf("*", "TLS handshake failed: %v", err)
				return
			}
			t.printf("*", "TLS handshake done: %s, %s, ALPN %q, resumed %v",
				tls.VersionName(cs.Version), tls.CipherSuiteName(cs.CipherSuite),
				cs.NegotiatedProtocol, cs.DidResume)
			for i, cert := range cs.PeerCertificates {
				t.printf("*", "server certificate %d: subject %q issuer %q, expires %s",
					i, cert.Subject.String(), cert.Issuer.String(), cert.NotAfter.Format(time.RFC3339))
			}
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err != nil {
				t.printf("*", "writing request failed: %v", info.Err)
				return
			}
			t.printf("*", "request sent")
		},
		GotFirstResponseByte: func() {
			t.printf("*", "first response byte")
		},
	}
}

func (t *wireTrace) request(req *http.Request) {
	dump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		t.printf("*", "cannot dump request: %v", err)
		return
	}
	t.printf(">", "%s", dump)
}

func (t *wireTrace) response(res *http.Response, body []byte) {
	dump, err := httputil.DumpResponse(res, false)
	if err != nil {
		t.printf("*", "cannot dump response: %v", err)
		return
	}
	t.printf("<", "%s", dump)
	if len(body) > 0 {
		t.printf("<", "%s", body)
	}
	t.printf("*", "%d response bytes", len(body))
}
