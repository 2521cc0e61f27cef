// Package soap posts NFS-e documents to the municipality's SOAP web service over
// mutually authenticated TLS and hands back the raw response.
package soap

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"os"
	"time"

	"github.com/google/uuid"
)

type options struct {
	rootCAs          *x509.CertPool
	timeout          time.Duration
	contimeout       time.Duration
	tlshshaketimeout time.Duration
	userAgent        string
	logger           *slog.Logger
	traceOut         io.Writer
}

var defaultOptions = options{
	timeout:          time.Duration(30 * time.Second),
	contimeout:       time.Duration(30 * time.Second),
	tlshshaketimeout: time.Duration(15 * time.Second),
	userAgent:        "nfse-soap/1.0",
}

// A Option sets options such as timeouts, trust roots, logging, etc.
type Option func(*options)

// WithTLSHandshakeTimeout is an Option to set default tls handshake timeout
func WithTLSHandshakeTimeout(t time.Duration) Option {
	return func(o *options) {
		o.tlshshaketimeout = t
	}
}

// WithRequestTimeout is an Option to set the end-to-end timeout of a call,
// from dialing to reading the last byte of the response.
func WithRequestTimeout(t time.Duration) Option {
	return func(o *options) {
		o.contimeout = t
	}
}

// WithTimeout is an Option to set default HTTP dial timeout
func WithTimeout(t time.Duration) Option {
	return func(o *options) {
		o.timeout = t
	}
}

// WithRootCAs is an Option to verify the server against pool instead of the system roots.
// It has no effect on requests with SkipPeerVerification.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(o *options) {
		o.rootCAs = pool
	}
}

// WithUserAgent is an Option to set User-Agent header value
func WithUserAgent(userAgent string) Option {
	return func(o *options) {
		o.userAgent = userAgent
	}
}

// WithLogger is an Option to set the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTraceOutput is an Option to set where verbose requests write their wire trace.
// Defaults to os.Stderr.
func WithTraceOutput(w io.Writer) Option {
	return func(o *options) {
		o.traceOut = w
	}
}

// Client is the SOAP client. It only holds options: every Invoke builds its own
// transport and closes it before returning, so a Client may be shared.
type Client struct {
	opts *options
}

// NewClient creates new SOAP client instance
func NewClient(opt ...Option) *Client {
	opts := defaultOptions
	for _, o := range opt {
		o(&opts)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.traceOut == nil {
		opts.traceOut = os.Stderr
	}
	return &Client{opts: &opts}
}

// tlsConfig builds the client side of the mutual TLS handshake for host.
func (s *Client) tlsConfig(spec RequestSpec, host string, cert tls.Certificate) *tls.Config {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		ServerName:   host,
		Certificates: []tls.Certificate{cert},
		RootCAs:      s.opts.rootCAs,
	}
	if spec.SkipPeerVerification {
		// Chain verification is off; the leaf must still be issued for host.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("%w: no certificate presented", ErrHostnameMismatch)
			}
			if err := cs.PeerCertificates[0].VerifyHostname(host); err != nil {
				return fmt.Errorf("%w: %v", ErrHostnameMismatch, err)
			}
			return nil
		}
	}
	return cfg
}

func (s *Client) makeTransport(tlsCfg *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsCfg,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: s.opts.timeout}
			return d.DialContext(ctx, network, addr)
		},
		TLSHandshakeTimeout: s.opts.tlshshaketimeout,
		DisableKeepAlives:   true,
		// A non-nil empty map keeps the transport on HTTP/1.1.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
}

// Invoke sends spec.Body to spec.EndpointURL as the given SOAP method and returns
// the raw response. A response with any HTTP status is a success; use
// CallResult.StatusError to treat non-2xx as a failure.
//
// Errors are *ConfigError when the request cannot be built (no I/O happened) and
// *TransportError when the exchange did not complete. There is no retry.
func (s *Client) Invoke(ctx context.Context, spec RequestSpec) (*CallResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	u, err := spec.endpoint()
	if err != nil {
		return nil, err
	}
	cert, err := LoadIdentity(spec)
	if err != nil {
		if te, ok := err.(*TransportError); ok {
			te.URL = spec.EndpointURL
		}
		return nil, err
	}

	reqID := uuid.NewString()
	logger := s.opts.logger.With(
		slog.String("request_id", reqID),
		slog.String("method", string(spec.Method)),
		slog.String("url", spec.EndpointURL),
	)
	if spec.SkipPeerVerification {
		logger.Warn("server certificate chain verification is disabled; only the hostname is checked")
	}

	tr := s.makeTransport(s.tlsConfig(spec, u.Hostname(), cert))
	defer tr.CloseIdleConnections()
	client := &http.Client{Timeout: s.opts.contimeout, Transport: tr}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(spec.Body))
	if err != nil {
		return nil, &ConfigError{Field: "url", Err: err}
	}
	headers, err := spec.Headers()
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		if k == "Host" || k == "Content-Length" {
			continue
		}
		req.Header[k] = v
	}
	req.Host = u.Host
	req.ContentLength = int64(len(spec.Body))
	req.Header.Set("User-Agent", s.opts.userAgent)
	req.Close = true

	invokeResult := CallResult{
		RequestID:  reqID,
		RequestURL: spec.EndpointURL,
		Method:     spec.Method,
		RequestContent: CallContent{
			Header: headers,
			Body:   spec.Body,
		},
	}
	var trace *wireTrace
	if spec.Verbose {
		trace = newWireTrace(s.opts.traceOut)
		trace.request(req)
		req = req.WithContext(httptrace.WithClientTrace(ctx, trace.clientTrace()))
	}

	logger.Debug("sending soap request", slog.Int("content_length", len(spec.Body)))
	invokeResult.InvokeAt = time.Now()
	res, err := client.Do(req)
	if err != nil {
		invokeResult.ReturnAt = time.Now()
		terr := newTransportError(spec.EndpointURL, err)
		logger.Error("soap request failed",
			slog.String("kind", terr.Kind.String()),
			slog.Duration("elapsed", invokeResult.Elapsed()),
			slog.Any("err", err))
		return nil, terr
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	invokeResult.ReturnAt = time.Now()
	if err != nil {
		terr := newTransportError(spec.EndpointURL, fmt.Errorf("cannot read all content from http body: %w", err))
		logger.Error("reading soap response failed", slog.Any("err", err))
		return nil, terr
	}
	if trace != nil {
		trace.response(res, respBody)
	}

	invokeResult.StatusCode = res.StatusCode
	invokeResult.ResponseContent = CallContent{
		Header: res.Header.Clone(),
		Body:   respBody,
	}
	logger.Info("soap call completed",
		slog.Int("status", res.StatusCode),
		slog.Int("bytes", len(respBody)),
		slog.Duration("elapsed", invokeResult.Elapsed()))
	return &invokeResult, nil
}
