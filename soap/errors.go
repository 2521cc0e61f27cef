package soap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

var (
	// ErrUnknownMethod is returned when the SOAP method is not one the service exposes
	ErrUnknownMethod = errors.New("unknown soap method")
	// ErrEmptyBody is returned when there is no XML payload to send
	ErrEmptyBody = errors.New("request body is empty")
	// ErrInsecureScheme is returned for endpoints that are not https
	ErrInsecureScheme = errors.New("endpoint must use https")
	// ErrNoIdentity is returned when neither a PFX bundle nor a certificate/key pair is configured
	ErrNoIdentity = errors.New("client certificate and key (or pfx) are required")
	// ErrInvalidPEM is returned if a PEM file holds no usable block
	ErrInvalidPEM = errors.New("invalid PEM data")
	// ErrBadPassphrase is returned when the key cannot be decrypted with the given passphrase
	ErrBadPassphrase = errors.New("cannot decrypt private key with the given passphrase")
	// ErrHostnameMismatch is returned when the server certificate does not cover the endpoint host
	ErrHostnameMismatch = errors.New("server certificate does not match host")
)

// ConfigError reports a request that could not be built. No network I/O happened.
type ConfigError struct {
	Field string
	Path  string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s (%s): %v", e.Field, e.Path, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportErrorKind classifies a TransportError.
type TransportErrorKind int

const (
	KindOther TransportErrorKind = iota
	KindDNS
	KindRefused
	KindHandshake
	KindTimeout
	KindCancelled
	KindIdentity
)

func (k TransportErrorKind) String() string {
	switch k {
	case KindDNS:
		return "dns"
	case KindRefused:
		return "connection refused"
	case KindHandshake:
		return "tls handshake"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindIdentity:
		return "client identity"
	}
	return "transport"
}

// TransportError is returned whenever the exchange with the server could not complete.
type TransportError struct {
	Kind TransportErrorKind
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error calling %s: %v", e.Kind, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is returned whenever the server answers with a non-2xx status
type HTTPError struct {
	//StatusCode is the status code returned in the HTTP response
	StatusCode int
	//ResponseBody contains the body returned in the HTTP response
	ResponseBody []byte
}

// maxErrorBody bounds how much of ResponseBody HTTPError.Error quotes.
const maxErrorBody = 256

func (e *HTTPError) Error() string {
	body := e.ResponseBody
	if len(body) > maxErrorBody {
		return fmt.Sprintf("HTTP Status %d: %s... (%d bytes)", e.StatusCode, body[:maxErrorBody], len(body))
	}
	return fmt.Sprintf("HTTP Status %d: %s", e.StatusCode, body)
}

func newTransportError(url string, err error) *TransportError {
	return &TransportError{Kind: classify(err), URL: url, Err: err}
}

func classify(err error) TransportErrorKind {
	var (
		dnsErr      *net.DNSError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		opErr       *net.OpError
		netErr      net.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.As(err, &dnsErr):
		return KindDNS
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return KindRefused
	case errors.Is(err, ErrHostnameMismatch),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &verifyErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr),
		errors.As(err, &opErr) && opErr.Op == "remote error":
		return KindHandshake
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	}
	return KindOther
}
