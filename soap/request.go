package soap

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// SOAPMIMEType is the content type the ASMX endpoint expects for SOAP 1.1.
const SOAPMIMEType = "text/xml; charset=utf-8"

// RequestSpec describes a single call to the NFS-e web service.
// It is consumed by Client.Invoke and never modified.
type RequestSpec struct {
	EndpointURL string
	Method      Method
	Body        []byte

	// ClientCertPath and ClientKeyPath point to PEM files. The key may be encrypted,
	// in which case KeyPassphrase is used to decrypt it.
	ClientCertPath string
	ClientKeyPath  string
	// PFXPath is an alternative to the PEM pair: a PKCS#12 bundle opened with KeyPassphrase.
	PFXPath       string
	KeyPassphrase string

	// SkipPeerVerification disables certificate chain verification while still
	// checking that the server certificate covers the endpoint host. It exists
	// for the municipality's pilot environment and is insecure.
	SkipPeerVerification bool

	// Verbose writes a wire-level trace of the exchange to the client's trace output.
	Verbose bool
}

// Validate checks r without touching the filesystem or the network.
func (r RequestSpec) Validate() error {
	if _, err := r.endpoint(); err != nil {
		return err
	}
	if r.Method == "" {
		return &ConfigError{Field: "method", Err: fmt.Errorf("%w: empty", ErrUnknownMethod)}
	}
	if _, err := ParseMethod(string(r.Method)); err != nil {
		return err
	}
	if len(r.Body) == 0 {
		return &ConfigError{Field: "body", Err: ErrEmptyBody}
	}
	if r.PFXPath == "" && (r.ClientCertPath == "" || r.ClientKeyPath == "") {
		return &ConfigError{Field: "identity", Err: ErrNoIdentity}
	}
	return nil
}

func (r RequestSpec) endpoint() (*url.URL, error) {
	u, err := url.Parse(r.EndpointURL)
	if err != nil {
		return nil, &ConfigError{Field: "url", Err: err}
	}
	if u.Scheme != "https" {
		return nil, &ConfigError{Field: "url", Err: fmt.Errorf("%w: %q", ErrInsecureScheme, r.EndpointURL)}
	}
	if u.Host == "" {
		return nil, &ConfigError{Field: "url", Err: fmt.Errorf("missing host in %q", r.EndpointURL)}
	}
	return u, nil
}

// Headers returns the HTTP headers sent with the request. Host is carried by the
// request itself in net/http; it is included here so callers can inspect the full set.
func (r RequestSpec) Headers() (http.Header, error) {
	u, err := r.endpoint()
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Host", u.Host)
	h.Set("Content-Type", SOAPMIMEType)
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	h.Set("SOAPAction", r.Method.SOAPAction())
	return h, nil
}
