package soap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaiqueVfreitas/projeto-nfes-google/internal/pkitest"
)

const cancelarLoteBody = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <CancelarLoteNfse xmlns="http://www.e-governeapps2.com.br/">
      <CancelarLoteNfseEnvio><Prestador><Cnpj>12345678000199</Cnpj></Prestador></CancelarLoteNfseEnvio>
    </CancelarLoteNfse>
  </soap:Body>
</soap:Envelope>`

type fixture struct {
	ca     *pkitest.Identity
	server *pkitest.Identity
	spec   RequestSpec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ca := pkitest.NewCA(t, "prefeitura test ca")
	client := ca.Issue(t, pkitest.Config{CommonName: "EMPRESA LTDA:12345678000199"})
	dir := t.TempDir()
	return &fixture{
		ca:     ca,
		server: ca.Issue(t, pkitest.Localhost()),
		spec: RequestSpec{
			Method:         CancelarLoteNfse,
			Body:           []byte(cancelarLoteBody),
			ClientCertPath: pkitest.WriteFile(t, dir, "cert.pem", client.CertPEM()),
			ClientKeyPath:  pkitest.WriteFile(t, dir, "key.pem", client.EncryptedPKCS8PEM(t, testPassphrase)),
			KeyPassphrase:  testPassphrase,
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type seenRequest struct {
	method, path, host  string
	contentType, action string
	contentLength       int64
	transferEncoding    []string
	body                []byte
	clientCN            string
	proto               string
}

func okHandler(seen chan<- seenRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s := seenRequest{
			method:           r.Method,
			path:             r.URL.Path,
			host:             r.Host,
			contentType:      r.Header.Get("Content-Type"),
			action:           r.Header.Get("SOAPAction"),
			contentLength:    r.ContentLength,
			transferEncoding: r.TransferEncoding,
			body:             body,
			proto:            r.Proto,
		}
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			s.clientCN = r.TLS.PeerCertificates[0].Subject.CommonName
		}
		seen <- s
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		_, _ = w.Write([]byte("<xml>OK</xml>"))
	}
}

func TestInvokeMutualTLS(t *testing.T) {
	f := newFixture(t)
	seen := make(chan seenRequest, 1)
	srv := pkitest.NewMTLSServer(t, f.server, okHandler(seen))

	spec := f.spec
	spec.EndpointURL = srv.URL + "/nfse_ws/nfsews.asmx"
	c := NewClient(WithRootCAs(f.ca.Pool()), WithLogger(quietLogger()))

	res, err := c.Invoke(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []byte("<xml>OK</xml>"), res.Body())
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NoError(t, res.StatusError())
	assert.NotEmpty(t, res.RequestID)
	assert.False(t, res.ReturnAt.Before(res.InvokeAt))

	got := <-seen
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/nfse_ws/nfsews.asmx", got.path)
	assert.Equal(t, srv.Listener.Addr().String(), got.host)
	assert.Equal(t, "text/xml; charset=utf-8", got.contentType)
	assert.Equal(t, `"http://www.e-governeapps2.com.br/CancelarLoteNfse"`, got.action)
	assert.Equal(t, int64(len(cancelarLoteBody)), got.contentLength)
	assert.Empty(t, got.transferEncoding)
	assert.Equal(t, []byte(cancelarLoteBody), got.body)
	assert.Equal(t, "EMPRESA LTDA:12345678000199", got.clientCN)
	assert.Equal(t, "HTTP/1.1", got.proto)
}

func TestInvokeWithPFX(t *testing.T) {
	f := newFixture(t)
	client := f.ca.Issue(t, pkitest.Config{CommonName: "pfx client"})
	seen := make(chan seenRequest, 1)
	srv := pkitest.NewMTLSServer(t, f.server, okHandler(seen))

	spec := f.spec
	spec.EndpointURL = srv.URL + "/nfse_ws/nfsews.asmx"
	spec.ClientCertPath, spec.ClientKeyPath = "", ""
	spec.PFXPath = pkitest.WriteFile(t, t.TempDir(), "client.pfx", client.PFX(t, testPassphrase))

	res, err := NewClient(WithRootCAs(f.ca.Pool()), WithLogger(quietLogger())).Invoke(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "<xml>OK</xml>", string(res.Body()))
	assert.Equal(t, "pfx client", (<-seen).clientCN)
}

func TestInvokeVerifiesServerChainByDefault(t *testing.T) {
	f := newFixture(t)
	var hits int32
	srv := pkitest.NewMTLSServer(t, f.server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))

	spec := f.spec
	spec.EndpointURL = srv.URL
	_, err := NewClient(WithLogger(quietLogger())).Invoke(context.Background(), spec)
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, KindHandshake, te.Kind)
	assert.Equal(t, srv.URL, te.URL)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestInvokeSkipPeerVerification(t *testing.T) {
	f := newFixture(t)
	seen := make(chan seenRequest, 1)
	srv := pkitest.NewMTLSServer(t, f.server, okHandler(seen))

	spec := f.spec
	spec.EndpointURL = srv.URL + "/nfse_ws/nfsews.asmx"
	spec.SkipPeerVerification = true

	var logs bytes.Buffer
	c := NewClient(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	res, err := c.Invoke(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "<xml>OK</xml>", string(res.Body()))
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "verification is disabled")
}

func TestInvokeSkipPeerVerificationStillChecksHostname(t *testing.T) {
	f := newFixture(t)
	other := f.ca.Issue(t, pkitest.Config{CommonName: "isscuritiba.curitiba.pr.gov.br", DNSNames: []string{"isscuritiba.curitiba.pr.gov.br"}})
	srv := pkitest.NewMTLSServer(t, other, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	spec := f.spec
	spec.EndpointURL = srv.URL
	spec.SkipPeerVerification = true
	_, err := NewClient(WithLogger(quietLogger())).Invoke(context.Background(), spec)
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, KindHandshake, te.Kind)
	assert.ErrorIs(t, err, ErrHostnameMismatch)
}

func TestInvokeClientCertificateRejected(t *testing.T) {
	f := newFixture(t)
	otherCA := pkitest.NewCA(t, "outra ac")
	var hits int32
	srv := pkitest.NewVerifyingMTLSServer(t, f.server, otherCA, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))

	spec := f.spec
	spec.EndpointURL = srv.URL
	_, err := NewClient(WithRootCAs(f.ca.Pool()), WithLogger(quietLogger())).Invoke(context.Background(), spec)
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, KindHandshake, te.Kind, "got %v", err)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestInvokeReturnsNon2xxBodies(t *testing.T) {
	f := newFixture(t)
	fault := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><soap:Fault><faultcode>soap:Client</faultcode><faultstring>Server did not recognize the value of HTTP Header SOAPAction</faultstring></soap:Fault></soap:Body></soap:Envelope>`
	srv := pkitest.NewMTLSServer(t, f.server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(fault))
	}))

	spec := f.spec
	spec.EndpointURL = srv.URL
	res, err := NewClient(WithRootCAs(f.ca.Pool()), WithLogger(quietLogger())).Invoke(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, fault, string(res.Body()))

	var httpErr *HTTPError
	require.True(t, errors.As(res.StatusError(), &httpErr))
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, []byte(fault), httpErr.ResponseBody)
}

func TestInvokeVerboseTrace(t *testing.T) {
	f := newFixture(t)
	srv := pkitest.NewMTLSServer(t, f.server, okHandler(make(chan seenRequest, 2)))

	spec := f.spec
	spec.EndpointURL = srv.URL + "/nfse_ws/nfsews.asmx"
	c := func(w io.Writer) *Client {
		return NewClient(WithRootCAs(f.ca.Pool()), WithLogger(quietLogger()), WithTraceOutput(w))
	}

	var quiet bytes.Buffer
	plain, err := c(&quiet).Invoke(context.Background(), spec)
	require.NoError(t, err)
	assert.Zero(t, quiet.Len())

	var trace bytes.Buffer
	spec.Verbose = true
	verbose, err := c(&trace).Invoke(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, plain.Body(), verbose.Body())
	out := trace.String()
	assert.NotEmpty(t, out)
	assert.Contains(t, out, "TLS handshake done")
	assert.Contains(t, out, "> [")
	assert.Contains(t, out, "POST /nfse_ws/nfsews.asmx HTTP/1.1")
	assert.Contains(t, out, `Soapaction: "http://www.e-governeapps2.com.br/CancelarLoteNfse"`)
	assert.Contains(t, out, "<xml>OK</xml>")
}

func TestInvokeConnectionRefused(t *testing.T) {
	f := newFixture(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	spec := f.spec
	spec.EndpointURL = "https://" + addr + "/nfse_ws/nfsews.asmx"

	start := time.Now()
	_, err = NewClient(WithLogger(quietLogger())).Invoke(context.Background(), spec)
	assert.Less(t, time.Since(start), defaultOptions.contimeout)

	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, KindRefused, te.Kind)
	assert.Contains(t, te.Error(), addr)
}

func TestInvokeTimeout(t *testing.T) {
	f := newFixture(t)
	srv := pkitest.NewMTLSServer(t, f.server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))

	spec := f.spec
	spec.EndpointURL = srv.URL
	c := NewClient(WithRootCAs(f.ca.Pool()), WithRequestTimeout(300*time.Millisecond), WithLogger(quietLogger()))
	_, err := c.Invoke(context.Background(), spec)
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, KindTimeout, te.Kind)
}

func TestInvokeCancelled(t *testing.T) {
	f := newFixture(t)
	srv := pkitest.NewMTLSServer(t, f.server, okHandler(make(chan seenRequest, 1)))

	spec := f.spec
	spec.EndpointURL = srv.URL
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(WithRootCAs(f.ca.Pool()), WithLogger(quietLogger())).Invoke(ctx, spec)
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, KindCancelled, te.Kind)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvokeFailsBeforeNetworkIO(t *testing.T) {
	f := newFixture(t)
	var hits int32
	srv := pkitest.NewMTLSServer(t, f.server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	c := NewClient(WithRootCAs(f.ca.Pool()), WithLogger(quietLogger()))

	missing := f.spec
	missing.EndpointURL = srv.URL
	missing.ClientCertPath = missing.ClientCertPath + ".missing"
	_, err := c.Invoke(context.Background(), missing)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "cert", cfgErr.Field)

	malformed := f.spec
	malformed.EndpointURL = srv.URL
	malformed.ClientCertPath = pkitest.WriteFile(t, t.TempDir(), "bad.pem", []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
	_, err = c.Invoke(context.Background(), malformed)
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, KindIdentity, te.Kind)
	assert.Equal(t, srv.URL, te.URL)

	badPass := f.spec
	badPass.EndpointURL = srv.URL
	badPass.KeyPassphrase = "654321"
	_, err = c.Invoke(context.Background(), badPass)
	assert.ErrorIs(t, err, ErrBadPassphrase)

	insecure := f.spec
	insecure.EndpointURL = "http://" + srv.Listener.Addr().String()
	_, err = c.Invoke(context.Background(), insecure)
	assert.ErrorIs(t, err, ErrInsecureScheme)

	assert.Zero(t, atomic.LoadInt32(&hits))
}
