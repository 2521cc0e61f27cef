// Package pkitest creates throwaway certificate authorities, client identities and
// mutual TLS test servers.
package pkitest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
	"software.sslmate.com/src/go-pkcs12"
)

// Identity is a certificate together with its RSA private key.
type Identity struct {
	Cert   *x509.Certificate
	Key    *rsa.PrivateKey
	Issuer *Identity
}

// Config describes the certificate to issue.
type Config struct {
	CommonName string
	DNSNames   []string
	IPAddrs    []net.IP
	IsCA       bool
}

var serial int64

func newKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func create(t testing.TB, cfg Config, issuer *Identity) *Identity {
	t.Helper()
	key := newKey(t)
	serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano() + serial),
		Subject: pkix.Name{
			CommonName:   cfg.CommonName,
			Organization: []string{"pkitest"},
		},
		DNSNames:              cfg.DNSNames,
		IPAddresses:           cfg.IPAddrs,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if cfg.IsCA {
		tmpl.IsCA = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}

	parent, signer := tmpl, crypto.Signer(key)
	if issuer != nil {
		parent, signer = issuer.Cert, issuer.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Identity{Cert: cert, Key: key, Issuer: issuer}
}

// NewCA returns a self-signed certificate authority.
func NewCA(t testing.TB, commonName string) *Identity {
	t.Helper()
	return create(t, Config{CommonName: commonName, IsCA: true}, nil)
}

// Issue signs a leaf certificate with ca.
func (ca *Identity) Issue(t testing.TB, cfg Config) *Identity {
	t.Helper()
	cfg.IsCA = false
	return create(t, cfg, ca)
}

// Pool returns a pool holding only id's certificate.
func (id *Identity) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(id.Cert)
	return pool
}

// TLS returns id as a tls.Certificate, chain included.
func (id *Identity) TLS() tls.Certificate {
	cert := tls.Certificate{
		Certificate: [][]byte{id.Cert.Raw},
		PrivateKey:  id.Key,
		Leaf:        id.Cert,
	}
	if id.Issuer != nil {
		cert.Certificate = append(cert.Certificate, id.Issuer.Cert.Raw)
	}
	return cert
}

// CertPEM encodes the certificate.
func (id *Identity) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Cert.Raw})
}

// KeyPEM encodes the key as unencrypted PKCS#8.
func (id *Identity) KeyPEM(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(id.Key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// EncryptedPKCS8PEM encodes the key as an "ENCRYPTED PRIVATE KEY" block, the
// format openssl pkcs12 -nocerts produces.
func (id *Identity) EncryptedPKCS8PEM(t testing.TB, passphrase string) []byte {
	t.Helper()
	der, err := pkcs8.MarshalPrivateKey(id.Key, []byte(passphrase), nil)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})
}

// LegacyEncryptedPEM encodes the key as a PKCS#1 block with Proc-Type/DEK-Info headers.
func (id *Identity) LegacyEncryptedPEM(t testing.TB, passphrase string) []byte {
	t.Helper()
	//nolint:staticcheck
	block, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY",
		x509.MarshalPKCS1PrivateKey(id.Key), []byte(passphrase), x509.PEMCipherAES256)
	require.NoError(t, err)
	return pem.EncodeToMemory(block)
}

// PFX encodes id and its issuer as a PKCS#12 bundle.
func (id *Identity) PFX(t testing.TB, passphrase string) []byte {
	t.Helper()
	var cas []*x509.Certificate
	if id.Issuer != nil {
		cas = append(cas, id.Issuer.Cert)
	}
	data, err := pkcs12.Modern.Encode(id.Key, id.Cert, cas, passphrase)
	require.NoError(t, err)
	return data
}

// WriteFile writes data to name inside dir and returns the full path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// NewMTLSServer starts an HTTPS server on 127.0.0.1 presenting serverID and
// requiring a client certificate, without verifying it against any CA.
func NewMTLSServer(t testing.TB, serverID *Identity, handler http.Handler) *httptest.Server {
	t.Helper()
	return startServer(t, &tls.Config{
		Certificates: []tls.Certificate{serverID.TLS()},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, handler)
}

// NewVerifyingMTLSServer is like NewMTLSServer but only accepts client
// certificates issued by clientCA.
func NewVerifyingMTLSServer(t testing.TB, serverID, clientCA *Identity, handler http.Handler) *httptest.Server {
	t.Helper()
	return startServer(t, &tls.Config{
		Certificates: []tls.Certificate{serverID.TLS()},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCA.Pool(),
		MinVersion:   tls.VersionTLS12,
	}, handler)
}

func startServer(t testing.TB, cfg *tls.Config, handler http.Handler) *httptest.Server {
	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = cfg
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

// Localhost is the Config for a server certificate valid for 127.0.0.1 and localhost.
func Localhost() Config {
	return Config{
		CommonName: "localhost",
		DNSNames:   []string{"localhost"},
		IPAddrs:    []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
}
