package soap

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/youmark/pkcs8"
	"software.sslmate.com/src/go-pkcs12"
)

// LoadIdentity reads the client certificate described by spec: the PFX bundle when
// PFXPath is set, otherwise the PEM certificate/key pair.
//
// Unreadable files yield a *ConfigError. Files that can be read but not parsed or
// decrypted yield a *TransportError of kind KindIdentity.
func LoadIdentity(spec RequestSpec) (tls.Certificate, error) {
	if spec.PFXPath != "" {
		return LoadPFX(spec.PFXPath, spec.KeyPassphrase)
	}
	if spec.ClientCertPath == "" || spec.ClientKeyPath == "" {
		return tls.Certificate{}, &ConfigError{Field: "identity", Err: ErrNoIdentity}
	}
	return LoadKeyPair(spec.ClientCertPath, spec.ClientKeyPath, spec.KeyPassphrase)
}

// LoadKeyPair loads a PEM certificate chain and a PEM private key. Legacy
// "Proc-Type: 4,ENCRYPTED" keys and PKCS#8 "ENCRYPTED PRIVATE KEY" blocks, the
// format `openssl pkcs12 -nocerts` writes, are decrypted with passphrase.
func LoadKeyPair(certPath, keyPath, passphrase string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, &ConfigError{Field: "cert", Path: certPath, Err: err}
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, &ConfigError{Field: "key", Path: keyPath, Err: err}
	}

	if !containsBlock(certPEM, "CERTIFICATE") {
		return tls.Certificate{}, identityError(certPath, fmt.Errorf("%w: no CERTIFICATE block", ErrInvalidPEM))
	}
	plainKey, err := decryptKeyPEM(keyPEM, passphrase)
	if err != nil {
		return tls.Certificate{}, identityError(keyPath, err)
	}

	cert, err := tls.X509KeyPair(certPEM, plainKey)
	if err != nil {
		return tls.Certificate{}, identityError(certPath, err)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return tls.Certificate{}, identityError(certPath, err)
		}
	}
	return cert, nil
}

// LoadPFX opens a PKCS#12 bundle, the format municipalities hand out A1 certificates in.
func LoadPFX(path, passphrase string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, &ConfigError{Field: "pfx", Path: path, Err: err}
	}
	key, leaf, caCerts, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			err = fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
		return tls.Certificate{}, identityError(path, err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, ca := range caCerts {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}
	return cert, nil
}

func identityError(path string, err error) *TransportError {
	return &TransportError{Kind: KindIdentity, Err: fmt.Errorf("%s: %w", path, err)}
}

func containsBlock(data []byte, typ string) bool {
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type == typ {
			return true
		}
	}
	return false
}

// decryptKeyPEM returns the first private key in data as an unencrypted PEM block.
func decryptKeyPEM(data []byte, passphrase string) ([]byte, error) {
	var block *pem.Block
	for b, rest := pem.Decode(data); b != nil; b, rest = pem.Decode(rest) {
		if strings.HasSuffix(b.Type, "PRIVATE KEY") {
			block = b
			break
		}
	}
	if block == nil {
		return nil, fmt.Errorf("%w: no PRIVATE KEY block", ErrInvalidPEM)
	}

	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil

	case x509.IsEncryptedPEMBlock(block): //nolint:staticcheck
		der, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
	}
	return pem.EncodeToMemory(block), nil
}
