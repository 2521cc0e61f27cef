// Package nfse builds and signs the NFS-e documents sent to the municipal web service.
package nfse

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/ucarion/c14n"
)

var (
	// ErrElementNotFound is returned when the document has no element to sign
	ErrElementNotFound = errors.New("element to sign not found")
	// ErrAlreadySigned is returned when the element already carries a Signature
	ErrAlreadySigned = errors.New("element is already signed")
	// ErrNoSignature is returned by Verify for elements without a Signature
	ErrNoSignature = errors.New("element has no signature")
	// ErrUnsupportedKey is returned for non-RSA certificates
	ErrUnsupportedKey = errors.New("only RSA keys can sign NFS-e documents")
	// ErrDigestMismatch is returned by Verify when the signed content changed
	ErrDigestMismatch = errors.New("digest does not match signed content")
)

// Signer holds the A1 certificate used to sign documents.
type Signer struct {
	cert *x509.Certificate
	key  crypto.Signer
}

// NewSigner wraps a client identity, as returned by soap.LoadIdentity, for signing.
func NewSigner(cert tls.Certificate) (*Signer, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("certificate is empty")
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, err
		}
	}
	key, ok := cert.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	if _, ok := key.Public().(*rsa.PublicKey); !ok {
		return nil, ErrUnsupportedKey
	}
	return &Signer{cert: leaf, key: key}, nil
}

// Certificate returns the certificate embedded in signatures.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// SignOptions selects what gets signed.
type SignOptions struct {
	// Tag is the local name of the element to sign. Defaults to "Nfse".
	Tag string
	// SignatureID gives the Signature element a generated Id attribute.
	SignatureID bool
}

func (o SignOptions) tag() string {
	if o.Tag == "" {
		return defaultSignatureTag
	}
	return o.Tag
}

// Sign adds an enveloped XML signature to the first element named opts.Tag.
//
// The element is canonicalized with inclusive C14N 1.0, digested with SHA-256
// and signed with RSA-SHA256. The Reference is "" when the element is the
// document element and "#" plus its Id attribute otherwise; an element without
// one is given a generated Id. KeyInfo holds only the signing certificate.
func Sign(doc []byte, s *Signer, opts SignOptions) ([]byte, error) {
	d := etree.NewDocument()
	if err := d.ReadFromBytes(doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	target := findElement(d.Root(), hasTag(opts.tag()))
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, opts.tag())
	}
	if target.SelectElement("Signature") != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySigned, opts.tag())
	}

	uri := ""
	if target != d.Root() {
		id := target.SelectAttrValue("Id", "")
		if id == "" {
			id = makeSecureId(opts.tag() + "_")
			target.CreateAttr("Id", id)
		}
		uri = "#" + id
	}

	canon, err := canonicalize(target)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", opts.tag(), err)
	}
	digest := sha256.Sum256(canon)
	sig := signature{
		XMLNS:      NsXMLDSig,
		SignedInfo: newSignedInfo(uri, base64.StdEncoding.EncodeToString(digest[:])),
		KeyInfo: keyInfo{
			X509Data: x509Data{X509Certificate: base64.StdEncoding.EncodeToString(s.cert.Raw)},
		},
	}
	if opts.SignatureID {
		sig.ID = makeSecureId("Ass_")
	}
	buf, err := xml.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("marshal signature failed: %w", err)
	}
	sigDoc := etree.NewDocument()
	if err := sigDoc.ReadFromBytes(buf); err != nil {
		return nil, err
	}
	sigEl := sigDoc.Root()
	target.AddChild(sigEl)

	canonSI, err := canonicalize(sigEl.SelectElement("SignedInfo"))
	if err != nil {
		return nil, fmt.Errorf("canonicalize SignedInfo: %w", err)
	}
	hashed := sha256.Sum256(canonSI)
	value, err := s.key.Sign(rand.Reader, hashed[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sigEl.SelectElement("SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))

	return d.WriteToBytes()
}

// Verify checks the signature of the first element named opts.Tag and returns the
// certificate that produced it. Trust in that certificate is up to the caller.
func Verify(doc []byte, opts SignOptions) (*x509.Certificate, error) {
	d := etree.NewDocument()
	if err := d.ReadFromBytes(doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	target := findElement(d.Root(), hasTag(opts.tag()))
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, opts.tag())
	}
	sigEl := target.SelectElement("Signature")
	if sigEl == nil {
		return nil, ErrNoSignature
	}
	ref, err := referencedElement(d, sigEl)
	if err != nil {
		return nil, err
	}

	certText := elementText(sigEl, "KeyInfo/X509Data/X509Certificate")
	der, err := base64.StdEncoding.DecodeString(certText)
	if err != nil {
		return nil, fmt.Errorf("decode X509Certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}

	target.RemoveChild(sigEl)
	canon, err := canonicalize(ref)
	target.AddChild(sigEl)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canon)
	if base64.StdEncoding.EncodeToString(digest[:]) != elementText(sigEl, "SignedInfo/Reference/DigestValue") {
		return nil, ErrDigestMismatch
	}

	value, err := base64.StdEncoding.DecodeString(elementText(sigEl, "SignatureValue"))
	if err != nil {
		return nil, fmt.Errorf("decode SignatureValue: %w", err)
	}
	canonSI, err := canonicalize(sigEl.SelectElement("SignedInfo"))
	if err != nil {
		return nil, err
	}
	hashed := sha256.Sum256(canonSI)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], value); err != nil {
		return nil, fmt.Errorf("signature value: %w", err)
	}
	return cert, nil
}

// referencedElement resolves the Reference URI of sig: "" is the document
// element and "#id" the element whose Id attribute is id.
func referencedElement(d *etree.Document, sig *etree.Element) (*etree.Element, error) {
	ref := sig.FindElement("SignedInfo/Reference")
	if ref == nil {
		return nil, fmt.Errorf("%w: Reference", ErrElementNotFound)
	}
	uri := ref.SelectAttrValue("URI", "")
	if uri == "" {
		return d.Root(), nil
	}
	if !strings.HasPrefix(uri, "#") {
		return nil, fmt.Errorf("unsupported reference URI %q", uri)
	}
	id := uri[1:]
	el := findElement(d.Root(), func(el *etree.Element) bool {
		return el.SelectAttrValue("Id", "") == id
	})
	if el == nil {
		return nil, fmt.Errorf("%w: Id %s", ErrElementNotFound, id)
	}
	return el, nil
}

func hasTag(tag string) func(*etree.Element) bool {
	return func(el *etree.Element) bool { return el.Tag == tag }
}

// findElement returns the first element under root, root included, in document
// order that satisfies match.
func findElement(root *etree.Element, match func(*etree.Element) bool) *etree.Element {
	if root == nil {
		return nil
	}
	if match(root) {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := findElement(child, match); found != nil {
			return found
		}
	}
	return nil
}

func elementText(el *etree.Element, path string) string {
	found := el.FindElement(path)
	if found == nil {
		return ""
	}
	return strings.Join(strings.Fields(found.Text()), "")
}

// canonicalize renders el alone with inclusive C14N. Namespace declarations in
// scope from its ancestors are copied onto it first, since inclusive
// canonicalization of a subtree carries them.
func canonicalize(el *etree.Element) ([]byte, error) {
	if el == nil {
		return nil, errors.New("nothing to canonicalize")
	}
	cp := el.Copy()
	declared := make(map[string]bool)
	for _, a := range cp.Attr {
		if p, ok := nsPrefix(a); ok {
			declared[p] = true
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			prefix, ok := nsPrefix(a)
			if !ok || declared[prefix] {
				continue
			}
			declared[prefix] = true
			cp.CreateAttr(a.FullKey(), a.Value)
		}
	}

	doc := etree.NewDocument()
	doc.SetRoot(cp)
	buf, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return c14n.Canonicalize(xml.NewDecoder(bytes.NewReader(buf)))
}

// nsPrefix reports whether a is a namespace declaration and which prefix it binds.
func nsPrefix(a etree.Attr) (string, bool) {
	switch {
	case a.Space == "xmlns":
		return a.Key, true
	case a.Space == "" && a.Key == "xmlns":
		return "", true
	}
	return "", false
}
