package nfse

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaiqueVfreitas/projeto-nfes-google/internal/pkitest"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	ca := pkitest.NewCA(t, "AC test")
	id := ca.Issue(t, pkitest.Config{CommonName: "EMPRESA LTDA:12345678000199"})
	s, err := NewSigner(id.TLS())
	require.NoError(t, err)
	return s
}

func builtDocument(t *testing.T) []byte {
	t.Helper()
	out, err := Build(sampleRecord()).WriteToBytes()
	require.NoError(t, err)
	return out
}

func TestSignAndVerify(t *testing.T) {
	s := newTestSigner(t)
	signed, err := Sign(builtDocument(t), s, SignOptions{})
	require.NoError(t, err)

	cert, err := Verify(signed, SignOptions{})
	require.NoError(t, err)
	assert.Equal(t, "EMPRESA LTDA:12345678000199", cert.Subject.CommonName)
	assert.Equal(t, s.Certificate().Raw, cert.Raw)

	d := etree.NewDocument()
	require.NoError(t, d.ReadFromBytes(signed))
	sig := d.FindElement("//Nfse/Signature")
	require.NotNil(t, sig)
	assert.Equal(t, NsXMLDSig, sig.SelectAttrValue("xmlns", ""))
	assert.Nil(t, sig.SelectAttr("Id"))
	id := d.FindElement("//Nfse").SelectAttrValue("Id", "")
	assert.True(t, strings.HasPrefix(id, "Nfse_"), id)
	assert.Equal(t, "#"+id, sig.FindElement("SignedInfo/Reference").SelectAttrValue("URI", ""))
	assert.Equal(t, AlgC14N, sig.FindElement("SignedInfo/CanonicalizationMethod").SelectAttrValue("Algorithm", ""))
	assert.Equal(t, AlgRSASHA256, sig.FindElement("SignedInfo/SignatureMethod").SelectAttrValue("Algorithm", ""))
	assert.Len(t, sig.FindElements("SignedInfo/Reference/Transforms/Transform"), 2)
	assert.NotNil(t, sig.FindElement("KeyInfo/X509Data/X509Certificate"))
	assert.Nil(t, sig.FindElement(".//X509IssuerSerial"))
	assert.Nil(t, sig.FindElement(".//KeyValue"))

	// The signature is the last child of the signed element.
	nfse := d.FindElement("//Nfse")
	children := nfse.ChildElements()
	assert.Equal(t, "Signature", children[len(children)-1].Tag)
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := newTestSigner(t)
	signed, err := Sign(builtDocument(t), s, SignOptions{})
	require.NoError(t, err)

	changed := bytes.Replace(signed, []byte("<ValorServicos>1500.00<"), []byte("<ValorServicos>15.00<"), 1)
	require.NotEqual(t, signed, changed)
	_, err = Verify(changed, SignOptions{})
	assert.ErrorIs(t, err, ErrDigestMismatch)

	d := etree.NewDocument()
	require.NoError(t, d.ReadFromBytes(signed))
	d.FindElement("//SignedInfo/CanonicalizationMethod").CreateAttr("Algorithm", "http://www.w3.org/2001/10/xml-exc-c14n#")
	forged, err := d.WriteToBytes()
	require.NoError(t, err)
	_, err = Verify(forged, SignOptions{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDigestMismatch)
}

func TestSignDocumentElement(t *testing.T) {
	doc := []byte(`<Nfse><InfNfse><Numero>54</Numero></InfNfse></Nfse>`)
	s := newTestSigner(t)
	signed, err := Sign(doc, s, SignOptions{})
	require.NoError(t, err)
	_, err = Verify(signed, SignOptions{})
	require.NoError(t, err)

	d := etree.NewDocument()
	require.NoError(t, d.ReadFromBytes(signed))
	assert.Nil(t, d.Root().SelectAttr("Id"))
	assert.Equal(t, "", d.FindElement("//Reference").SelectAttrValue("URI", "-"))
}

func TestVerifyResolvesReference(t *testing.T) {
	s := newTestSigner(t)
	signed, err := Sign(builtDocument(t), s, SignOptions{})
	require.NoError(t, err)

	// An empty URI covers the whole document, not the signed element.
	d := etree.NewDocument()
	require.NoError(t, d.ReadFromBytes(signed))
	d.FindElement("//Reference").CreateAttr("URI", "")
	whole, err := d.WriteToBytes()
	require.NoError(t, err)
	_, err = Verify(whole, SignOptions{})
	assert.ErrorIs(t, err, ErrDigestMismatch)

	d.FindElement("//Reference").CreateAttr("URI", "#missing")
	dangling, err := d.WriteToBytes()
	require.NoError(t, err)
	_, err = Verify(dangling, SignOptions{})
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func TestSignInheritsNamespaces(t *testing.T) {
	doc := []byte(`<?xml version="1.0" encoding="utf-8"?>
<EnviarLoteRpsEnvio xmlns="http://www.abrasf.org.br/nfse.xsd" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <LoteRps Id="lote1">
    <NumeroLote>1</NumeroLote>
    <Cnpj>12345678000199</Cnpj>
  </LoteRps>
</EnviarLoteRpsEnvio>`)
	s := newTestSigner(t)
	opts := SignOptions{Tag: "LoteRps", SignatureID: true}
	signed, err := Sign(doc, s, opts)
	require.NoError(t, err)
	_, err = Verify(signed, opts)
	require.NoError(t, err)

	d := etree.NewDocument()
	require.NoError(t, d.ReadFromBytes(signed))
	sig := d.FindElement("//LoteRps/Signature")
	require.NotNil(t, sig)
	assert.Equal(t, "#lote1", sig.FindElement("SignedInfo/Reference").SelectAttrValue("URI", ""))
	assert.True(t, strings.HasPrefix(sig.SelectAttrValue("Id", ""), "Ass_"))
	assert.True(t, strings.HasPrefix(string(signed), `<?xml version="1.0" encoding="utf-8"?>`))
}

func TestSignErrors(t *testing.T) {
	s := newTestSigner(t)

	_, err := Sign([]byte("<a><b/></a>"), s, SignOptions{})
	assert.ErrorIs(t, err, ErrElementNotFound)

	_, err = Sign([]byte("<a><b>"), s, SignOptions{Tag: "b"})
	assert.Error(t, err)

	for _, tag := range []string{"Nfse[", "Nfse[@Id", "//", "a/b"} {
		_, err = Sign(builtDocument(t), s, SignOptions{Tag: tag})
		assert.ErrorIs(t, err, ErrElementNotFound, tag)
		_, err = Verify(builtDocument(t), SignOptions{Tag: tag})
		assert.ErrorIs(t, err, ErrElementNotFound, tag)
	}

	signed, err := Sign(builtDocument(t), s, SignOptions{})
	require.NoError(t, err)
	_, err = Sign(signed, s, SignOptions{})
	assert.ErrorIs(t, err, ErrAlreadySigned)

	_, err = Verify(builtDocument(t), SignOptions{})
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestNewSignerRejectsNonRSA(t *testing.T) {
	ca := pkitest.NewCA(t, "AC test")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = NewSigner(tls.Certificate{Certificate: [][]byte{ca.Cert.Raw}, PrivateKey: key})
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = NewSigner(tls.Certificate{})
	assert.Error(t, err)
}

func TestMakeSecureId(t *testing.T) {
	a, b := makeSecureId("Ass_"), makeSecureId("Ass_")
	assert.Len(t, a, len("Ass_")+32)
	assert.NotEqual(t, a, b)
}
