package nfse

import (
	"encoding/xml"
)

const (
	NsXMLDSig           = "http://www.w3.org/2000/09/xmldsig#"
	AlgC14N             = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgEnvelopedSig     = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	AlgRSASHA256        = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgSHA256           = "http://www.w3.org/2001/04/xmlenc#sha256"
	defaultSignatureTag = "Nfse"
)

type canonicalizationMethod struct {
	XMLName   xml.Name `xml:"CanonicalizationMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

type signatureMethod struct {
	XMLName   xml.Name `xml:"SignatureMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

type digestMethod struct {
	XMLName   xml.Name `xml:"DigestMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

type transform struct {
	XMLName   xml.Name `xml:"Transform"`
	Algorithm string   `xml:"Algorithm,attr"`
}

type transforms struct {
	XMLName   xml.Name    `xml:"Transforms"`
	Transform []transform
}

type signatureReference struct {
	XMLName xml.Name `xml:"Reference"`
	URI     string   `xml:"URI,attr"`

	Transforms transforms

	DigestMethod digestMethod
	DigestValue  string `xml:"DigestValue"`
}

type signedInfo struct {
	XMLName xml.Name `xml:"SignedInfo"`
	XMLNS   string   `xml:"xmlns,attr,omitempty"`

	CanonicalizationMethod canonicalizationMethod
	SignatureMethod        signatureMethod
	Reference              signatureReference
}

type x509Data struct {
	XMLName         xml.Name `xml:"X509Data"`
	X509Certificate string   `xml:"X509Certificate"`
}

type keyInfo struct {
	XMLName  xml.Name `xml:"KeyInfo"`
	X509Data x509Data
}

// signature is the enveloped ds:Signature element. It is declared in the default
// namespace, as the municipal schemas expect, rather than with a ds: prefix.
type signature struct {
	XMLName xml.Name `xml:"Signature"`
	XMLNS   string   `xml:"xmlns,attr"`
	ID      string   `xml:"Id,attr,omitempty"`

	SignedInfo     signedInfo
	SignatureValue string `xml:"SignatureValue"`
	KeyInfo        keyInfo
}

func newSignedInfo(uri, digest string) signedInfo {
	return signedInfo{
		CanonicalizationMethod: canonicalizationMethod{Algorithm: AlgC14N},
		SignatureMethod:        signatureMethod{Algorithm: AlgRSASHA256},
		Reference: signatureReference{
			URI: uri,
			Transforms: transforms{
				Transform: []transform{
					{Algorithm: AlgEnvelopedSig},
					{Algorithm: AlgC14N},
				},
			},
			DigestMethod: digestMethod{Algorithm: AlgSHA256},
			DigestValue:  digest,
		},
	}
}
