package xmldsig

import (
	"encoding/xml"

	"github.com/beevik/etree"
)

type InclusiveNamespaces struct {
	XMLName    xml.Name `xml:"http://www.w3.org/2001/10/xml-exc-c14n# InclusiveNamespaces"`
	PrefixList string   `xml:"PrefixList,attr"`
}

type Transform struct {
	XMLName             xml.Name             `xml:"http://www.w3.org/2000/09/xmldsig# Transform"`
	Algorithm           string               `xml:"Algorithm,attr"`
	InclusiveNamespaces *InclusiveNamespaces `xml:"InclusiveNamespaces"`
}

// PrefixList returns the inclusive namespace prefixes of an exclusive
// canonicalization transform.
func (t Transform) PrefixList() string {
	if t.InclusiveNamespaces == nil {
		return ""
	}
	return t.InclusiveNamespaces.PrefixList
}

type Transforms struct {
	XMLName    xml.Name    `xml:"http://www.w3.org/2000/09/xmldsig# Transforms"`
	Transforms []Transform `xml:"Transform"`
}

type DigestMethod struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# DigestMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

type Reference struct {
	XMLName     xml.Name     `xml:"http://www.w3.org/2000/09/xmldsig# Reference"`
	ID          string       `xml:"Id,attr,omitempty"`
	URI         string       `xml:"URI,attr"`
	Type        string       `xml:"Type,attr,omitempty"`
	Transforms  Transforms   `xml:"Transforms"`
	DigestAlgo  DigestMethod `xml:"DigestMethod"`
	DigestValue string       `xml:"http://www.w3.org/2000/09/xmldsig# DigestValue"`
}

type CanonicalizationMethod struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# CanonicalizationMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
	// InclusiveNamespaces may carry a PrefixList for exclusive
	// canonicalization of SignedInfo.
	InclusiveNamespaces *InclusiveNamespaces `xml:"InclusiveNamespaces"`
}

type SignatureMethod struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# SignatureMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

type SignedInfo struct {
	XMLName                xml.Name               `xml:"http://www.w3.org/2000/09/xmldsig# SignedInfo"`
	CanonicalizationMethod CanonicalizationMethod `xml:"CanonicalizationMethod"`
	SignatureMethod        SignatureMethod        `xml:"SignatureMethod"`
	References             []Reference            `xml:"Reference"`
}

type SignatureValue struct {
	XMLName xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# SignatureValue"`
	Data    string   `xml:",chardata"`
}

type X509Certificate struct {
	XMLName xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# X509Certificate"`
	Data    string   `xml:",chardata"`
}

type X509Data struct {
	XMLName          xml.Name          `xml:"http://www.w3.org/2000/09/xmldsig# X509Data"`
	X509Certificates []X509Certificate `xml:"X509Certificate"`
}

type RSAKeyValue struct {
	Modulus  string `xml:"Modulus"`
	Exponent string `xml:"Exponent"`
}

type NamedCurve struct {
	URI string `xml:"URI,attr"`
}

type ECKeyValue struct {
	NamedCurve *NamedCurve `xml:"NamedCurve"`
	PublicKey  string      `xml:"PublicKey"`
}

type KeyValue struct {
	RSAKeyValue *RSAKeyValue `xml:"RSAKeyValue"`
	ECKeyValue  *ECKeyValue  `xml:"ECKeyValue"`
}

type KeyInfo struct {
	XMLName  xml.Name   `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
	X509Data []X509Data `xml:"X509Data"`
	KeyValue *KeyValue  `xml:"KeyValue"`
}

// Certificates returns the encoded certificates of every X509Data block in
// document order.
func (k *KeyInfo) Certificates() []string {
	if k == nil {
		return nil
	}
	var out []string
	for _, data := range k.X509Data {
		for _, cert := range data.X509Certificates {
			out = append(out, cert.Data)
		}
	}
	return out
}

// Signature is the parsed form of a ds:Signature element.
type Signature struct {
	XMLName        xml.Name        `xml:"http://www.w3.org/2000/09/xmldsig# Signature"`
	ID             string          `xml:"Id,attr,omitempty"`
	SignedInfo     *SignedInfo     `xml:"SignedInfo"`
	SignatureValue *SignatureValue `xml:"SignatureValue"`
	KeyInfo        *KeyInfo        `xml:"KeyInfo"`
	el             *etree.Element
}

// SetUnderlyingElement records the element the signature was parsed from.
func (s *Signature) SetUnderlyingElement(el *etree.Element) {
	s.el = el
}

// UnderlyingElement returns the element the signature was parsed from.
func (s *Signature) UnderlyingElement() *etree.Element {
	return s.el
}
