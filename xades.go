package xmldsig

import (
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"math/big"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/etreeutils"
)

// XAdES namespace and the Reference Type of signed properties.
const (
	XAdESNamespace       = "http://uri.etsi.org/01903/v1.3.2#"
	SignedPropertiesType = "http://uri.etsi.org/01903#SignedProperties"
	XAdESPrefix          = "xades"
)

// XAdES element and attribute names.
const (
	QualifyingPropertiesTag        = "QualifyingProperties"
	SignedPropertiesTag            = "SignedProperties"
	SignedSignaturePropertiesTag   = "SignedSignatureProperties"
	SigningTimeTag                 = "SigningTime"
	SigningCertificateTag          = "SigningCertificate"
	CertTag                        = "Cert"
	CertDigestTag                  = "CertDigest"
	IssuerSerialTag                = "IssuerSerial"
	SignaturePolicyIdentifierTag   = "SignaturePolicyIdentifier"
	SignaturePolicyImpliedTag      = "SignaturePolicyImplied"
	UnsignedPropertiesTag          = "UnsignedProperties"
	UnsignedSignaturePropertiesTag = "UnsignedSignatureProperties"
	SignatureTimeStampTag          = "SignatureTimeStamp"
	EncapsulatedTimeStampTag       = "EncapsulatedTimeStamp"

	TargetAttr = "Target"
)

const signingTimeLayout = "2006-01-02T15:04:05Z"

// SignedPropertiesOptions selects the XAdES signed properties added to a
// signature.
type SignedPropertiesOptions struct {
	// SigningTime is the claimed signing time. The signing context clock is
	// used when it is zero.
	SigningTime time.Time
	// CertDigestMethod digests the signing certificate, SHA-256 by default.
	CertDigestMethod string
	// PolicyImplied adds an implied signature policy identifier.
	PolicyImplied bool
}

// SignedProperties are the XAdES signed properties of a verified signature.
// SigningTime is the signer's claim and is not used as a reference time.
type SignedProperties struct {
	ID                  string
	SigningTime         time.Time
	SigningCertificates []SigningCertificate
	PolicyImplied       bool
}

// SigningCertificate identifies the certificate the signer committed to.
type SigningCertificate struct {
	DigestMethod string
	Digest       []byte
	IssuerName   string
	SerialNumber *big.Int
}

func (sc *SigningContext) createXAdESElement(el *etree.Element, tag string) *etree.Element {
	child := el.CreateElement(tag)
	child.Space = XAdESPrefix
	return child
}

// qualifyingProperties appends xades:QualifyingProperties for the signature
// sigID to object. The returned ID names the SignedProperties element, and
// is empty when no signed properties were requested.
func (sc *SigningContext) qualifyingProperties(object *etree.Element, sigID string, leaf *x509.Certificate) (*etree.Element, string, error) {
	qp := sc.createXAdESElement(object, QualifyingPropertiesTag)
	qp.CreateAttr("xmlns:"+XAdESPrefix, XAdESNamespace)
	qp.CreateAttr(TargetAttr, "#"+sigID)

	opts := sc.Properties
	if opts == nil {
		return qp, "", nil
	}

	digestMethod := opts.CertDigestMethod
	if digestMethod == "" {
		digestMethod = SHA256DigestMethod
	}
	digestAlg, err := LookupDigestAlgorithm(digestMethod, sc.AllowWeakAlgorithms)
	if err != nil {
		return nil, "", err
	}

	signingTime := opts.SigningTime
	if signingTime.IsZero() {
		signingTime = clockOrReal(sc.Clock).Now()
	}

	id := sigID + "-SignedProperties"
	props := sc.createXAdESElement(qp, SignedPropertiesTag)
	props.CreateAttr(IdAttr, id)
	ssp := sc.createXAdESElement(props, SignedSignaturePropertiesTag)
	sc.createXAdESElement(ssp, SigningTimeTag).SetText(signingTime.UTC().Format(signingTimeLayout))

	cert := sc.createXAdESElement(sc.createXAdESElement(ssp, SigningCertificateTag), CertTag)
	certDigest := sc.createXAdESElement(cert, CertDigestTag)
	sc.createNamespacedElement(certDigest, DigestMethodTag).CreateAttr(AlgorithmAttr, digestAlg.ID)
	sc.createNamespacedElement(certDigest, DigestValueTag).SetText(base64.StdEncoding.EncodeToString(digestAlg.Sum(leaf.Raw)))
	issuerSerial := sc.createXAdESElement(cert, IssuerSerialTag)
	sc.createNamespacedElement(issuerSerial, X509IssuerNameTag).SetText(leaf.Issuer.String())
	sc.createNamespacedElement(issuerSerial, X509SerialNumberTag).SetText(leaf.SerialNumber.String())

	if opts.PolicyImplied {
		sc.createXAdESElement(sc.createXAdESElement(ssp, SignaturePolicyIdentifierTag), SignaturePolicyImpliedTag)
	}
	return qp, id, nil
}

// embedTimestamp stores an RFC 3161 token over the signature value in the
// unsigned properties of qp.
func (sc *SigningContext) embedTimestamp(qp *etree.Element, token []byte) {
	up := sc.createXAdESElement(qp, UnsignedPropertiesTag)
	usp := sc.createXAdESElement(up, UnsignedSignaturePropertiesTag)
	sts := sc.createXAdESElement(usp, SignatureTimeStampTag)
	sc.createXAdESElement(sts, EncapsulatedTimeStampTag).SetText(base64.StdEncoding.EncodeToString(token))
}

type xadesQualifyingProperties struct {
	XMLName          xml.Name `xml:"http://uri.etsi.org/01903/v1.3.2# QualifyingProperties"`
	Target           string   `xml:"Target,attr"`
	SignedProperties *struct {
		ID          string      `xml:"Id,attr"`
		SigningTime string      `xml:"SignedSignatureProperties>SigningTime"`
		Certs       []xadesCert `xml:"SignedSignatureProperties>SigningCertificate>Cert"`
		Implied     *struct{}   `xml:"SignedSignatureProperties>SignaturePolicyIdentifier>SignaturePolicyImplied"`
	} `xml:"SignedProperties"`
	Timestamps []string `xml:"UnsignedProperties>UnsignedSignatureProperties>SignatureTimeStamp>EncapsulatedTimeStamp"`
}

type xadesCert struct {
	CertDigest struct {
		DigestMethod struct {
			Algorithm string `xml:"Algorithm,attr"`
		} `xml:"DigestMethod"`
		DigestValue string `xml:"DigestValue"`
	} `xml:"CertDigest"`
	IssuerName   string `xml:"IssuerSerial>X509IssuerName"`
	SerialNumber string `xml:"IssuerSerial>X509SerialNumber"`
}

// qualifyingClaims are the XAdES properties found on a signature, before
// any of them is checked.
type qualifyingClaims struct {
	props *SignedProperties
	// timestamp is the first encapsulated signature time-stamp.
	timestamp []byte
}

// parseQualifyingProperties extracts the QualifyingProperties targeting the
// signature sigEl. It returns nil claims when there are none.
func parseQualifyingProperties(sigEl *etree.Element, sigID string) (*qualifyingClaims, error) {
	if sigID == "" {
		return nil, nil
	}
	nsctx, err := etreeutils.NSBuildParentContext(sigEl)
	if err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "signature namespace scope")
	}
	nsctx, err = nsctx.SubContext(sigEl)
	if err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "signature namespace scope")
	}

	var qpEl *etree.Element
	var qpCtx etreeutils.NSContext
	err = etreeutils.NSFindChildrenIterateCtx(nsctx, sigEl, Namespace, ObjectTag, func(ctx etreeutils.NSContext, object *etree.Element) error {
		err := etreeutils.NSFindChildrenIterateCtx(ctx, object, XAdESNamespace, QualifyingPropertiesTag, func(ctx etreeutils.NSContext, el *etree.Element) error {
			if el.SelectAttrValue(TargetAttr, "") != "#"+sigID {
				return nil
			}
			qpEl, qpCtx = el, ctx
			return etreeutils.ErrTraversalHalted
		})
		if err == nil && qpEl != nil {
			return etreeutils.ErrTraversalHalted
		}
		return err
	})
	if err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "find qualifying properties")
	}
	if qpEl == nil {
		return nil, nil
	}

	var qp xadesQualifyingProperties
	if err := etreeutils.NSUnmarshalElement(qpCtx, qpEl, &qp); err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "parse qualifying properties")
	}

	claims := &qualifyingClaims{}
	if len(qp.Timestamps) > 0 {
		claims.timestamp, err = decodeBase64(qp.Timestamps[0])
		if err != nil {
			return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "decode signature time-stamp")
		}
	}

	if sp := qp.SignedProperties; sp != nil {
		props := &SignedProperties{ID: sp.ID, PolicyImplied: sp.Implied != nil}
		if s := strings.TrimSpace(sp.SigningTime); s != "" {
			props.SigningTime, err = time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "parse SigningTime")
			}
		}
		for _, c := range sp.Certs {
			digest, err := decodeBase64(c.CertDigest.DigestValue)
			if err != nil {
				return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "decode certificate digest")
			}
			cert := SigningCertificate{
				DigestMethod: c.CertDigest.DigestMethod.Algorithm,
				Digest:       digest,
				IssuerName:   strings.TrimSpace(c.IssuerName),
			}
			if s := strings.TrimSpace(c.SerialNumber); s != "" {
				serial, ok := new(big.Int).SetString(s, 10)
				if !ok {
					return nil, dsigerr.New(dsigerr.MalformedDocument, "invalid X509SerialNumber %q", s)
				}
				cert.SerialNumber = serial
			}
			props.SigningCertificates = append(props.SigningCertificates, cert)
		}
		claims.props = props
	}
	return claims, nil
}

// signed reports whether one of refs covers the signed properties.
func (p *SignedProperties) signed(refs []Reference) bool {
	if p == nil || p.ID == "" {
		return false
	}
	for _, ref := range refs {
		if ref.URI == "#"+p.ID {
			return true
		}
	}
	return false
}

// checkSigningCertificate requires leaf to match one of the committed
// signing certificates.
func (p *SignedProperties) checkSigningCertificate(leaf *x509.Certificate, allowWeak bool) error {
	if len(p.SigningCertificates) == 0 {
		return nil
	}
	for _, c := range p.SigningCertificates {
		alg, err := LookupDigestAlgorithm(c.DigestMethod, allowWeak)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(alg.Sum(leaf.Raw), c.Digest) != 1 {
			continue
		}
		if c.SerialNumber != nil && c.SerialNumber.Cmp(leaf.SerialNumber) != 0 {
			continue
		}
		return nil
	}
	return dsigerr.New(dsigerr.SignatureInvalid, "signing certificate property does not match the KeyInfo certificate").WithCertificate(leaf)
}
