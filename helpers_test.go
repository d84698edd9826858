package xmldsig

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/lafriks/go-xmldsig/v3/certvalidator"
	"github.com/lafriks/go-xmldsig/v3/internal/testpki"
	"github.com/lafriks/go-xmldsig/v3/revocation"
)

const sampleXML = `<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_97e34c50-65ec-4132-8b39-02933960a96a" Version="2.0" IssueInstant="2024-01-02T03:04:05Z">
  <saml:Issuer>https://sp.example.com/metadata</saml:Issuer>
  <samlp:NameIDPolicy AllowCreate="true" Format="urn:oasis:names:tc:SAML:2.0:nameid-format:transient"/>
  <saml:Subject ID="subject-1"><saml:NameID>alice@example.com</saml:NameID></saml:Subject>
  <saml:Conditions ID="conditions-1" NotOnOrAfter="2024-01-02T03:09:05Z"/>
</samlp:AuthnRequest>`

type signer struct {
	h    *testpki.Hierarchy
	cred *Credential
}

func newSigner(t *testing.T, kt testpki.KeyType) *signer {
	t.Helper()
	h := testpki.NewHierarchy(t, testpki.Template{KeyType: kt})
	cred, err := NewCredential(h.Leaf.Key, h.Chain()...)
	require.NoError(t, err)
	return &signer{h: h, cred: cred}
}

func (s *signer) signingContext() *SigningContext {
	return NewDefaultSigningContext(s.cred)
}

// validationContext trusts the signer's root and reports every certificate
// as not revoked.
func (s *signer) validationContext() *ValidationContext {
	vc := NewDefaultValidationContext(certvalidator.NewTrustAnchorSet(s.h.Root.Certificate))
	vc.Certificates.Revocation = revocation.NewChecker(revocation.NewStaticProvider())
	return vc
}

func parseDocument(t *testing.T, s string) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(s))
	return doc
}

// transmit serializes doc and parses it back, as a receiver would see it.
func transmit(t *testing.T, doc *etree.Document) *etree.Document {
	t.Helper()
	b, err := doc.WriteToBytes()
	require.NoError(t, err)
	out := etree.NewDocument()
	require.NoError(t, out.ReadFromBytes(b))
	return out
}

func signedDocument(t *testing.T, sc *SigningContext) *etree.Document {
	t.Helper()
	doc := parseDocument(t, sampleXML)
	_, err := sc.SignEnveloped(doc.Root())
	require.NoError(t, err)
	return transmit(t, doc)
}
