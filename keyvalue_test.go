package xmldsig

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/lafriks/go-xmldsig/v3/certvalidator"
	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/internal/testpki"
)

func keyValueSigned(t *testing.T, s *signer, pub crypto.PublicKey, withCerts bool) *etree.Document {
	t.Helper()
	kv, err := NewKeyValueElement(DefaultPrefix, pub)
	require.NoError(t, err)

	keyInfo := &etree.Element{Tag: KeyInfoTag}
	if withCerts {
		x509Data := keyInfo.CreateElement(DefaultPrefix + ":" + X509DataTag)
		x509Data.CreateElement(DefaultPrefix + ":" + X509CertificateTag).
			SetText(base64.StdEncoding.EncodeToString(s.h.Leaf.Certificate.Raw))
	}
	keyInfo.AddChild(kv)

	ctx := s.signingContext()
	ctx.KeyInfo = keyInfo
	return signedDocument(t, ctx)
}

func TestVerifyKeyValueSelectsAnchor(t *testing.T) {
	for _, kt := range []testpki.KeyType{testpki.RSA2048, testpki.ECDSAP256, testpki.ECDSAP384} {
		s := newSigner(t, kt)
		doc := keyValueSigned(t, s, s.h.Leaf.Key.Public(), false)

		vc := NewDefaultValidationContext(certvalidator.NewTrustAnchorSet(s.h.Root.Certificate, s.h.Leaf.Certificate))
		v, err := vc.Verify(context.Background(), doc.Root())
		require.NoError(t, err)
		require.Equal(t, []*x509.Certificate{s.h.Leaf.Certificate}, v.Chain)
		require.Equal(t, s.h.Leaf.Certificate, v.Signature.Certificates[0])
	}
}

func TestVerifyKeyValueWithoutMatchingAnchor(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	doc := keyValueSigned(t, s, s.h.Leaf.Key.Public(), false)

	vc := NewDefaultValidationContext(certvalidator.NewTrustAnchorSet(s.h.Root.Certificate))
	_, err := vc.Verify(context.Background(), doc.Root())
	require.ErrorIs(t, err, dsigerr.ErrUntrustedRoot)
}

func TestVerifyKeyValueMustMatchCertificate(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	doc := keyValueSigned(t, s, s.h.Root.Key.Public(), true)

	vc := s.validationContext()
	v, err := vc.Verify(context.Background(), doc.Root())
	require.ErrorIs(t, err, dsigerr.ErrSignatureInvalid)
	require.Contains(t, err.Error(), "KeyValue does not match")
	require.Equal(t, s.h.Leaf.Certificate, v.Failure.Certificate)

	doc = keyValueSigned(t, s, s.h.Leaf.Key.Public(), true)
	v, err = vc.Verify(context.Background(), doc.Root())
	require.NoError(t, err)
	require.Len(t, v.Chain, 3)
}

func TestKeyValuePublicKey(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	kv, err := NewKeyValueElement("", s.h.Leaf.Key.Public())
	require.NoError(t, err)

	ec := kv.FindElement("./" + ECKeyValueTag + "/" + PublicKeyTag)
	require.NotNil(t, ec)
	require.Equal(t, Namespace11, ec.NamespaceURI())

	key, err := (&KeyValue{ECKeyValue: &ECKeyValue{
		NamedCurve: &NamedCurve{URI: "urn:oid:1.2.840.10045.3.1.7"},
		PublicKey:  ec.Text(),
	}}).PublicKey()
	require.NoError(t, err)
	require.True(t, samePublicKey(s.h.Leaf.Key.Public(), key))

	_, err = (&KeyValue{ECKeyValue: &ECKeyValue{
		NamedCurve: &NamedCurve{URI: "urn:oid:1.3.132.0.10"},
		PublicKey:  ec.Text(),
	}}).PublicKey()
	require.ErrorIs(t, err, dsigerr.ErrUnsupportedAlgorithm)

	_, err = (&KeyValue{ECKeyValue: &ECKeyValue{
		NamedCurve: &NamedCurve{URI: "urn:oid:1.2.840.10045.3.1.7"},
		PublicKey:  base64.StdEncoding.EncodeToString(append([]byte{4}, make([]byte, 64)...)),
	}}).PublicKey()
	require.ErrorIs(t, err, dsigerr.ErrMalformedDocument)

	_, err = (&KeyValue{RSAKeyValue: &RSAKeyValue{Modulus: "AQAB", Exponent: "Ag=="}}).PublicKey()
	require.ErrorIs(t, err, dsigerr.ErrMalformedDocument)

	_, err = (&KeyValue{}).PublicKey()
	require.ErrorIs(t, err, dsigerr.ErrUnsupportedAlgorithm)
}
