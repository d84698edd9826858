package xmldsig

import (
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/internal/testpki"
	"github.com/lafriks/go-xmldsig/v3/metrics"
)

func TestSign(t *testing.T) {
	s := newSigner(t, testpki.RSA2048)
	testSignWithContext(t, s.signingContext(), RSASHA256SignatureMethod, crypto.SHA256)
}

func TestNewSigningContext(t *testing.T) {
	s := newSigner(t, testpki.RSA2048)
	ctx, err := NewSigningContext(s.h.Leaf.Key, [][]byte{s.h.Leaf.Certificate.Raw, s.h.Intermediate.Certificate.Raw})
	require.NoError(t, err)
	testSignWithContext(t, ctx, RSASHA256SignatureMethod, crypto.SHA256)
}

func TestNewSigningContextRejectsGarbage(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)

	_, err := NewSigningContext(s.h.Leaf.Key, [][]byte{[]byte("not a certificate")})
	require.Equal(t, dsigerr.CredentialInvalid, dsigerr.KindOf(err))

	_, err = NewSigningContext(nil, [][]byte{s.h.Leaf.Certificate.Raw})
	require.ErrorIs(t, err, ErrMissingSigner)

	_, err = NewSigningContext(s.h.Leaf.Key, nil)
	require.ErrorIs(t, err, ErrMissingCertificates)
}

func TestSignWithECDSA(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP384)
	ctx := s.signingContext()
	ctx.DigestMethod = SHA384DigestMethod
	testSignWithContext(t, ctx, ECDSASHA384SignatureMethod, crypto.SHA384)
}

func TestSignWithEd25519(t *testing.T) {
	s := newSigner(t, testpki.Ed25519)
	testSignWithContext(t, s.signingContext(), Ed25519SignatureMethod, crypto.SHA256)
}

func testSignWithContext(t *testing.T, ctx *SigningContext, sigMethodID string, digestAlgo crypto.Hash) {
	doc := parseDocument(t, sampleXML)
	root := doc.Root()

	hash := digestAlgo.New()
	canonicalized, err := ctx.Canonicalizer.Canonicalize(root)
	require.NoError(t, err)
	_, err = hash.Write(canonicalized)
	require.NoError(t, err)
	digest := hash.Sum(nil)

	composed, err := ctx.SignEnveloped(root)
	require.NoError(t, err)
	require.NotNil(t, composed)

	sig := composed.Element
	require.Same(t, root, sig.Parent())
	children := root.ChildElements()
	require.Same(t, sig, children[len(children)-1])
	require.Equal(t, DefaultPrefix, sig.Space)
	require.Equal(t, Namespace, sig.SelectAttrValue("xmlns:"+DefaultPrefix, ""))

	signedInfo := sig.SelectElement(SignedInfoTag)
	require.NotNil(t, signedInfo)

	canonicalizationMethodElement := signedInfo.SelectElement(CanonicalizationMethodTag)
	require.NotNil(t, canonicalizationMethodElement)
	require.Equal(t, string(CanonicalXML11AlgorithmId), canonicalizationMethodElement.SelectAttrValue(AlgorithmAttr, ""))

	signatureMethodElement := signedInfo.SelectElement(SignatureMethodTag)
	require.NotNil(t, signatureMethodElement)
	require.Equal(t, sigMethodID, signatureMethodElement.SelectAttrValue(AlgorithmAttr, ""))

	referenceElements := signedInfo.SelectElements(ReferenceTag)
	require.Len(t, referenceElements, 1)
	referenceElement := referenceElements[0]

	uriAttr := referenceElement.SelectAttr(URIAttr)
	require.NotNil(t, uriAttr)
	require.Equal(t, "", uriAttr.Value)

	transformsElement := referenceElement.SelectElement(TransformsTag)
	require.NotNil(t, transformsElement)
	transforms := transformsElement.SelectElements(TransformTag)
	require.Len(t, transforms, 2)
	require.Equal(t, string(EnvelopedSignatureAlgorithmId), transforms[0].SelectAttrValue(AlgorithmAttr, ""))
	require.Equal(t, string(CanonicalXML11AlgorithmId), transforms[1].SelectAttrValue(AlgorithmAttr, ""))

	digestValueElement := referenceElement.SelectElement(DigestValueTag)
	require.NotNil(t, digestValueElement)
	require.Equal(t, base64.StdEncoding.EncodeToString(digest), digestValueElement.Text())

	certs := sig.FindElements("./" + KeyInfoTag + "/" + X509DataTag + "/" + X509CertificateTag)
	require.Len(t, certs, len(ctx.Credential.Chain))
	require.Equal(t, base64.StdEncoding.EncodeToString(ctx.Credential.Leaf().Raw), certs[0].Text())

	signatureValue := sig.SelectElement(SignatureValueTag)
	require.NotNil(t, signatureValue)
	raw, err := base64.StdEncoding.DecodeString(signatureValue.Text())
	require.NoError(t, err)
	require.Equal(t, composed.SignatureValue, raw)

	alg, err := LookupSignatureAlgorithm(sigMethodID, false)
	require.NoError(t, err)
	canonicalSignedInfo, err := ctx.Canonicalizer.Canonicalize(signedInfo)
	require.NoError(t, err)
	require.NoError(t, alg.Verify(ctx.Credential.Leaf().PublicKey, canonicalSignedInfo, raw))
}

func TestSignNonDefaultID(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()
	ctx.IdAttribute = "ID"

	doc := parseDocument(t, sampleXML)
	subject := doc.FindElement("//saml:Subject")
	require.NotNil(t, subject)

	composed, err := ctx.Sign(doc.Root(), subject, subject)
	require.NoError(t, err)
	require.Same(t, subject, composed.Element.Parent())

	require.Len(t, composed.SignedInfo.References, 1)
	ref := composed.SignedInfo.References[0]
	require.Equal(t, "#subject-1", ref.URI)
	require.Len(t, ref.Transforms.Transforms, 2)
	require.Equal(t, string(EnvelopedSignatureAlgorithmId), ref.Transforms.Transforms[0].Algorithm)
}

func TestSignMultipleTargets(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()
	ctx.IdAttribute = "ID"

	doc := parseDocument(t, sampleXML)
	subject := doc.FindElement("//saml:Subject")
	conditions := doc.FindElement("//saml:Conditions")

	composed, err := ctx.Sign(doc.Root(), nil, subject, conditions)
	require.NoError(t, err)
	require.Same(t, doc.Root(), composed.Element.Parent())

	refs := composed.SignedInfo.References
	require.Len(t, refs, 2)
	require.Equal(t, "#subject-1", refs[0].URI)
	require.Equal(t, "#conditions-1", refs[1].URI)
	for _, ref := range refs {
		// The signature lies outside both targets.
		require.Len(t, ref.Transforms.Transforms, 1)
		require.Equal(t, string(CanonicalXML11AlgorithmId), ref.Transforms.Transforms[0].Algorithm)
		require.Equal(t, SHA256DigestMethod, ref.DigestAlgo.Algorithm)
	}
}

func TestSignRejectsUnaddressableTargets(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()

	doc := parseDocument(t, sampleXML)
	root := doc.Root()
	policy := doc.FindElement("//samlp:NameIDPolicy")

	_, err := ctx.Sign(root, nil, policy)
	require.Equal(t, dsigerr.MalformedDocument, dsigerr.KindOf(err))
	require.Contains(t, err.Error(), "has no Id attribute")

	other := parseDocument(t, `<other Id="x"/>`)
	_, err = ctx.Sign(root, nil, other.Root())
	require.Equal(t, dsigerr.MalformedDocument, dsigerr.KindOf(err))

	_, err = ctx.Sign(policy, nil)
	require.Equal(t, dsigerr.MalformedDocument, dsigerr.KindOf(err))

	_, err = ctx.Sign(root, other.Root())
	require.Equal(t, dsigerr.MalformedDocument, dsigerr.KindOf(err))

	require.Empty(t, root.SelectElements(SignatureTag))
}

func TestSignRejectsDuplicateTargetID(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()
	ctx.IdAttribute = "ID"

	doc := parseDocument(t, sampleXML)
	doc.Root().CreateElement("Extensions").CreateAttr("ID", "subject-1")
	subject := doc.FindElement("//saml:Subject")

	_, err := ctx.Sign(doc.Root(), nil, subject)
	require.Equal(t, dsigerr.MalformedDocument, dsigerr.KindOf(err))

	e, ok := dsigerr.As(err)
	require.True(t, ok)
	require.Equal(t, "#subject-1", e.Reference)
}

func TestIncompatibleSignatureMethods(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()

	err := ctx.SetSignatureMethod(RSASHA256SignatureMethod)
	require.Equal(t, dsigerr.CredentialInvalid, dsigerr.KindOf(err))

	err = ctx.SetSignatureMethod("urn:example:unknown")
	require.Equal(t, dsigerr.UnsupportedAlgorithm, dsigerr.KindOf(err))

	require.NoError(t, ctx.SetSignatureMethod(ECDSASHA512SignatureMethod))
	require.Equal(t, ECDSASHA512SignatureMethod, ctx.SignatureMethod)

	ctx.SignatureMethod = RSASHA256SignatureMethod
	doc := parseDocument(t, sampleXML)
	_, err = ctx.SignEnveloped(doc.Root())
	require.Equal(t, dsigerr.CredentialInvalid, dsigerr.KindOf(err))
	require.Empty(t, doc.Root().SelectElements(SignatureTag))
}

func TestWeakSignatureMethodNeedsOptIn(t *testing.T) {
	s := newSigner(t, testpki.RSA2048)
	ctx := s.signingContext()

	err := ctx.SetSignatureMethod(RSASHA1SignatureMethod)
	require.Equal(t, dsigerr.UnsupportedAlgorithm, dsigerr.KindOf(err))

	ctx.DigestMethod = SHA1DigestMethod
	_, err = ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.Equal(t, dsigerr.UnsupportedAlgorithm, dsigerr.KindOf(err))

	ctx.AllowWeakAlgorithms = true
	require.NoError(t, ctx.SetSignatureMethod(RSASHA1SignatureMethod))
	_, err = ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.NoError(t, err)
}

func TestSignRejectsMismatchedKey(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	other := newSigner(t, testpki.ECDSAP256)

	cred, err := NewCredential(other.h.Leaf.Key, s.h.Chain()...)
	require.NoError(t, err)

	doc := parseDocument(t, sampleXML)
	_, err = NewDefaultSigningContext(cred).SignEnveloped(doc.Root())
	require.Equal(t, dsigerr.CredentialInvalid, dsigerr.KindOf(err))
	require.Contains(t, err.Error(), "does not match certificate")
	require.Empty(t, doc.Root().SelectElements(SignatureTag))
}

func TestSignWithoutCredential(t *testing.T) {
	ctx := NewDefaultSigningContext(nil)
	_, err := ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.Equal(t, dsigerr.CredentialInvalid, dsigerr.KindOf(err))

	ctx.SignatureMethod = ECDSASHA256SignatureMethod
	_, err = ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.Equal(t, dsigerr.CredentialInvalid, dsigerr.KindOf(err))
}

type failingTimestamper struct{}

func (failingTimestamper) Timestamp(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("tsa unavailable")
}

func TestSignRollsBackOnTimestampFailure(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()
	ctx.Timestamper = failingTimestamper{}

	doc := parseDocument(t, sampleXML)
	before, err := doc.WriteToString()
	require.NoError(t, err)

	_, err = ctx.SignEnveloped(doc.Root())
	require.Equal(t, dsigerr.TimestampInvalid, dsigerr.KindOf(err))
	require.Contains(t, err.Error(), "tsa unavailable")

	after, err := doc.WriteToString()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSignGeneratesSignatureID(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()
	ctx.Properties = &SignedPropertiesOptions{}

	first, err := ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.NoError(t, err)
	second, err := ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.NoError(t, err)

	require.Regexp(t, `^Signature-[0-9a-f]{32}$`, first.ID)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, first.ID, first.Element.SelectAttrValue(IdAttr, ""))

	ctx.SignatureID = "sig-1"
	third, err := ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.NoError(t, err)
	require.Equal(t, "sig-1", third.ID)

	refs := third.SignedInfo.References
	require.Len(t, refs, 2)
	require.Equal(t, "#sig-1-SignedProperties", refs[1].URI)
	require.Equal(t, SignedPropertiesType, refs[1].Type)
}

func TestSignWithoutPropertiesHasNoID(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	composed, err := s.signingContext().SignEnveloped(parseDocument(t, sampleXML).Root())
	require.NoError(t, err)
	require.Empty(t, composed.ID)
	require.Nil(t, composed.Element.SelectAttr(IdAttr))
	require.Nil(t, composed.Element.SelectElement(ObjectTag))
}

func TestSignExclusivePrefixList(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()
	ctx.Canonicalizer = MakeC14N10ExclusiveCanonicalizerWithPrefixList("saml")

	composed, err := ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.NoError(t, err)

	method := composed.Element.FindElement("./" + SignedInfoTag + "/" + CanonicalizationMethodTag)
	require.NotNil(t, method)
	require.Equal(t, string(CanonicalXML10ExclusiveAlgorithmId), method.SelectAttrValue(AlgorithmAttr, ""))
	in := method.SelectElement(InclusiveNamespacesTag)
	require.NotNil(t, in)
	require.Equal(t, "ec", in.Space)
	require.Equal(t, "saml", in.SelectAttrValue(PrefixListAttr, ""))

	transforms := composed.SignedInfo.References[0].Transforms.Transforms
	require.Equal(t, "saml", transforms[len(transforms)-1].PrefixList())
}

func TestSignEmptyPrefix(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()
	ctx.Prefix = ""

	composed, err := ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.NoError(t, err)
	require.Equal(t, "", composed.Element.Space)
	require.Equal(t, Namespace, composed.Element.SelectAttrValue("xmlns", ""))
	for _, child := range composed.Element.ChildElements() {
		require.Equal(t, "", child.Space)
	}
}

func TestSignCustomKeyInfo(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()
	keyInfo := &etree.Element{Tag: KeyInfoTag}
	keyInfo.CreateElement("KeyName").SetText("signer-1")
	ctx.KeyInfo = keyInfo

	composed, err := ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.NoError(t, err)

	ki := composed.Element.SelectElement(KeyInfoTag)
	require.NotNil(t, ki)
	require.Nil(t, ki.SelectElement(X509DataTag))
	require.Equal(t, "signer-1", ki.SelectElement("KeyName").Text())
}

func TestConstructSignature(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	doc := parseDocument(t, sampleXML)
	root := doc.Root()

	sig, err := s.signingContext().ConstructSignature(root, root)
	require.NoError(t, err)
	require.Nil(t, sig.Parent())
	require.Empty(t, root.SelectElements(SignatureTag))

	root.AddChild(sig)
	v, err := s.validationContext().Verify(context.Background(), transmit(t, doc).Root())
	require.NoError(t, err)
	require.True(t, v.Valid)
}

func TestSignString(t *testing.T) {
	s := newSigner(t, testpki.RSA2048)
	ctx := s.signingContext()
	content := "SAMLRequest=abc&RelayState=token&SigAlg=" + RSASHA256SignatureMethod

	sig, err := ctx.SignString(content)
	require.NoError(t, err)

	alg, err := LookupSignatureAlgorithm(RSASHA256SignatureMethod, false)
	require.NoError(t, err)
	require.NoError(t, alg.Verify(s.h.Leaf.Certificate.PublicKey, []byte(content), sig))
	require.Error(t, alg.Verify(s.h.Leaf.Certificate.PublicKey, []byte(content+"x"), sig))
}

func TestSignRecordsMetricsAndLogs(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	ctx := s.signingContext()

	core, logs := observer.New(zapcore.InfoLevel)
	ctx.Logger = zap.New(core)
	registry := prometheus.NewRegistry()
	ctx.Metrics = metrics.NewPrometheusRecorderWithRegistry(registry)

	_, err := ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.NoError(t, err)

	ctx.Timestamper = failingTimestamper{}
	_, err = ctx.SignEnveloped(parseDocument(t, sampleXML).Root())
	require.Error(t, err)

	created := logs.FilterMessage("signature created").All()
	require.Len(t, created, 1)
	require.Equal(t, ECDSASHA256SignatureMethod, created[0].ContextMap()["signature_method"])
	require.Equal(t, s.h.Leaf.Certificate.Subject.String(), created[0].ContextMap()["signer"])

	failed := logs.FilterMessage("signature composition failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, zapcore.WarnLevel, failed[0].Level)
	require.Equal(t, string(dsigerr.TimestampInvalid), failed[0].ContextMap()["kind"])

	count, err := testutil.GatherAndCount(registry, "xmldsig_signatures_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSignBytesRoundTripWithAttributeWhitespace(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	input := []byte("<r ID=\"r1\" note=\"line one\nline two\" ref=\"a&#xA;b\"><x/></r>")

	signed, err := s.signingContext().SignBytes(context.Background(), input)
	require.NoError(t, err)
	require.Contains(t, string(signed), `note="line one line two"`)
	require.Contains(t, string(signed), `ref="a&#xA;b"`)

	v, err := s.validationContext().VerifyBytes(context.Background(), signed)
	require.NoError(t, err)
	require.True(t, v.Valid)

	_, err = s.signingContext().SignBytes(context.Background(), []byte(`<r>`))
	require.ErrorIs(t, err, dsigerr.ErrMalformedDocument)

	v, err = s.validationContext().VerifyBytes(context.Background(), []byte(``))
	require.ErrorIs(t, err, dsigerr.ErrMalformedDocument)
	require.False(t, v.Valid)
}

func TestVerifyBytesNormalizesLiteralLineFeeds(t *testing.T) {
	s := newSigner(t, testpki.ECDSAP256)
	doc := etree.NewDocument()
	root := doc.CreateElement("r")
	root.CreateAttr("note", "a b")
	_, err := s.signingContext().SignEnveloped(root)
	require.NoError(t, err)

	b, err := doc.WriteToBytes()
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(b), `note="a b"`, "note=\"a\nb\"", 1))
	require.NotEqual(t, b, tampered)

	v, err := s.validationContext().VerifyBytes(context.Background(), tampered)
	require.NoError(t, err)
	require.True(t, v.Valid)
}
