package xmldsig

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"strings"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lafriks/go-xmldsig/v3/certvalidator"
	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/etreeutils"
	"github.com/lafriks/go-xmldsig/v3/metrics"
	"github.com/lafriks/go-xmldsig/v3/timestamp"
)

var (
	// ErrMissingSignature indicates that no signature was found in the
	// document passed for verification.
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
)

// KeyInfoCertificateResolver supplies the signer certificate of signatures
// whose KeyInfo carries none.
type KeyInfoCertificateResolver func(sig *etree.Element) (*x509.Certificate, error)

// ValidationContext verifies signatures. It is safe for concurrent use once
// configured.
type ValidationContext struct {
	// Certificates validates the signer certificate path.
	Certificates *certvalidator.Validator
	// Timestamps validates embedded signature time-stamps. Time-stamps are
	// not evaluated when it is nil.
	Timestamps *timestamp.Validator
	// RequireTimestamp rejects signatures without a valid time-stamp.
	RequireTimestamp bool

	// IdAttributes are the attributes "#id" references are resolved
	// against, DefaultIdAttributes when empty.
	IdAttributes        []string
	CertificateResolver KeyInfoCertificateResolver
	AllowWeakAlgorithms bool

	Logger  *zap.Logger
	Metrics metrics.Recorder
	Clock   clockwork.Clock
}

// NewDefaultValidationContext trusts anchors and checks revocation of the
// signer path over OCSP and CRL. A signer whose revocation status cannot be
// established is rejected.
func NewDefaultValidationContext(anchors *certvalidator.TrustAnchorSet) *ValidationContext {
	return &ValidationContext{
		Certificates: certvalidator.NewValidator(anchors),
		IdAttributes: DefaultIdAttributes,
		Logger:       zap.NewNop(),
		Clock:        clockwork.NewRealClock(),
	}
}

func (vc *ValidationContext) idAttributes() []string {
	if len(vc.IdAttributes) == 0 {
		return DefaultIdAttributes
	}
	return vc.IdAttributes
}

func (vc *ValidationContext) logger() *zap.Logger {
	if vc.Logger == nil {
		return zap.NewNop()
	}
	return vc.Logger
}

// In most places, we use etree Elements, but while deserializing the Signature, we use
// encoding/xml unmarshal directly to convert to a convenient go struct. This presents a problem in some cases because
// when an xml element repeats under the parent, the last element will win and/or be appended. We need to assert that
// the Signature object matches the expected shape of a Signature object.
func validateShape(signatureEl *etree.Element) error {
	childCounts := map[string]int{}
	var signedInfo *etree.Element
	for _, child := range signatureEl.ChildElements() {
		childCounts[child.Tag]++
		if child.Tag == SignedInfoTag {
			signedInfo = child
		}
	}
	validateCount := childCounts[SignedInfoTag] == 1 && childCounts[KeyInfoTag] <= 1 && childCounts[SignatureValueTag] == 1
	if !validateCount {
		return dsigerr.Wrap(dsigerr.MalformedDocument, ErrInvalidSignature, "unexpected Signature children")
	}

	childCounts = map[string]int{}
	for _, child := range signedInfo.ChildElements() {
		childCounts[child.Tag]++
	}
	validateCount = childCounts[CanonicalizationMethodTag] == 1 && childCounts[SignatureMethodTag] == 1 && childCounts[ReferenceTag] >= 1
	if !validateCount {
		return dsigerr.Wrap(dsigerr.MalformedDocument, ErrInvalidSignature, "unexpected SignedInfo children")
	}
	return nil
}

// topLevelSignatures returns the Signature elements under root that are not
// nested inside another Signature, in document order.
func topLevelSignatures(root *etree.Element) ([]*etree.Element, error) {
	var all []*etree.Element
	err := etreeutils.NSFindIterate(root, Namespace, SignatureTag, func(_ etreeutils.NSContext, el *etree.Element) error {
		all = append(all, el)
		return nil
	})
	if err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "find signatures")
	}

	var top []*etree.Element
	for _, el := range all {
		nested := false
		for _, other := range all {
			if other != el && etreeutils.IsAncestor(other, el) {
				nested = true
				break
			}
		}
		if !nested {
			top = append(top, el)
		}
	}
	return top, nil
}

// findSignature picks the signature to verify: the one referencing the
// document element, or the only one when none does.
func (vc *ValidationContext) findSignature(root *etree.Element) (*etree.Element, error) {
	sigs, err := topLevelSignatures(root)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, ErrMissingSignature, "")
	}

	rootIDs := map[string]bool{}
	for _, name := range vc.idAttributes() {
		if id := root.SelectAttrValue(name, ""); id != "" {
			rootIDs[id] = true
		}
	}
	for _, sig := range sigs {
		if referencesRoot(sig, rootIDs) {
			return sig, nil
		}
	}
	if len(sigs) == 1 {
		return sigs[0], nil
	}
	return nil, dsigerr.New(dsigerr.MalformedDocument, "%d signatures found and none references the document element", len(sigs))
}

func referencesRoot(sig *etree.Element, rootIDs map[string]bool) bool {
	signedInfo := sig.SelectElement(SignedInfoTag)
	if signedInfo == nil {
		return false
	}
	for _, ref := range signedInfo.SelectElements(ReferenceTag) {
		uri := ref.SelectAttrValue(URIAttr, "")
		switch {
		case uri == "", uri == "#xpointer(/)":
			return true
		case strings.HasPrefix(uri, "#") && rootIDs[uri[1:]]:
			return true
		}
	}
	return false
}

// parseSignature checks the shape of sigEl and unmarshals it.
func parseSignature(sigEl *etree.Element) (*Signature, error) {
	if err := validateShape(sigEl); err != nil {
		return nil, err
	}
	nsctx, err := etreeutils.NSBuildParentContext(sigEl)
	if err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "signature namespace scope")
	}
	sig := &Signature{}
	if err := etreeutils.NSUnmarshalElement(nsctx, sigEl, sig); err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "parse signature")
	}
	if sig.SignedInfo == nil || sig.SignatureValue == nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, ErrInvalidSignature, "SignedInfo and SignatureValue must be in the %s namespace", Namespace)
	}
	sig.SetUnderlyingElement(sigEl)
	return sig, nil
}

// Verify verifies the signature of the document rooted at el. Integrity is
// established before any trust decision: references are checked first,
// failing on the first mismatch, then the signature value, and only then the
// time-stamp and the certificate path. The returned verdict is never nil; a
// failed verdict's Failure is also returned as the error.
func (vc *ValidationContext) Verify(ctx context.Context, el *etree.Element) (*Verdict, error) {
	if el == nil {
		return vc.finish(&Verdict{}, dsigerr.New(dsigerr.MalformedDocument, "no document to verify"))
	}
	root := etreeutils.Root(el)
	sigEl, err := vc.findSignature(root)
	if err != nil {
		return vc.finish(&Verdict{}, err)
	}
	return vc.finish(vc.verify(ctx, root, sigEl))
}

// VerifyBytes parses data with ReadDocument and verifies its signature.
func (vc *ValidationContext) VerifyBytes(ctx context.Context, data []byte) (*Verdict, error) {
	doc, err := ReadDocument(data)
	if err != nil {
		return vc.finish(&Verdict{}, err)
	}
	return vc.Verify(ctx, doc.Root())
}

// VerifyAll verifies every top-level signature of the document rooted at el.
func (vc *ValidationContext) VerifyAll(ctx context.Context, el *etree.Element) []*Verdict {
	if el == nil {
		return nil
	}
	root := etreeutils.Root(el)
	sigs, err := topLevelSignatures(root)
	if err != nil {
		v, _ := vc.finish(&Verdict{}, err)
		return []*Verdict{v}
	}
	verdicts := make([]*Verdict, 0, len(sigs))
	for _, sigEl := range sigs {
		v, _ := vc.finish(vc.verify(ctx, root, sigEl))
		verdicts = append(verdicts, v)
	}
	return verdicts
}

// Diagnose reports on every top-level signature of the document rooted at el,
// checking each reference independently.
func (vc *ValidationContext) Diagnose(ctx context.Context, el *etree.Element) *Report {
	report := &Report{}
	if el == nil {
		return report
	}
	root := etreeutils.Root(el)
	sigs, err := topLevelSignatures(root)
	if err != nil {
		v, _ := vc.finish(&Verdict{}, err)
		report.Signatures = append(report.Signatures, SignatureReport{Verdict: v})
		return report
	}

	for _, sigEl := range sigs {
		sr := SignatureReport{ID: sigEl.SelectAttrValue(IdAttr, "")}
		if sig, err := parseSignature(sigEl); err == nil {
			for i := range sig.SignedInfo.References {
				ref := &sig.SignedInfo.References[i]
				sr.References = append(sr.References, ReferenceReport{
					URI:  ref.URI,
					Type: ref.Type,
					Err:  referenceErr(root, ref, sigEl, vc.idAttributes(), vc.AllowWeakAlgorithms),
				})
			}
		}
		sr.Verdict, _ = vc.finish(vc.verify(ctx, root, sigEl))
		report.Signatures = append(report.Signatures, sr)
	}
	return report
}

func referenceErr(root *etree.Element, ref *Reference, sig *etree.Element, idAttrs []string, allowWeak bool) error {
	_, err := verifyReference(root, ref, sig, idAttrs, allowWeak)
	return err
}

func (vc *ValidationContext) verify(ctx context.Context, root, sigEl *etree.Element) (*Verdict, error) {
	v := &Verdict{}
	sig, err := parseSignature(sigEl)
	if err != nil {
		return v, err
	}
	signedInfo := sig.SignedInfo

	sigAlg, err := LookupSignatureAlgorithm(signedInfo.SignatureMethod.Algorithm, vc.AllowWeakAlgorithms)
	if err != nil {
		return v, err
	}
	prefixList := ""
	if in := signedInfo.CanonicalizationMethod.InclusiveNamespaces; in != nil {
		prefixList = in.PrefixList
	}
	c14n, err := CanonicalizerFor(AlgorithmID(signedInfo.CanonicalizationMethod.Algorithm), prefixList)
	if err != nil {
		return v, err
	}

	idAttrs := vc.idAttributes()
	covered := make([]*etree.Element, 0, len(signedInfo.References))
	for i := range signedInfo.References {
		el, err := verifyReference(root, &signedInfo.References[i], sigEl, idAttrs, vc.AllowWeakAlgorithms)
		if err != nil {
			return v, err
		}
		covered = append(covered, el)
	}

	sigValue, err := decodeBase64(sig.SignatureValue.Data)
	if err != nil {
		return v, dsigerr.Wrap(dsigerr.MalformedDocument, err, "decode signature value")
	}
	certs, err := vc.signerCertificates(sig)
	if err != nil {
		return v, err
	}
	leaf := certs[0]

	signedInfoEl := sigEl.SelectElement(SignedInfoTag)
	canonical, err := c14n.Canonicalize(signedInfoEl)
	if err != nil {
		return v, err
	}
	if err := sigAlg.Verify(leaf.PublicKey, canonical, sigValue); err != nil {
		return v, dsigerr.Wrap(dsigerr.SignatureInvalid, err, "signature value does not verify").WithCertificate(leaf)
	}

	claims, err := parseQualifyingProperties(sigEl, sig.ID)
	if err != nil {
		return v, err
	}
	var props *SignedProperties
	var token []byte
	if claims != nil {
		token = claims.timestamp
		if claims.props.signed(signedInfo.References) {
			props = claims.props
			if err := props.checkSigningCertificate(leaf, vc.AllowWeakAlgorithms); err != nil {
				return v, err
			}
		}
	}

	v.Signature = &VerifiedSignature{
		ID:                     sig.ID,
		CanonicalizationMethod: signedInfo.CanonicalizationMethod.Algorithm,
		SignatureMethod:        sigAlg.ID,
		References:             signedInfo.References,
		SignatureValue:         sigValue,
		Certificates:           certs,
		Properties:             props,
		Covered:                covered,
	}

	v.ReferenceTime, v.ReferenceTimeSource = clockOrReal(vc.Clock).Now(), TimeSourceClock
	switch {
	case token != nil && vc.Timestamps != nil:
		tok, err := vc.Timestamps.Validate(ctx, token, sigValue)
		if err != nil {
			return v, err
		}
		v.Timestamp = tok
		v.ReferenceTime, v.ReferenceTimeSource = tok.GenTime, TimeSourceTimestamp
	case vc.RequireTimestamp && token == nil:
		return v, dsigerr.New(dsigerr.TimestampInvalid, "signature carries no time-stamp")
	case vc.RequireTimestamp:
		return v, dsigerr.New(dsigerr.TimestampInvalid, "no time-stamping authority is trusted")
	case token != nil:
		vc.logger().Debug("signature time-stamp ignored", zap.String("signature_id", sig.ID))
	}

	if vc.Certificates == nil {
		return v, dsigerr.New(dsigerr.UntrustedRoot, "no trust anchors configured").WithCertificate(leaf)
	}
	res, err := vc.Certificates.Validate(ctx, leaf, certs[1:], v.ReferenceTime)
	v.Chain = res.Chain
	v.Revocation = res.Revocation
	if err != nil {
		return v, err
	}
	return v, nil
}

// signerCertificates returns the KeyInfo certificates, signer first. Without
// any, the CertificateResolver is consulted, then the trust anchor holding
// the KeyValue key, and failing that a single configured trust anchor is
// assumed to be the signer. A KeyValue must match the signer certificate.
func (vc *ValidationContext) signerCertificates(sig *Signature) ([]*x509.Certificate, error) {
	var key crypto.PublicKey
	if sig.KeyInfo != nil && sig.KeyInfo.KeyValue != nil {
		var err error
		if key, err = sig.KeyInfo.KeyValue.PublicKey(); err != nil {
			return nil, err
		}
	}

	certs, err := vc.resolveSignerCertificates(sig, key)
	if err != nil {
		return nil, err
	}
	if key != nil && !samePublicKey(certs[0].PublicKey, key) {
		return nil, dsigerr.New(dsigerr.SignatureInvalid, "KeyValue does not match the signer certificate").WithCertificate(certs[0])
	}
	return certs, nil
}

func (vc *ValidationContext) resolveSignerCertificates(sig *Signature, key crypto.PublicKey) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, data := range sig.KeyInfo.Certificates() {
		der, err := decodeBase64(data)
		if err != nil {
			return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "failed to parse certificate")
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "failed to parse certificate")
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	if vc.CertificateResolver != nil {
		cert, err := vc.CertificateResolver(sig.UnderlyingElement())
		if err != nil {
			return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "resolve signer certificate")
		}
		if cert != nil {
			return []*x509.Certificate{cert}, nil
		}
	}
	if vc.Certificates == nil {
		return nil, dsigerr.New(dsigerr.MalformedDocument, "missing x509 Element")
	}
	anchors := vc.Certificates.Anchors.Certificates()
	if key != nil {
		for _, anchor := range anchors {
			if samePublicKey(anchor.PublicKey, key) {
				return []*x509.Certificate{anchor}, nil
			}
		}
		return nil, dsigerr.New(dsigerr.UntrustedRoot, "no trust anchor holds the KeyValue key")
	}
	if len(anchors) == 1 {
		return anchors, nil
	}
	return nil, dsigerr.New(dsigerr.MalformedDocument, "missing x509 Element")
}

func samePublicKey(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

func (vc *ValidationContext) finish(v *Verdict, err error) (*Verdict, error) {
	if err != nil {
		e, ok := dsigerr.As(err)
		if !ok {
			e = dsigerr.Wrap(dsigerr.MalformedDocument, err, "")
		}
		v.Failure = e
	}
	v.Valid = v.Failure == nil
	metrics.Or(vc.Metrics).RecordVerification(v.Valid, string(v.Kind()))

	fields := []zap.Field{
		zap.Bool("valid", v.Valid),
		zap.Int("chain_length", len(v.Chain)),
	}
	if v.Signature != nil {
		fields = append(fields, zap.String("signature_id", v.Signature.ID), zap.String("signature_method", v.Signature.SignatureMethod))
	}
	if !v.ReferenceTime.IsZero() {
		fields = append(fields, zap.Time("reference_time", v.ReferenceTime), zap.String("reference_time_source", string(v.ReferenceTimeSource)))
	}
	if !v.Valid {
		fields = append(fields, zap.Stringer("kind", v.Failure.Kind), zap.Error(v.Failure))
		vc.logger().Info("signature rejected", fields...)
		return v, v.Failure
	}
	vc.logger().Info("signature verified", fields...)
	return v, nil
}
