package xmldsig

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/etreeutils"
	"github.com/lafriks/go-xmldsig/v3/metrics"
	"github.com/lafriks/go-xmldsig/v3/timestamp"
)

// SigningContext composes XML signatures. It holds configuration only and
// may be shared between goroutines as long as it is not modified.
type SigningContext struct {
	Credential *Credential

	// SignatureMethod defaults to the method matching the credential key.
	SignatureMethod string
	DigestMethod    string
	Canonicalizer   Canonicalizer

	IdAttribute string
	Prefix      string

	// SignatureID is written as the Id of created signatures. A random Id
	// is generated when properties or a time-stamp need one.
	SignatureID string

	// KeyInfo is an optional element to be added instead of the default
	KeyInfo *etree.Element

	// Properties adds XAdES signed properties when set.
	Properties *SignedPropertiesOptions
	// Timestamper, when set, time-stamps the signature value.
	Timestamper timestamp.Timestamper

	AllowWeakAlgorithms bool

	Logger  *zap.Logger
	Metrics metrics.Recorder
	Clock   clockwork.Clock
}

// ComposedSignature is a freshly built signature. It has not been verified.
type ComposedSignature struct {
	// Element is the inserted ds:Signature element.
	Element        *etree.Element
	ID             string
	SignedInfo     SignedInfo
	SignatureValue []byte
	Chain          []*x509.Certificate
	// Timestamp is the DER time-stamp token over SignatureValue, if any.
	Timestamp []byte
}

func NewDefaultSigningContext(cred *Credential) *SigningContext {
	return &SigningContext{
		Credential:    cred,
		DigestMethod:  SHA256DigestMethod,
		IdAttribute:   DefaultIdAttr,
		Prefix:        DefaultPrefix,
		Canonicalizer: MakeC14N11Canonicalizer(),
		Logger:        zap.NewNop(),
	}
}

// NewSigningContext creates a new signing context with the given signer and certificate chain.
// Note that e.g. rsa.PrivateKey implements the crypto.Signer interface.
// The certificate chain is a slice of ASN.1 DER-encoded X.509 certificates, leaf first.
func NewSigningContext(signer crypto.Signer, certs [][]byte) (*SigningContext, error) {
	chain, err := parseCertificates(certs)
	if err != nil {
		return nil, err
	}
	cred, err := NewCredential(signer, chain...)
	if err != nil {
		return nil, err
	}
	return NewDefaultSigningContext(cred), nil
}

// SetSignatureMethod selects the signature method after checking that it is
// known and usable with the credential key.
func (sc *SigningContext) SetSignatureMethod(algorithmID string) error {
	alg, err := LookupSignatureAlgorithm(algorithmID, sc.AllowWeakAlgorithms)
	if err != nil {
		return err
	}
	if sc.Credential != nil && sc.Credential.Signer != nil {
		if err := alg.compatible(sc.Credential.Signer.Public()); err != nil {
			return dsigerr.Wrap(dsigerr.CredentialInvalid, err, "")
		}
	}
	sc.SignatureMethod = algorithmID
	return nil
}

func (sc *SigningContext) signatureAlgorithm() (SignatureAlgorithm, error) {
	id := sc.SignatureMethod
	if id == "" {
		if sc.Credential == nil || sc.Credential.Signer == nil {
			return SignatureAlgorithm{}, dsigerr.Wrap(dsigerr.CredentialInvalid, ErrMissingSigner, "")
		}
		var err error
		if id, err = DefaultSignatureMethod(sc.Credential.Signer.Public()); err != nil {
			return SignatureAlgorithm{}, err
		}
	}
	return LookupSignatureAlgorithm(id, sc.AllowWeakAlgorithms)
}

func (sc *SigningContext) canonicalizer() Canonicalizer {
	if sc.Canonicalizer == nil {
		return MakeC14N11Canonicalizer()
	}
	return sc.Canonicalizer
}

func (sc *SigningContext) idAttribute() string {
	if sc.IdAttribute == "" {
		return DefaultIdAttr
	}
	return sc.IdAttribute
}

// idAttributes lists the attributes that name a target during signing.
func (sc *SigningContext) idAttributes() []string {
	attrs := []string{sc.idAttribute()}
	for _, a := range DefaultIdAttributes {
		if a != attrs[0] {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

func (sc *SigningContext) logger() *zap.Logger {
	if sc.Logger == nil {
		return zap.NewNop()
	}
	return sc.Logger
}

func (sc *SigningContext) createNamespacedElement(el *etree.Element, tag string) *etree.Element {
	child := el.CreateElement(tag)
	child.Space = sc.Prefix
	return child
}

// Sign signs targets, which must lie within doc, and inserts the signature as
// the last child of anchor. doc must be the document element. Without
// targets the whole document is signed; a nil anchor means doc.
func (sc *SigningContext) Sign(doc, anchor *etree.Element, targets ...*etree.Element) (*ComposedSignature, error) {
	return sc.SignContext(context.Background(), doc, anchor, targets...)
}

// SignContext is Sign with a context bounding the time-stamp request.
func (sc *SigningContext) SignContext(ctx context.Context, doc, anchor *etree.Element, targets ...*etree.Element) (*ComposedSignature, error) {
	composed, method, err := sc.compose(ctx, doc, anchor, targets)
	metrics.Or(sc.Metrics).RecordSignature(method, err == nil)
	if err != nil {
		sc.logger().Warn("signature composition failed",
			zap.String("signature_method", method),
			zap.Stringer("kind", dsigerr.KindOf(err)),
			zap.Error(err),
		)
		return nil, err
	}

	sc.logger().Info("signature created",
		zap.String("signature_id", composed.ID),
		zap.String("signature_method", method),
		zap.Int("references", len(composed.SignedInfo.References)),
		zap.String("signer", composed.Chain[0].Subject.String()),
		zap.Bool("timestamped", len(composed.Timestamp) > 0),
	)
	return composed, nil
}

// SignEnveloped signs the whole document and appends the signature to its
// root element.
func (sc *SigningContext) SignEnveloped(root *etree.Element) (*ComposedSignature, error) {
	return sc.Sign(root, root)
}

// SignBytes parses data with ReadDocument, signs the whole document with an
// enveloped signature and returns the serialized result. Tabs and line feeds
// left in attribute values are written as character references.
func (sc *SigningContext) SignBytes(ctx context.Context, data []byte) ([]byte, error) {
	doc, err := ReadDocument(data)
	if err != nil {
		return nil, err
	}
	if _, err := sc.SignContext(ctx, doc.Root(), doc.Root()); err != nil {
		return nil, err
	}
	doc.WriteSettings.CanonicalAttrVal = true
	return doc.WriteToBytes()
}

// ConstructSignature builds the signature Sign would insert under anchor and
// returns it detached. Digests are computed for that position, so the
// element verifies only once appended to anchor.
func (sc *SigningContext) ConstructSignature(doc, anchor *etree.Element, targets ...*etree.Element) (*etree.Element, error) {
	composed, err := sc.Sign(doc, anchor, targets...)
	if err != nil {
		return nil, err
	}
	composed.Element.Parent().RemoveChild(composed.Element)
	return composed.Element, nil
}

// SignString signs content with the context's key and signature method, as
// used for detached signatures of query strings.
func (sc *SigningContext) SignString(content string) ([]byte, error) {
	alg, err := sc.signatureAlgorithm()
	if err != nil {
		return nil, err
	}
	if err := sc.Credential.check(alg); err != nil {
		return nil, err
	}
	return alg.Sign(sc.Credential.Signer, []byte(content))
}

func (sc *SigningContext) compose(ctx context.Context, doc, anchor *etree.Element, targets []*etree.Element) (*ComposedSignature, string, error) {
	method := sc.SignatureMethod
	if doc == nil {
		return nil, method, dsigerr.New(dsigerr.MalformedDocument, "no document to sign")
	}
	if etreeutils.Root(doc) != doc {
		return nil, method, dsigerr.New(dsigerr.MalformedDocument, "<%s> is not the document element", doc.FullTag())
	}
	if anchor == nil {
		anchor = doc
	}
	if !etreeutils.IsAncestor(doc, anchor) {
		return nil, method, dsigerr.New(dsigerr.MalformedDocument, "signature anchor <%s> is outside the document", anchor.FullTag())
	}
	if len(targets) == 0 {
		targets = []*etree.Element{doc}
	}

	sigAlg, err := sc.signatureAlgorithm()
	if err != nil {
		return nil, method, err
	}
	method = sigAlg.ID
	if err := sc.Credential.check(sigAlg); err != nil {
		return nil, method, err
	}
	digestMethod := sc.DigestMethod
	if digestMethod == "" {
		digestMethod = SHA256DigestMethod
	}
	digestAlg, err := LookupDigestAlgorithm(digestMethod, sc.AllowWeakAlgorithms)
	if err != nil {
		return nil, method, err
	}
	c14n := sc.canonicalizer()

	refs := make([]Reference, 0, len(targets)+1)
	for _, target := range targets {
		ref, err := sc.targetReference(doc, anchor, target, c14n)
		if err != nil {
			return nil, method, err
		}
		ref.DigestAlgo.Algorithm = digestAlg.ID
		refs = append(refs, ref)
	}

	sigID := sc.SignatureID
	if sigID == "" && (sc.Properties != nil || sc.Timestamper != nil) {
		if sigID, err = randomID("Signature-"); err != nil {
			return nil, method, err
		}
	}

	sig := &etree.Element{
		Tag:   SignatureTag,
		Space: sc.Prefix,
	}
	xmlns := "xmlns"
	if sc.Prefix != "" {
		xmlns += ":" + sc.Prefix
	}
	sig.CreateAttr(xmlns, Namespace)
	if sigID != "" {
		sig.CreateAttr(IdAttr, sigID)
	}
	signedInfo := sc.createNamespacedElement(sig, SignedInfoTag)
	signatureValue := sc.createNamespacedElement(sig, SignatureValueTag)
	sc.keyInfo(sig)

	var qp *etree.Element
	if sc.Properties != nil || sc.Timestamper != nil {
		var propsID string
		qp, propsID, err = sc.qualifyingProperties(sc.createNamespacedElement(sig, ObjectTag), sigID, sc.Credential.Leaf())
		if err != nil {
			return nil, method, err
		}
		if propsID != "" {
			refs = append(refs, Reference{
				URI:        "#" + propsID,
				Type:       SignedPropertiesType,
				Transforms: Transforms{Transforms: []Transform{canonicalizationTransform(c14n)}},
				DigestAlgo: DigestMethod{Algorithm: digestAlg.ID},
			})
		}
	}

	// Digests are taken in place so namespaces in scope at the anchor are
	// part of every canonical form. The signature is removed again on error.
	anchor.AddChild(sig)
	inserted := false
	defer func() {
		if !inserted {
			anchor.RemoveChild(sig)
		}
	}()

	idAttrs := sc.idAttributes()
	for i := range refs {
		digest, _, err := digestReference(doc, &refs[i], sig, idAttrs, sc.AllowWeakAlgorithms)
		if err != nil {
			return nil, method, err
		}
		refs[i].DigestValue = base64.StdEncoding.EncodeToString(digest)
	}

	info := SignedInfo{
		CanonicalizationMethod: CanonicalizationMethod{Algorithm: string(c14n.Algorithm())},
		SignatureMethod:        SignatureMethod{Algorithm: sigAlg.ID},
		References:             refs,
	}
	if pl := inclusivePrefixList(c14n); pl != "" {
		info.CanonicalizationMethod.InclusiveNamespaces = &InclusiveNamespaces{PrefixList: pl}
	}
	sc.writeSignedInfo(signedInfo, info)

	canonical, err := c14n.Canonicalize(signedInfo)
	if err != nil {
		return nil, method, err
	}
	raw, err := sigAlg.Sign(sc.Credential.Signer, canonical)
	if err != nil {
		return nil, method, dsigerr.Wrap(dsigerr.CredentialInvalid, err, "sign SignedInfo")
	}
	signatureValue.SetText(base64.StdEncoding.EncodeToString(raw))

	var token []byte
	if sc.Timestamper != nil {
		token, err = sc.Timestamper.Timestamp(ctx, raw)
		if err != nil {
			return nil, method, dsigerr.Wrap(dsigerr.TimestampInvalid, err, "obtain signature time-stamp")
		}
		sc.embedTimestamp(qp, token)
	}

	inserted = true
	return &ComposedSignature{
		Element:        sig,
		ID:             sigID,
		SignedInfo:     info,
		SignatureValue: raw,
		Chain:          sc.Credential.Chain,
		Timestamp:      token,
	}, method, nil
}

// targetReference describes the reference to target. Targets other than the
// document element are addressed by ID, which must be unique.
func (sc *SigningContext) targetReference(doc, anchor, target *etree.Element, c14n Canonicalizer) (Reference, error) {
	if target == nil || !etreeutils.IsAncestor(doc, target) {
		return Reference{}, dsigerr.New(dsigerr.MalformedDocument, "signature target is outside the document")
	}

	var ref Reference
	if target != doc {
		id := target.SelectAttrValue(sc.idAttribute(), "")
		if id == "" {
			return Reference{}, dsigerr.New(dsigerr.MalformedDocument, "signature target <%s> has no %s attribute", target.FullTag(), sc.idAttribute())
		}
		ref.URI = "#" + id
		resolved, err := resolveReference(doc, ref.URI, sc.idAttributes())
		if err != nil {
			return Reference{}, err
		}
		if resolved.el != target {
			return Reference{}, dsigerr.New(dsigerr.MalformedDocument, "ID %q does not identify the signature target", id).WithReference(ref.URI)
		}
	}

	if etreeutils.IsAncestor(target, anchor) {
		ref.Transforms.Transforms = append(ref.Transforms.Transforms, Transform{Algorithm: string(EnvelopedSignatureAlgorithmId)})
	}
	ref.Transforms.Transforms = append(ref.Transforms.Transforms, canonicalizationTransform(c14n))
	return ref, nil
}

func canonicalizationTransform(c Canonicalizer) Transform {
	t := Transform{Algorithm: string(c.Algorithm())}
	if pl := inclusivePrefixList(c); pl != "" {
		t.InclusiveNamespaces = &InclusiveNamespaces{PrefixList: pl}
	}
	return t
}

func (sc *SigningContext) writeSignedInfo(signedInfo *etree.Element, info SignedInfo) {
	// /SignedInfo/CanonicalizationMethod
	c14nMethod := sc.createNamespacedElement(signedInfo, CanonicalizationMethodTag)
	c14nMethod.CreateAttr(AlgorithmAttr, info.CanonicalizationMethod.Algorithm)
	if in := info.CanonicalizationMethod.InclusiveNamespaces; in != nil {
		writeInclusiveNamespaces(c14nMethod, in.PrefixList)
	}

	// /SignedInfo/SignatureMethod
	sc.createNamespacedElement(signedInfo, SignatureMethodTag).
		CreateAttr(AlgorithmAttr, info.SignatureMethod.Algorithm)

	// /SignedInfo/Reference
	for _, ref := range info.References {
		reference := sc.createNamespacedElement(signedInfo, ReferenceTag)
		reference.CreateAttr(URIAttr, ref.URI)
		if ref.Type != "" {
			reference.CreateAttr(TypeAttr, ref.Type)
		}

		transforms := sc.createNamespacedElement(reference, TransformsTag)
		for _, t := range ref.Transforms.Transforms {
			transform := sc.createNamespacedElement(transforms, TransformTag)
			transform.CreateAttr(AlgorithmAttr, t.Algorithm)
			if pl := t.PrefixList(); pl != "" {
				writeInclusiveNamespaces(transform, pl)
			}
		}

		sc.createNamespacedElement(reference, DigestMethodTag).
			CreateAttr(AlgorithmAttr, ref.DigestAlgo.Algorithm)
		sc.createNamespacedElement(reference, DigestValueTag).
			SetText(ref.DigestValue)
	}
}

func writeInclusiveNamespaces(parent *etree.Element, prefixList string) {
	in := parent.CreateElement(InclusiveNamespacesTag)
	in.Space = "ec"
	in.CreateAttr("xmlns:ec", ExclusiveC14NNamespace)
	in.CreateAttr(PrefixListAttr, prefixList)
}

func (sc *SigningContext) keyInfo(sig *etree.Element) {
	keyInfo := sc.createNamespacedElement(sig, KeyInfoTag)
	if sc.KeyInfo != nil {
		// Copy the key info from the context into the signature
		for _, attr := range sc.KeyInfo.Attr {
			keyInfo.CreateAttr(attr.FullKey(), attr.Value)
		}
		for _, c := range sc.KeyInfo.ChildElements() {
			keyInfo.AddChild(c.Copy())
		}
		return
	}

	x509Data := sc.createNamespacedElement(keyInfo, X509DataTag)
	for _, cert := range sc.Credential.Chain {
		sc.createNamespacedElement(x509Data, X509CertificateTag).
			SetText(base64.StdEncoding.EncodeToString(cert.Raw))
	}
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
