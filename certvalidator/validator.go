// Package certvalidator builds and validates certificate paths from a signer
// certificate to a configured trust anchor.
package certvalidator

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/revocation"
)

// DefaultMaxDepth bounds the number of certificates in a path.
const DefaultMaxDepth = 10

// DefaultLeafKeyUsage lists the key usages of which a signing leaf must carry
// at least one, when it restricts key usage at all.
const DefaultLeafKeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment

type Options struct {
	// MaxDepth bounds the path length including leaf and anchor.
	MaxDepth int
	// LeafKeyUsage overrides DefaultLeafKeyUsage.
	LeafKeyUsage x509.KeyUsage
	// RequiredExtKeyUsage must all be present on the leaf when set.
	RequiredExtKeyUsage []x509.ExtKeyUsage
	// DisableRevocation accepts paths without consulting revocation
	// status. Without it a validator that has no checker rejects every
	// path longer than its anchor.
	DisableRevocation bool
}

// Validator builds paths against a fixed set of anchors. It holds no
// per-call state and is safe for concurrent use.
type Validator struct {
	Anchors *TrustAnchorSet
	// Intermediates are consulted in addition to the certificates supplied
	// with each call.
	Intermediates []*x509.Certificate
	// Revocation is consulted once the path is otherwise valid.
	Revocation *revocation.Checker
	Logger     *zap.Logger
	Options    Options
}

// NewValidator creates a validator with default options. Revocation is
// checked over OCSP and CRL with revocation.DefaultPolicy, which rejects a
// leaf whose status cannot be established.
func NewValidator(anchors *TrustAnchorSet) *Validator {
	return &Validator{
		Anchors:    anchors,
		Revocation: revocation.NewChecker(revocation.NewDefaultProvider(nil)),
		Logger:     zap.NewNop(),
		Options:    Options{MaxDepth: DefaultMaxDepth},
	}
}

func (v *Validator) logger() *zap.Logger {
	if v.Logger == nil {
		return zap.NewNop()
	}
	return v.Logger
}

// Validate builds a path from leaf to one of the anchors using pool and the
// configured intermediates, then validates it at reference time at. The
// returned result is never nil; its Err is also returned.
func (v *Validator) Validate(ctx context.Context, leaf *x509.Certificate, pool []*x509.Certificate, at time.Time) (*Result, error) {
	r := &run{
		v:      v,
		at:     at,
		log:    v.logger(),
		arena:  newArena(pool, v.Intermediates),
		seen:   make(map[string]bool),
		result: &Result{State: StateBuilding},
	}
	if leaf == nil {
		r.fail(nil, dsigerr.New(dsigerr.ChainIncomplete, "no signer certificate"))
		return r.result, r.result.Err
	}
	r.push(leaf)

	for !r.result.State.Terminal() {
		switch r.result.State {
		case StateBuilding:
			r.build()
		case StateReachedAnchor:
			r.transition(StateValidating)
		case StateValidating:
			r.validate(ctx)
		}
	}

	r.log.Debug("certificate path evaluated",
		zap.String("leaf", leaf.Subject.String()),
		zap.Int("length", len(r.result.Chain)),
		zap.Stringer("state", r.result.State),
		zap.Error(r.result.Err),
	)
	return r.result, r.result.Err
}

// arena indexes candidate issuers by normalized subject.
type arena struct {
	bySubject map[string][]*x509.Certificate
}

func newArena(sets ...[]*x509.Certificate) *arena {
	a := &arena{bySubject: make(map[string][]*x509.Certificate)}
	for _, set := range sets {
		for _, cert := range set {
			if cert == nil {
				continue
			}
			key := NormalizeName(cert.Subject)
			a.bySubject[key] = append(a.bySubject[key], cert)
		}
	}
	return a
}

func (a *arena) issuers(cert *x509.Certificate) []*x509.Certificate {
	return a.bySubject[NormalizeName(cert.Issuer)]
}

type run struct {
	v      *Validator
	at     time.Time
	log    *zap.Logger
	arena  *arena
	seen   map[string]bool
	result *Result
}

func (r *run) transition(to State) {
	if !r.result.State.canTransition(to) {
		return
	}
	r.result.State = to
}

func (r *run) fail(cert *x509.Certificate, err *dsigerr.Error) {
	if cert != nil && err.Certificate == nil {
		err.WithCertificate(cert)
	}
	r.result.FailedCertificate = err.Certificate
	r.result.Err = err
	r.transition(StateFailed)
}

func (r *run) push(cert *x509.Certificate) {
	r.seen[string(cert.Raw)] = true
	r.result.Chain = append(r.result.Chain, cert)
}

func (r *run) maxDepth() int {
	if r.v.Options.MaxDepth > 0 {
		return r.v.Options.MaxDepth
	}
	return DefaultMaxDepth
}

// build performs one step of path construction.
func (r *run) build() {
	cur := r.result.Chain[len(r.result.Chain)-1]

	if r.v.Anchors.Contains(cur) {
		r.result.anchor = cur
		r.transition(StateReachedAnchor)
		return
	}
	if anchor := r.issuerFrom(r.v.Anchors.Issuers(cur), cur); anchor != nil {
		r.push(anchor)
		r.result.anchor = anchor
		r.transition(StateReachedAnchor)
		return
	}
	if len(r.result.Chain) >= r.maxDepth() {
		r.result.Err = dsigerr.New(dsigerr.ChainIncomplete, "path exceeds %d certificates", r.maxDepth()).WithCertificate(cur)
		r.result.FailedCertificate = cur
		r.transition(StatePathIncomplete)
		return
	}
	if next := r.issuerFrom(r.arena.issuers(cur), cur); next != nil {
		r.log.Debug("certificate path extended", zap.String("issuer", next.Subject.String()))
		r.push(next)
		return
	}

	if selfSigned(cur) {
		r.fail(cur, dsigerr.New(dsigerr.UntrustedRoot, "self-signed certificate is not a trust anchor"))
		return
	}
	r.result.Err = dsigerr.New(dsigerr.ChainIncomplete, "no issuer found for %q", cur.Issuer.String()).WithCertificate(cur)
	r.result.FailedCertificate = cur
	r.transition(StatePathIncomplete)
}

// issuerFrom returns the first unseen candidate whose key verifies the
// signature on child. Candidates whose subject key identifier matches the
// child's authority key identifier are tried first.
func (r *run) issuerFrom(candidates []*x509.Certificate, child *x509.Certificate) *x509.Certificate {
	ordered := make([]*x509.Certificate, 0, len(candidates))
	var rest []*x509.Certificate
	for _, c := range candidates {
		if len(child.AuthorityKeyId) > 0 && bytes.Equal(c.SubjectKeyId, child.AuthorityKeyId) {
			ordered = append(ordered, c)
		} else {
			rest = append(rest, c)
		}
	}
	ordered = append(ordered, rest...)

	for _, c := range ordered {
		if r.seen[string(c.Raw)] {
			continue
		}
		if !sameName(c.RawSubject, child.RawIssuer, c.Subject, child.Issuer) {
			continue
		}
		if err := c.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature); err != nil {
			r.log.Debug("issuer candidate rejected", zap.String("candidate", c.Subject.String()), zap.Error(err))
			continue
		}
		return c
	}
	return nil
}

func selfSigned(cert *x509.Certificate) bool {
	if !sameName(cert.RawSubject, cert.RawIssuer, cert.Subject, cert.Issuer) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// validate checks the built path from the anchor down to the leaf, then
// consults the revocation checker.
func (r *run) validate(ctx context.Context) {
	chain := r.result.Chain
	top := len(chain) - 1

	for i := top; i >= 0; i-- {
		cert := chain[i]
		if r.at.Before(cert.NotBefore) || r.at.After(cert.NotAfter) {
			r.fail(cert, dsigerr.New(dsigerr.CertificateExpired, "not valid at %s (valid %s to %s)",
				r.at.UTC().Format(time.RFC3339), cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339)))
			return
		}
		if i == top {
			// Anchors are trusted as configured.
			continue
		}
		if len(cert.UnhandledCriticalExtensions) > 0 {
			r.fail(cert, dsigerr.New(dsigerr.ConstraintViolation, "unhandled critical extension %s", cert.UnhandledCriticalExtensions[0]))
			return
		}
		if i > 0 {
			if err := checkIssuer(cert, i-1); err != nil {
				r.fail(cert, err)
				return
			}
			continue
		}
		if err := r.checkLeaf(cert); err != nil {
			r.fail(cert, err)
			return
		}
	}

	if len(chain) > 1 && !r.v.Options.DisableRevocation {
		if r.v.Revocation == nil {
			r.fail(chain[0], dsigerr.New(dsigerr.RevocationUnknown, "no revocation checker configured"))
			return
		}
		records, err := r.v.Revocation.CheckChain(ctx, chain, r.at)
		r.result.Revocation = records
		if err != nil {
			e, ok := dsigerr.As(err)
			if !ok {
				e = dsigerr.Wrap(dsigerr.RevocationUnknown, err, "revocation check failed")
			}
			r.fail(nil, e)
			return
		}
	}
	r.transition(StateValid)
}

// checkIssuer validates a non-anchor CA certificate with below intermediate
// certificates between it and the leaf.
func checkIssuer(cert *x509.Certificate, below int) *dsigerr.Error {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return dsigerr.New(dsigerr.ConstraintViolation, "issuer is not a certificate authority")
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return dsigerr.New(dsigerr.KeyUsageViolation, "issuer key usage does not permit certificate signing")
	}
	pathLenSet := cert.MaxPathLen > 0 || cert.MaxPathLenZero
	if pathLenSet && below > cert.MaxPathLen {
		return dsigerr.New(dsigerr.ConstraintViolation, "path length constraint %d exceeded by %d", cert.MaxPathLen, below)
	}
	return nil
}

func (r *run) checkLeaf(cert *x509.Certificate) *dsigerr.Error {
	want := r.v.Options.LeafKeyUsage
	if want == 0 {
		want = DefaultLeafKeyUsage
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&want == 0 {
		return dsigerr.New(dsigerr.KeyUsageViolation, "key usage %s does not permit signing", keyUsageString(cert.KeyUsage))
	}
	for _, eku := range r.v.Options.RequiredExtKeyUsage {
		if !hasExtKeyUsage(cert, eku) {
			return dsigerr.New(dsigerr.KeyUsageViolation, "missing extended key usage %d", eku)
		}
	}
	return nil
}

func hasExtKeyUsage(cert *x509.Certificate, want x509.ExtKeyUsage) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == want || eku == x509.ExtKeyUsageAny {
			return true
		}
	}
	return false
}

var keyUsageNames = []struct {
	usage x509.KeyUsage
	name  string
}{
	{x509.KeyUsageDigitalSignature, "digitalSignature"},
	{x509.KeyUsageContentCommitment, "contentCommitment"},
	{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
	{x509.KeyUsageDataEncipherment, "dataEncipherment"},
	{x509.KeyUsageKeyAgreement, "keyAgreement"},
	{x509.KeyUsageCertSign, "keyCertSign"},
	{x509.KeyUsageCRLSign, "cRLSign"},
	{x509.KeyUsageEncipherOnly, "encipherOnly"},
	{x509.KeyUsageDecipherOnly, "decipherOnly"},
}

func keyUsageString(ku x509.KeyUsage) string {
	var s string
	for _, n := range keyUsageNames {
		if ku&n.usage == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	return fmt.Sprintf("[%s]", s)
}
