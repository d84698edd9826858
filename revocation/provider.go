package revocation

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrNoRevocationSource is returned by providers when the certificate names
// no location they can query.
var ErrNoRevocationSource = errors.New("revocation: certificate has no revocation source")

// Provider obtains revocation evidence for cert issued by issuer as of the
// reference time at.
type Provider interface {
	Check(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error)

func (f ProviderFunc) Check(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
	return f(ctx, cert, issuer, at)
}

// ChainProvider asks each provider in turn and returns the first definitive
// answer.
type ChainProvider []Provider

func (c ChainProvider) Check(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
	var (
		errs    []error
		unknown *Record
	)
	for _, p := range c {
		r, err := p.Check(ctx, cert, issuer, at)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r.Definitive() {
			return r, nil
		}
		unknown = r
	}
	if unknown != nil {
		return unknown, nil
	}
	if len(errs) == 0 {
		return nil, ErrNoRevocationSource
	}
	return nil, errors.Join(errs...)
}

// NewDefaultProvider asks the certificate's OCSP responders first and its
// CRL distribution points second. client is used for both; nil means
// http.DefaultClient.
func NewDefaultProvider(client *http.Client) ChainProvider {
	return ChainProvider{
		&OCSPProvider{Client: client},
		&CRLProvider{Client: client},
	}
}

// StaticProvider answers from a fixed list of revoked serial numbers. Every
// other certificate is reported good. It is safe for concurrent use.
type StaticProvider struct {
	mu      sync.RWMutex
	revoked map[Key]*Record
	// TTL bounds how long answers may be cached. Zero leaves it to the
	// checker policy.
	TTL time.Duration
}

// NewStaticProvider creates a provider with no revoked certificates.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{revoked: make(map[Key]*Record)}
}

// Revoke marks cert, issued by issuer, as revoked at the given time.
func (p *StaticProvider) Revoke(cert, issuer *x509.Certificate, at time.Time, reason Reason) {
	r := newRecord(cert, issuer, StatusRevoked, SourceStatic)
	r.RevokedAt = at
	r.Reason = reason

	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[r.Key] = r
}

func (p *StaticProvider) Check(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
	key := KeyFor(cert, issuer)

	p.mu.RLock()
	revoked, ok := p.revoked[key]
	p.mu.RUnlock()

	var r *Record
	if ok {
		r = revoked.clone()
	} else {
		r = newRecord(cert, issuer, StatusGood, SourceStatic)
	}
	r.EvidenceTime = at
	if p.TTL > 0 {
		r.NextUpdate = at.Add(p.TTL)
	}
	return r, nil
}
