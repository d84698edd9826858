package revocation

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// CRLProvider downloads the CRLs named in the certificate's distribution
// points.
type CRLProvider struct {
	Client  *http.Client
	Clock   clockwork.Clock
	MaxSize int64
	// URLs overrides the distribution points named in the certificate.
	URLs []string
}

func (p *CRLProvider) Check(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
	urls := p.URLs
	if len(urls) == 0 {
		urls = cert.CRLDistributionPoints
	}
	if len(urls) == 0 {
		return nil, ErrNoRevocationSource
	}

	var errs []error
	for _, url := range urls {
		r, err := p.check(ctx, url, cert, issuer)
		if err == nil {
			return r, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (p *CRLProvider) check(ctx context.Context, url string, cert, issuer *x509.Certificate) (*Record, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	der, err := fetch(ctx, p.Client, req, p.MaxSize)
	if err != nil {
		return nil, err
	}

	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("parse crl from %s: %w", url, err)
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("crl from %s: %w", url, err)
	}

	now := p.clock().Now()
	if crl.ThisUpdate.After(now) {
		return nil, fmt.Errorf("crl from %s is not yet valid", url)
	}
	if !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate) {
		return nil, fmt.Errorf("crl from %s is stale", url)
	}

	r := newRecord(cert, issuer, StatusGood, SourceCRL)
	r.EvidenceTime = crl.ThisUpdate
	r.NextUpdate = crl.NextUpdate
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) != 0 {
			continue
		}
		if Reason(entry.ReasonCode) == ReasonRemoveFromCRL {
			break
		}
		r.Status = StatusRevoked
		r.RevokedAt = entry.RevocationTime
		r.Reason = Reason(entry.ReasonCode)
		break
	}
	return r, nil
}

func (p *CRLProvider) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}
