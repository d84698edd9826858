package revocation

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ocsp"
)

// OCSPProvider queries the OCSP responders named in the certificate's
// AuthorityInformationAccess extension.
type OCSPProvider struct {
	Client *http.Client
	Clock  clockwork.Clock
	// Hash is used for the request CertID. Defaults to SHA-1, which every
	// responder must support.
	Hash crypto.Hash
	// ClockSkew tolerates responses produced slightly in the future.
	ClockSkew time.Duration
	// Servers overrides the responders named in the certificate.
	Servers []string
}

func (p *OCSPProvider) Check(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
	servers := p.Servers
	if len(servers) == 0 {
		servers = cert.OCSPServer
	}
	if len(servers) == 0 {
		return nil, ErrNoRevocationSource
	}

	hash := p.Hash
	if hash == 0 {
		hash = crypto.SHA1
	}
	der, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: hash})
	if err != nil {
		return nil, fmt.Errorf("create ocsp request: %w", err)
	}

	var errs []error
	for _, server := range servers {
		r, err := p.query(ctx, server, der, cert, issuer)
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

func (p *OCSPProvider) query(ctx context.Context, server string, der []byte, cert, issuer *x509.Certificate) (*Record, error) {
	req, err := http.NewRequest(http.MethodPost, server, bytes.NewReader(der))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	body, err := fetch(ctx, p.Client, req, 0)
	if err != nil {
		return nil, err
	}

	resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return nil, fmt.Errorf("parse ocsp response from %s: %w", server, err)
	}

	now := p.clock().Now()
	if resp.ThisUpdate.After(now.Add(p.ClockSkew)) {
		return nil, fmt.Errorf("ocsp response from %s is not yet valid", server)
	}
	if !resp.NextUpdate.IsZero() && now.After(resp.NextUpdate.Add(p.ClockSkew)) {
		return nil, fmt.Errorf("ocsp response from %s is stale", server)
	}

	var status Status
	switch resp.Status {
	case ocsp.Good:
		status = StatusGood
	case ocsp.Revoked:
		status = StatusRevoked
	default:
		status = StatusUnknown
	}

	r := newRecord(cert, issuer, status, SourceOCSP)
	r.EvidenceTime = resp.ThisUpdate
	r.NextUpdate = resp.NextUpdate
	if status == StatusRevoked {
		r.RevokedAt = resp.RevokedAt
		r.Reason = Reason(resp.RevocationReason)
	}
	return r, nil
}

func (p *OCSPProvider) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}
