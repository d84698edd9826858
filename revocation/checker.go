package revocation

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/metrics"
)

// Checker resolves the revocation status of certificate chains. It is safe
// for concurrent use; the cache is its only mutable state.
type Checker struct {
	Provider Provider
	Cache    *Cache
	Policy   Policy
	Logger   *zap.Logger
	Metrics  metrics.Recorder
	Clock    clockwork.Clock
}

// NewChecker creates a checker with its own cache and the default policy.
func NewChecker(provider Provider) *Checker {
	clock := clockwork.NewRealClock()
	return &Checker{
		Provider: provider,
		Cache:    NewCache(clock),
		Policy:   DefaultPolicy(),
		Logger:   zap.NewNop(),
		Metrics:  metrics.NewNoopRecorder(),
		Clock:    clock,
	}
}

func (c *Checker) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Checker) clock() clockwork.Clock {
	if c.Clock == nil {
		return clockwork.NewRealClock()
	}
	return c.Clock
}

// CheckChain checks every certificate of chain except the last, which is
// the trust anchor. chain is ordered leaf first. The returned records hold
// the evidence for each checked position, including soft-failed unknowns.
func (c *Checker) CheckChain(ctx context.Context, chain []*x509.Certificate, at time.Time) ([]*Record, error) {
	var records []*Record
	for i := 0; i+1 < len(chain); i++ {
		cert, issuer := chain[i], chain[i+1]
		log := c.logger().With(
			zap.String("subject", cert.Subject.String()),
			zap.String("serial", cert.SerialNumber.Text(16)),
			zap.Int("position", i),
		)

		r, err := c.Check(ctx, cert, issuer, at)
		if err != nil || !r.Definitive() {
			if c.Policy.forPosition(i) == HardFail {
				if err == nil {
					err = errors.New("status unknown")
				}
				return records, dsigerr.Wrap(dsigerr.RevocationUnknown, err, "no definitive revocation status").WithCertificate(cert)
			}
			log.Warn("revocation status unavailable, continuing under soft-fail", zap.Error(err))
			if r == nil {
				r = newRecord(cert, issuer, StatusUnknown, SourceStatic)
			}
			records = append(records, r)
			continue
		}

		if r.Status == StatusRevoked {
			if c.Policy.Time == RevokedBeforeReferenceTime && r.RevokedAt.After(at) && !r.Reason.Compromise() {
				log.Info("certificate revoked after reference time",
					zap.Time("revoked_at", r.RevokedAt),
					zap.Time("reference_time", at),
					zap.Stringer("reason", r.Reason),
				)
				records = append(records, r)
				continue
			}
			return append(records, r), dsigerr.New(dsigerr.CertificateRevoked,
				"revoked at %s (%s)", r.RevokedAt.UTC().Format(time.RFC3339), r.Reason).WithCertificate(cert)
		}

		records = append(records, r)
	}
	return records, nil
}

// Check returns the revocation record for cert, from the cache when a live
// entry exists and from the provider otherwise. Provider calls are bounded
// by the policy timeout and retried within it.
func (c *Checker) Check(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
	rec := metrics.Or(c.Metrics)
	key := KeyFor(cert, issuer)

	if c.Cache != nil {
		if r, ok := c.Cache.Get(key); ok {
			rec.RecordRevocationCache(true)
			c.logger().Debug("revocation cache hit", zap.String("serial", key.Serial), zap.Stringer("status", r.Status))
			return r, nil
		}
		rec.RecordRevocationCache(false)
	}

	if c.Provider == nil {
		return nil, ErrNoRevocationSource
	}

	timeout := c.Policy.Timeout
	if timeout <= 0 {
		timeout = DefaultPolicy().Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		r   *Record
		err error
	)
	for attempt := 0; attempt <= c.Policy.Retries; attempt++ {
		start := c.clock().Now()
		r, err = c.lookup(ctx, cert, issuer, at)
		elapsed := c.clock().Since(start)
		if err != nil {
			rec.RecordRevocationLookup("provider", "error", elapsed)
			c.logger().Debug("revocation lookup failed",
				zap.String("serial", key.Serial),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if ctx.Err() != nil || errors.Is(err, ErrNoRevocationSource) {
				break
			}
			continue
		}
		rec.RecordRevocationLookup(r.Source.String(), r.Status.String(), elapsed)
		break
	}
	if err != nil {
		return nil, err
	}

	if r.Definitive() && c.Cache != nil {
		r.Key = key
		r.CacheExpiry = c.expiry(r)
		c.Cache.Put(r)
	}
	return r, nil
}

type answer struct {
	record *Record
	err    error
}

// lookup makes one provider call and abandons it once ctx is done, so a
// provider that ignores ctx cannot outlive the timeout.
func (c *Checker) lookup(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
	done := make(chan answer, 1)
	go func() {
		r, err := c.Provider.Check(ctx, cert, issuer, at)
		done <- answer{r, err}
	}()

	select {
	case a := <-done:
		if a.err == nil && a.record == nil {
			return nil, errors.New("revocation provider returned no record")
		}
		return a.record, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expiry is the earlier of the evidence's next update and the cache TTL.
func (c *Checker) expiry(r *Record) time.Time {
	ttl := c.Policy.CacheTTL
	if ttl <= 0 {
		ttl = DefaultPolicy().CacheTTL
	}
	expiry := c.clock().Now().Add(ttl)
	if !r.NextUpdate.IsZero() && r.NextUpdate.Before(expiry) {
		expiry = r.NextUpdate
	}
	return expiry
}
