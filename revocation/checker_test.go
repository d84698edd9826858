package revocation

import (
	"context"
	"crypto/x509"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
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

func newTestChain(t *testing.T) []*x509.Certificate {
	h := testpki.NewHierarchy(t, testpki.Template{})
	return []*x509.Certificate{h.Leaf.Certificate, h.Intermediate.Certificate, h.Root.Certificate}
}

func newTestChecker(p Provider) (*Checker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	c := NewChecker(p)
	c.Clock = clock
	c.Cache = NewCache(clock)
	return c, clock
}

func TestCheckChainAllGood(t *testing.T) {
	chain := newTestChain(t)
	checker, clock := newTestChecker(NewStaticProvider())

	records, err := checker.CheckChain(context.Background(), chain, clock.Now())
	require.NoError(t, err)
	require.Len(t, records, 2, "the trust anchor is not checked")
	for _, r := range records {
		require.Equal(t, StatusGood, r.Status)
		require.Equal(t, SourceStatic, r.Source)
	}
}

func TestCheckChainRevokedLeaf(t *testing.T) {
	chain := newTestChain(t)
	provider := NewStaticProvider()
	checker, clock := newTestChecker(provider)
	provider.Revoke(chain[0], chain[1], clock.Now().Add(-time.Hour), ReasonKeyCompromise)

	records, err := checker.CheckChain(context.Background(), chain, clock.Now())
	require.ErrorIs(t, err, dsigerr.ErrCertificateRevoked)
	require.Len(t, records, 1)
	require.Equal(t, StatusRevoked, records[0].Status)

	e, ok := dsigerr.As(err)
	require.True(t, ok)
	require.Equal(t, chain[0], e.Certificate)
}

func TestCheckChainRevokedIntermediateIsFatal(t *testing.T) {
	chain := newTestChain(t)
	provider := NewStaticProvider()
	checker, clock := newTestChecker(provider)
	provider.Revoke(chain[1], chain[2], clock.Now().Add(-time.Hour), ReasonSuperseded)

	_, err := checker.CheckChain(context.Background(), chain, clock.Now())
	require.ErrorIs(t, err, dsigerr.ErrCertificateRevoked)
}

func TestCheckChainDefaultPolicy(t *testing.T) {
	chain := newTestChain(t)
	failing := ProviderFunc(func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
		return nil, errors.New("responder unavailable")
	})

	t.Run("leaf hard-fails", func(t *testing.T) {
		checker, clock := newTestChecker(failing)
		_, err := checker.CheckChain(context.Background(), chain, clock.Now())
		require.ErrorIs(t, err, dsigerr.ErrRevocationUnknown)
	})

	t.Run("intermediate soft-fails", func(t *testing.T) {
		provider := ProviderFunc(func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
			if cert == chain[1] {
				return nil, errors.New("responder unavailable")
			}
			return NewStaticProvider().Check(ctx, cert, issuer, at)
		})
		core, logs := observer.New(zapcore.WarnLevel)
		checker, clock := newTestChecker(provider)
		checker.Logger = zap.New(core)

		records, err := checker.CheckChain(context.Background(), chain, clock.Now())
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, StatusUnknown, records[1].Status)
		require.Equal(t, 1, logs.FilterMessageSnippet("soft-fail").Len())
	})

	t.Run("leaf soft-fail when configured", func(t *testing.T) {
		checker, clock := newTestChecker(failing)
		checker.Policy.Leaf = SoftFail
		_, err := checker.CheckChain(context.Background(), chain, clock.Now())
		require.NoError(t, err)
	})

	t.Run("intermediate hard-fail when configured", func(t *testing.T) {
		checker, clock := newTestChecker(failing)
		checker.Policy.Leaf = SoftFail
		checker.Policy.Intermediate = HardFail
		_, err := checker.CheckChain(context.Background(), chain, clock.Now())
		require.ErrorIs(t, err, dsigerr.ErrRevocationUnknown)
	})
}

func TestCheckUnknownStatusFollowsPolicy(t *testing.T) {
	chain := newTestChain(t)
	unknown := ProviderFunc(func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
		return newRecord(cert, issuer, StatusUnknown, SourceOCSP), nil
	})
	checker, clock := newTestChecker(unknown)

	_, err := checker.CheckChain(context.Background(), chain, clock.Now())
	require.ErrorIs(t, err, dsigerr.ErrRevocationUnknown)
	require.Equal(t, 0, checker.Cache.Len(), "unknown answers are not cached")
}

func TestCheckRetriesOnceWithinTimeout(t *testing.T) {
	chain := newTestChain(t)
	var calls int32
	flaky := ProviderFunc(func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("connection reset")
		}
		return NewStaticProvider().Check(ctx, cert, issuer, at)
	})
	checker, clock := newTestChecker(flaky)

	r, err := checker.Check(context.Background(), chain[0], chain[1], clock.Now())
	require.NoError(t, err)
	require.Equal(t, StatusGood, r.Status)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCheckTimeoutResolvesPerPolicy(t *testing.T) {
	chain := newTestChain(t)
	var calls int32
	hanging := ProviderFunc(func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	checker := NewChecker(hanging)
	checker.Policy.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := checker.CheckChain(context.Background(), chain, time.Now())
	require.ErrorIs(t, err, dsigerr.ErrRevocationUnknown)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "no retry once the budget is spent")
}

func TestCheckUsesCache(t *testing.T) {
	chain := newTestChain(t)
	var calls int32
	counting := ProviderFunc(func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
		atomic.AddInt32(&calls, 1)
		return NewStaticProvider().Check(ctx, cert, issuer, at)
	})
	checker, clock := newTestChecker(counting)
	checker.Policy.CacheTTL = time.Minute
	registry := prometheus.NewRegistry()
	checker.Metrics = metrics.NewPrometheusRecorderWithRegistry(registry)

	for i := 0; i < 3; i++ {
		_, err := checker.Check(context.Background(), chain[0], chain[1], clock.Now())
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	clock.Advance(2 * time.Minute)
	_, err := checker.Check(context.Background(), chain[0], chain[1], clock.Now())
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls), "expired entries are refetched")

	expected := `
# HELP xmldsig_revocation_cache_lookups_total Total revocation cache lookups
# TYPE xmldsig_revocation_cache_lookups_total counter
xmldsig_revocation_cache_lookups_total{result="hit"} 2
xmldsig_revocation_cache_lookups_total{result="miss"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "xmldsig_revocation_cache_lookups_total"))
}

func TestCacheExpiryHonoursNextUpdate(t *testing.T) {
	chain := newTestChain(t)
	provider := NewStaticProvider()
	provider.TTL = 10 * time.Second
	checker, clock := newTestChecker(provider)
	checker.Policy.CacheTTL = time.Hour

	r, err := checker.Check(context.Background(), chain[0], chain[1], clock.Now())
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(10*time.Second), r.CacheExpiry)
}

func TestRevokedAfterReferenceTime(t *testing.T) {
	chain := newTestChain(t)
	provider := NewStaticProvider()
	checker, clock := newTestChecker(provider)
	signedAt := clock.Now().Add(-48 * time.Hour)

	provider.Revoke(chain[0], chain[1], clock.Now().Add(-time.Hour), ReasonSuperseded)

	_, err := checker.CheckChain(context.Background(), chain, signedAt)
	require.ErrorIs(t, err, dsigerr.ErrCertificateRevoked, "default policy treats any revocation as fatal")

	checker.Policy.Time = RevokedBeforeReferenceTime
	records, err := checker.CheckChain(context.Background(), chain, signedAt)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, records[0].Status)

	provider.Revoke(chain[0], chain[1], clock.Now().Add(-time.Hour), ReasonKeyCompromise)
	checker.Cache = NewCache(clock)
	_, err = checker.CheckChain(context.Background(), chain, signedAt)
	require.ErrorIs(t, err, dsigerr.ErrCertificateRevoked, "key compromise is fatal at any time")
}

func TestCheckAbandonsProviderIgnoringContext(t *testing.T) {
	chain := newTestChain(t)
	release := make(chan struct{})
	defer close(release)
	stuck := ProviderFunc(func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
		<-release
		return nil, errors.New("released")
	})
	checker := NewChecker(stuck)
	checker.Policy.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := checker.CheckChain(context.Background(), chain, time.Now())
	require.ErrorIs(t, err, dsigerr.ErrRevocationUnknown)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestCheckRejectsEmptyAnswer(t *testing.T) {
	chain := newTestChain(t)
	empty := ProviderFunc(func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
		return nil, nil
	})
	checker, clock := newTestChecker(empty)

	_, err := checker.CheckChain(context.Background(), chain, clock.Now())
	require.ErrorIs(t, err, dsigerr.ErrRevocationUnknown)
}

func TestZeroPolicyHardFailsIntermediates(t *testing.T) {
	chain := newTestChain(t)
	provider := ProviderFunc(func(ctx context.Context, cert, issuer *x509.Certificate, at time.Time) (*Record, error) {
		if cert == chain[1] {
			return nil, errors.New("responder unavailable")
		}
		return NewStaticProvider().Check(ctx, cert, issuer, at)
	})

	checker, clock := newTestChecker(provider)
	_, err := checker.CheckChain(context.Background(), chain, clock.Now())
	require.NoError(t, err)

	checker.Policy = Policy{}
	_, err = checker.CheckChain(context.Background(), chain, clock.Now())
	require.ErrorIs(t, err, dsigerr.ErrRevocationUnknown)
	e, ok := dsigerr.As(err)
	require.True(t, ok)
	require.Equal(t, chain[1], e.Certificate)
}

func TestDefaultProviderOrder(t *testing.T) {
	p := NewDefaultProvider(nil)
	require.Len(t, p, 2)
	require.IsType(t, &OCSPProvider{}, p[0])
	require.IsType(t, &CRLProvider{}, p[1])

	chain := newTestChain(t)
	_, err := p.Check(context.Background(), chain[0], chain[1], time.Now())
	require.ErrorIs(t, err, ErrNoRevocationSource)
}

func TestParsePolicies(t *testing.T) {
	p, err := ParseFailurePolicy("soft")
	require.NoError(t, err)
	require.Equal(t, SoftFail, p)

	_, err = ParseFailurePolicy("maybe")
	require.Error(t, err)

	tp, err := ParseTimePolicy("revoked-before-reference-time")
	require.NoError(t, err)
	require.Equal(t, RevokedBeforeReferenceTime, tp)
	require.Equal(t, "revoked-before-reference-time", tp.String())
}
