package timestamp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lafriks/go-xmldsig/v3/certvalidator"
	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/internal/testpki"
	"github.com/lafriks/go-xmldsig/v3/revocation"
)

var signatureValue = []byte("raw signature value bytes")

// newValidator answers every revocation query about the TSA as good.
func newValidator(anchors *certvalidator.TrustAnchorSet) *Validator {
	v := NewValidator(anchors)
	v.Chain.Revocation = revocation.NewChecker(revocation.NewStaticProvider())
	return v
}

func TestLocalTimestamperRoundTrip(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	genTime := time.Now().Add(-time.Minute).Truncate(time.Second).UTC()

	tsa := NewLocalTimestamper(h.TSA.Certificate, h.TSA.Key)
	tsa.Clock = clockwork.NewFakeClockAt(genTime)

	raw, err := tsa.Timestamp(context.Background(), signatureValue)
	require.NoError(t, err)

	tok, err := newValidator(certvalidator.NewTrustAnchorSet(h.TSARoot.Certificate)).Validate(context.Background(), raw, signatureValue)
	require.NoError(t, err)
	require.True(t, genTime.Equal(tok.GenTime), "gen time %s", tok.GenTime)
	require.Equal(t, crypto.SHA256, tok.HashAlgorithm)
	require.Equal(t, DefaultPolicy, tok.Policy)
	require.True(t, bytes.Equal(h.TSA.Certificate.Raw, tok.Signer.Raw))
	require.Equal(t, raw, tok.Raw)
}

func TestValidateImprintMismatch(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	raw, err := NewLocalTimestamper(h.TSA.Certificate, h.TSA.Key).Timestamp(context.Background(), signatureValue)
	require.NoError(t, err)

	_, err = newValidator(certvalidator.NewTrustAnchorSet(h.TSARoot.Certificate)).Validate(context.Background(), raw, []byte("other bytes"))
	require.ErrorIs(t, err, dsigerr.ErrTimestampInvalid)
	require.ErrorIs(t, err, ErrImprintMismatch)
}

func TestValidateUntrustedAuthority(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	raw, err := NewLocalTimestamper(h.TSA.Certificate, h.TSA.Key).Timestamp(context.Background(), signatureValue)
	require.NoError(t, err)

	_, err = newValidator(certvalidator.NewTrustAnchorSet(h.Root.Certificate)).Validate(context.Background(), raw, signatureValue)
	require.ErrorIs(t, err, dsigerr.ErrTimestampInvalid)
	require.ErrorIs(t, err, dsigerr.ErrChainIncomplete)
	require.Equal(t, dsigerr.TimestampInvalid, dsigerr.KindOf(err))
}

func TestValidateRequiresTimeStampingUsage(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	raw, err := NewLocalTimestamper(h.Leaf.Certificate, h.Leaf.Key).Timestamp(context.Background(), signatureValue)
	require.NoError(t, err)

	v := newValidator(certvalidator.NewTrustAnchorSet(h.Root.Certificate))
	v.Chain.Intermediates = []*x509.Certificate{h.Intermediate.Certificate}
	_, err = v.Validate(context.Background(), raw, signatureValue)
	require.ErrorIs(t, err, dsigerr.ErrTimestampInvalid)
	require.ErrorIs(t, err, dsigerr.ErrKeyUsageViolation)

	e, ok := dsigerr.As(err)
	require.True(t, ok)
	require.Equal(t, h.Leaf.Certificate, e.Certificate)
}

func TestValidateExpiredAuthority(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	raw, err := NewLocalTimestamper(h.TSA.Certificate, h.TSA.Key).Timestamp(context.Background(), signatureValue)
	require.NoError(t, err)

	v := newValidator(certvalidator.NewTrustAnchorSet(h.TSARoot.Certificate))
	v.Clock = clockwork.NewFakeClockAt(h.TSA.Certificate.NotAfter.Add(24 * time.Hour))
	_, err = v.Validate(context.Background(), raw, signatureValue)
	require.ErrorIs(t, err, dsigerr.ErrTimestampInvalid)
	require.ErrorIs(t, err, dsigerr.ErrCertificateExpired)
}

func TestValidateWeakHash(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	tsa := NewLocalTimestamper(h.TSA.Certificate, h.TSA.Key)
	tsa.Hash = crypto.SHA1
	raw, err := tsa.Timestamp(context.Background(), signatureValue)
	require.NoError(t, err)

	v := newValidator(certvalidator.NewTrustAnchorSet(h.TSARoot.Certificate))
	_, err = v.Validate(context.Background(), raw, signatureValue)
	require.ErrorIs(t, err, dsigerr.ErrTimestampInvalid)

	v.AllowWeakHash = true
	tok, err := v.Validate(context.Background(), raw, signatureValue)
	require.NoError(t, err)
	require.Equal(t, crypto.SHA1, tok.HashAlgorithm)
	require.True(t, h.TSA.Certificate.Equal(tok.Signer))
}

func TestHTTPTimestamperWeakHash(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	srv := httptest.NewServer(NewLocalTimestamper(h.TSA.Certificate, h.TSA.Key))
	defer srv.Close()

	client := &HTTPTimestamper{URL: srv.URL, Client: srv.Client(), Hash: crypto.SHA1}
	raw, err := client.Timestamp(context.Background(), signatureValue)
	require.NoError(t, err)

	v := newValidator(certvalidator.NewTrustAnchorSet(h.TSARoot.Certificate))
	v.AllowWeakHash = true
	tok, err := v.Validate(context.Background(), raw, signatureValue)
	require.NoError(t, err)
	require.Equal(t, crypto.SHA1, tok.HashAlgorithm)
}

func TestNewValidatorChecksTSARevocation(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	raw, err := NewLocalTimestamper(h.TSA.Certificate, h.TSA.Key).Timestamp(context.Background(), signatureValue)
	require.NoError(t, err)

	// The TSA certificate names no OCSP responder or CRL.
	_, err = NewValidator(certvalidator.NewTrustAnchorSet(h.TSARoot.Certificate)).Validate(context.Background(), raw, signatureValue)
	require.ErrorIs(t, err, dsigerr.ErrTimestampInvalid)
	require.ErrorIs(t, err, dsigerr.ErrRevocationUnknown)
}

func TestValidateGarbage(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	_, err := newValidator(certvalidator.NewTrustAnchorSet(h.TSARoot.Certificate)).Validate(context.Background(), []byte("not a token"), signatureValue)
	require.ErrorIs(t, err, dsigerr.ErrTimestampInvalid)
}

func TestHTTPTimestamper(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	srv := httptest.NewServer(NewLocalTimestamper(h.TSA.Certificate, h.TSA.Key))
	defer srv.Close()

	client := &HTTPTimestamper{URL: srv.URL, Client: srv.Client(), Hash: crypto.SHA384}
	raw, err := client.Timestamp(context.Background(), signatureValue)
	require.NoError(t, err)

	tok, err := newValidator(certvalidator.NewTrustAnchorSet(h.TSARoot.Certificate)).Validate(context.Background(), raw, signatureValue)
	require.NoError(t, err)
	require.Equal(t, crypto.SHA384, tok.HashAlgorithm)
}

func TestHTTPTimestamperServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := (&HTTPTimestamper{URL: srv.URL, Client: srv.Client()}).Timestamp(context.Background(), signatureValue)
	require.ErrorContains(t, err, "503")
}

func TestLocalTimestamperRejectsBadQueries(t *testing.T) {
	h := testpki.NewHierarchy(t, testpki.Template{})
	srv := httptest.NewServer(NewLocalTimestamper(h.TSA.Certificate, h.TSA.Key))
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL, "text/plain", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp, err = srv.Client().Post(srv.URL, requestContentType, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLocalTimestamperWithoutCredential(t *testing.T) {
	_, err := (&LocalTimestamper{}).Timestamp(context.Background(), signatureValue)
	require.Error(t, err)
}
