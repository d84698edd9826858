package revocation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/lafriks/go-xmldsig/v3/internal/testpki"
)

// ocspResponder answers for certificates issued by issuer, reporting the
// serials in revoked as revoked.
func ocspResponder(t *testing.T, issuer *testpki.Cert, revoked map[string]time.Time) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/ocsp-request" {
			http.Error(w, "bad content type", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		now := time.Now()
		tmpl := ocsp.Response{
			Status:       ocsp.Good,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   now.Add(-time.Minute),
			NextUpdate:   now.Add(time.Hour),
		}
		if at, ok := revoked[req.SerialNumber.Text(16)]; ok {
			tmpl.Status = ocsp.Revoked
			tmpl.RevokedAt = at
			tmpl.RevocationReason = ocsp.KeyCompromise
		}

		der, err := ocsp.CreateResponse(issuer.Certificate, issuer.Certificate, tmpl, issuer.Key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(der)
	}))
}

func TestOCSPProviderGood(t *testing.T) {
	root := testpki.NewRoot(t, testpki.Template{})
	srv := ocspResponder(t, root, nil)
	defer srv.Close()
	leaf := root.Issue(t, testpki.Template{CommonName: "ocsp leaf", OCSPServer: []string{srv.URL}})

	p := &OCSPProvider{Client: srv.Client()}
	r, err := p.Check(context.Background(), leaf.Certificate, root.Certificate, time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusGood, r.Status)
	require.Equal(t, SourceOCSP, r.Source)
	require.False(t, r.NextUpdate.IsZero())
	require.Equal(t, KeyFor(leaf.Certificate, root.Certificate), r.Key)
}

func TestOCSPProviderRevoked(t *testing.T) {
	root := testpki.NewRoot(t, testpki.Template{})
	leaf := root.Issue(t, testpki.Template{CommonName: "revoked leaf"})
	revokedAt := time.Now().Add(-2 * time.Hour).Truncate(time.Second)

	srv := ocspResponder(t, root, map[string]time.Time{leaf.Certificate.SerialNumber.Text(16): revokedAt})
	defer srv.Close()

	p := &OCSPProvider{Client: srv.Client(), Servers: []string{srv.URL}}
	r, err := p.Check(context.Background(), leaf.Certificate, root.Certificate, time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, r.Status)
	require.Equal(t, ReasonKeyCompromise, r.Reason)
	require.True(t, revokedAt.Equal(r.RevokedAt))
}

func TestOCSPProviderRejectsForeignSigner(t *testing.T) {
	root := testpki.NewRoot(t, testpki.Template{})
	other := testpki.NewRoot(t, testpki.Template{CommonName: "Other Root"})
	leaf := root.Issue(t, testpki.Template{})

	srv := ocspResponder(t, other, nil)
	defer srv.Close()

	p := &OCSPProvider{Client: srv.Client(), Servers: []string{srv.URL}}
	_, err := p.Check(context.Background(), leaf.Certificate, root.Certificate, time.Now())
	require.Error(t, err)
}

func TestOCSPProviderNoServer(t *testing.T) {
	root := testpki.NewRoot(t, testpki.Template{})
	leaf := root.Issue(t, testpki.Template{})

	_, err := (&OCSPProvider{}).Check(context.Background(), leaf.Certificate, root.Certificate, time.Now())
	require.ErrorIs(t, err, ErrNoRevocationSource)
}

func TestChainProviderFallsBack(t *testing.T) {
	root := testpki.NewRoot(t, testpki.Template{})
	leaf := root.Issue(t, testpki.Template{})

	chain := ChainProvider{&OCSPProvider{}, NewStaticProvider()}
	r, err := chain.Check(context.Background(), leaf.Certificate, root.Certificate, time.Now())
	require.NoError(t, err)
	require.Equal(t, SourceStatic, r.Source)

	_, err = ChainProvider{&OCSPProvider{}, &CRLProvider{}}.Check(context.Background(), leaf.Certificate, root.Certificate, time.Now())
	require.ErrorIs(t, err, ErrNoRevocationSource)
}

func TestOCSPProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	root := testpki.NewRoot(t, testpki.Template{})
	leaf := root.Issue(t, testpki.Template{})

	p := &OCSPProvider{Client: srv.Client(), Servers: []string{srv.URL}}
	_, err := p.Check(context.Background(), leaf.Certificate, root.Certificate, time.Now())
	require.ErrorContains(t, err, "503")
}

var _ Provider = (*OCSPProvider)(nil)
var _ Provider = (*CRLProvider)(nil)
var _ Provider = (*StaticProvider)(nil)
var _ Provider = ChainProvider(nil)
