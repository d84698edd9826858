// Package testpki builds throwaway certificate hierarchies for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// KeyType selects the key algorithm of an issued certificate.
type KeyType int

const (
	ECDSAP256 KeyType = iota
	ECDSAP384
	RSA2048
	Ed25519
)

// Template describes a certificate to issue. Zero validity bounds default to
// one year either side of now.
type Template struct {
	CommonName            string
	NotBefore             time.Time
	NotAfter              time.Time
	KeyType               KeyType
	CA                    bool
	MaxPathLen            int
	MaxPathLenZero        bool
	NoBasicConstraints    bool
	KeyUsage              x509.KeyUsage
	ExtKeyUsage           []x509.ExtKeyUsage
	OCSPServer            []string
	CRLDistributionPoints []string
}

// Cert is an issued certificate and its private key.
type Cert struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// GenerateKey creates a private key of the given type.
func GenerateKey(t testing.TB, kt KeyType) crypto.Signer {
	t.Helper()
	var (
		key crypto.Signer
		err error
	)
	switch kt {
	case ECDSAP384:
		key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case RSA2048:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case Ed25519:
		_, key, err = ed25519.GenerateKey(rand.Reader)
	default:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	require.NoError(t, err)
	return key
}

func serial(t testing.TB) *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 120))
	require.NoError(t, err)
	return n.Add(n, big.NewInt(1))
}

func (tmpl Template) x509(t testing.TB) *x509.Certificate {
	now := time.Now()
	notBefore, notAfter := tmpl.NotBefore, tmpl.NotAfter
	if notBefore.IsZero() {
		notBefore = now.Add(-365 * 24 * time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = now.Add(365 * 24 * time.Hour)
	}

	keyUsage := tmpl.KeyUsage
	if keyUsage == 0 {
		if tmpl.CA {
			keyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		} else {
			keyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
		}
	}

	return &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{CommonName: tmpl.CommonName, Organization: []string{"xmldsig test"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           tmpl.ExtKeyUsage,
		BasicConstraintsValid: !tmpl.NoBasicConstraints,
		IsCA:                  tmpl.CA,
		MaxPathLen:            tmpl.MaxPathLen,
		MaxPathLenZero:        tmpl.MaxPathLenZero,
		OCSPServer:            tmpl.OCSPServer,
		CRLDistributionPoints: tmpl.CRLDistributionPoints,
	}
}

// NewRoot creates a self-signed certificate.
func NewRoot(t testing.TB, tmpl Template) *Cert {
	t.Helper()
	if tmpl.CommonName == "" {
		tmpl.CommonName = "Test Root"
	}
	if !tmpl.NoBasicConstraints {
		tmpl.CA = true
	}
	key := GenerateKey(t, tmpl.KeyType)
	x := tmpl.x509(t)

	der, err := x509.CreateCertificate(rand.Reader, x, x, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Cert{Certificate: cert, Key: key}
}

// Issue creates a certificate signed by c.
func (c *Cert) Issue(t testing.TB, tmpl Template) *Cert {
	t.Helper()
	if tmpl.CommonName == "" {
		tmpl.CommonName = "Test Certificate"
	}
	key := GenerateKey(t, tmpl.KeyType)
	x := tmpl.x509(t)

	der, err := x509.CreateCertificate(rand.Reader, x, c.Certificate, key.Public(), c.Key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Cert{Certificate: cert, Key: key}
}

// Hierarchy is a root, an intermediate and a leaf, plus a separate
// time-stamping authority hierarchy.
type Hierarchy struct {
	Root         *Cert
	Intermediate *Cert
	Leaf         *Cert
	TSARoot      *Cert
	TSA          *Cert
}

// Chain returns the leaf chain, leaf first, without the root.
func (h *Hierarchy) Chain() []*x509.Certificate {
	return []*x509.Certificate{h.Leaf.Certificate, h.Intermediate.Certificate}
}

// TSAChain returns the time-stamping chain, TSA first, without its root.
func (h *Hierarchy) TSAChain() []*x509.Certificate {
	return []*x509.Certificate{h.TSA.Certificate}
}

// NewHierarchy builds a hierarchy valid around now. The leaf uses leafTmpl,
// whose CommonName and validity may be left empty.
func NewHierarchy(t testing.TB, leafTmpl Template) *Hierarchy {
	t.Helper()
	now := time.Now()
	decade := 10 * 365 * 24 * time.Hour

	root := NewRoot(t, Template{
		CommonName: "Test Root CA",
		NotBefore:  now.Add(-decade),
		NotAfter:   now.Add(decade),
	})
	intermediate := root.Issue(t, Template{
		CommonName: "Test Intermediate CA",
		CA:         true,
		NotBefore:  now.Add(-decade / 2),
		NotAfter:   now.Add(decade / 2),
	})
	if leafTmpl.CommonName == "" {
		leafTmpl.CommonName = "Test Signer"
	}
	leaf := intermediate.Issue(t, leafTmpl)

	tsaRoot := NewRoot(t, Template{
		CommonName: "Test TSA Root",
		NotBefore:  now.Add(-decade),
		NotAfter:   now.Add(decade),
	})
	tsa := tsaRoot.Issue(t, Template{
		CommonName:  "Test TSA",
		KeyType:     RSA2048,
		NotBefore:   now.Add(-decade),
		NotAfter:    now.Add(decade),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})

	return &Hierarchy{
		Root:         root,
		Intermediate: intermediate,
		Leaf:         leaf,
		TSARoot:      tsaRoot,
		TSA:          tsa,
	}
}
