package xmldsig

import (
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/keys"
)

// Well-known errors
var (
	ErrMissingSigner       = errors.New("no private key provided")
	ErrMissingCertificates = errors.New("no public certificates provided")
)

// Credential is a signing key and its certificate chain, leaf first. The key
// is only used through crypto.Signer.
type Credential struct {
	Signer crypto.Signer
	Chain  []*x509.Certificate
}

// NewCredential binds signer to chain.
func NewCredential(signer crypto.Signer, chain ...*x509.Certificate) (*Credential, error) {
	if signer == nil {
		return nil, dsigerr.Wrap(dsigerr.CredentialInvalid, ErrMissingSigner, "")
	}
	if len(chain) == 0 || chain[0] == nil {
		return nil, dsigerr.Wrap(dsigerr.CredentialInvalid, ErrMissingCertificates, "")
	}
	return &Credential{Signer: signer, Chain: chain}, nil
}

// CredentialFromTLS converts a tls.Certificate, typically loaded with
// tls.LoadX509KeyPair.
func CredentialFromTLS(cert tls.Certificate) (*Credential, error) {
	signer, ok := cert.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, dsigerr.Wrap(dsigerr.CredentialInvalid, ErrMissingSigner, "private key of type %T cannot sign", cert.PrivateKey)
	}
	chain, err := parseCertificates(cert.Certificate)
	if err != nil {
		return nil, err
	}
	return NewCredential(signer, chain...)
}

// CredentialFromKeys converts a credential loaded by the keys package.
func CredentialFromKeys(c *keys.Credential) (*Credential, error) {
	if c == nil {
		return nil, dsigerr.Wrap(dsigerr.CredentialInvalid, ErrMissingSigner, "")
	}
	return NewCredential(c.Key, c.Chain...)
}

func parseCertificates(ders [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(ders))
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, dsigerr.Wrap(dsigerr.CredentialInvalid, err, "parse certificate")
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// Leaf returns the signer certificate.
func (c *Credential) Leaf() *x509.Certificate {
	if c == nil || len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[0]
}

// check proves that the key matches the leaf certificate by signing random
// bytes with alg and verifying them against the leaf public key.
func (c *Credential) check(alg SignatureAlgorithm) error {
	leaf := c.Leaf()
	if c == nil || c.Signer == nil || leaf == nil {
		return dsigerr.Wrap(dsigerr.CredentialInvalid, ErrMissingCertificates, "incomplete credential")
	}
	if err := alg.compatible(c.Signer.Public()); err != nil {
		return dsigerr.Wrap(dsigerr.CredentialInvalid, err, "")
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return dsigerr.Wrap(dsigerr.CredentialInvalid, err, "test signature input")
	}
	sig, err := alg.Sign(c.Signer, challenge)
	if err != nil {
		return dsigerr.Wrap(dsigerr.CredentialInvalid, err, "test signature")
	}
	if err := alg.Verify(leaf.PublicKey, challenge, sig); err != nil {
		return dsigerr.Wrap(dsigerr.CredentialInvalid, err, "private key does not match certificate %q", leaf.Subject.String())
	}
	return nil
}
