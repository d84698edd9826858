package xmldsig

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"
	"hash"
	"math/big"

	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/sha3"
)

// DigestAlgorithm is a registered digest method.
type DigestAlgorithm struct {
	ID   string
	Name string
	New  func() hash.Hash
	// Weak algorithms are rejected unless explicitly allowed.
	Weak bool
}

// Sum digests data.
func (a DigestAlgorithm) Sum(data []byte) []byte {
	h := a.New()
	h.Write(data)
	return h.Sum(nil)
}

var digestAlgorithms = []DigestAlgorithm{
	{ID: SHA1DigestMethod, Name: "sha1", New: sha1.New, Weak: true},
	{ID: SHA224DigestMethod, Name: "sha224", New: sha256.New224},
	{ID: SHA256DigestMethod, Name: "sha256", New: sha256.New},
	{ID: SHA384DigestMethod, Name: "sha384", New: sha512.New384},
	{ID: SHA512DigestMethod, Name: "sha512", New: sha512.New},
	{ID: SHA3256DigestMethod, Name: "sha3-256", New: sha3.New256},
	{ID: SHA3384DigestMethod, Name: "sha3-384", New: sha3.New384},
	{ID: SHA3512DigestMethod, Name: "sha3-512", New: sha3.New512},
}

var digestAlgorithmsByIdentifier = func() map[string]DigestAlgorithm {
	m := make(map[string]DigestAlgorithm, len(digestAlgorithms))
	for _, a := range digestAlgorithms {
		m[a.ID] = a
	}
	return m
}()

// LookupDigestAlgorithm returns the digest method registered under id.
func LookupDigestAlgorithm(id string, allowWeak bool) (DigestAlgorithm, error) {
	a, ok := digestAlgorithmsByIdentifier[id]
	if !ok {
		return DigestAlgorithm{}, dsigerr.New(dsigerr.UnsupportedAlgorithm, "unknown digest method %q", id)
	}
	if a.Weak && !allowWeak {
		return DigestAlgorithm{}, dsigerr.New(dsigerr.UnsupportedAlgorithm, "weak digest method %q is not allowed", id)
	}
	return a, nil
}

// SignatureAlgorithm is a registered signature method.
type SignatureAlgorithm struct {
	ID                 string
	Hash               crypto.Hash
	PublicKeyAlgorithm x509.PublicKeyAlgorithm
	PSS                bool
	Weak               bool
}

var signatureAlgorithms = []SignatureAlgorithm{
	{ID: RSASHA1SignatureMethod, Hash: crypto.SHA1, PublicKeyAlgorithm: x509.RSA, Weak: true},
	{ID: RSASHA256SignatureMethod, Hash: crypto.SHA256, PublicKeyAlgorithm: x509.RSA},
	{ID: RSASHA384SignatureMethod, Hash: crypto.SHA384, PublicKeyAlgorithm: x509.RSA},
	{ID: RSASHA512SignatureMethod, Hash: crypto.SHA512, PublicKeyAlgorithm: x509.RSA},
	{ID: RSAPSSSHA256SignatureMethod, Hash: crypto.SHA256, PublicKeyAlgorithm: x509.RSA, PSS: true},
	{ID: RSAPSSSHA384SignatureMethod, Hash: crypto.SHA384, PublicKeyAlgorithm: x509.RSA, PSS: true},
	{ID: RSAPSSSHA512SignatureMethod, Hash: crypto.SHA512, PublicKeyAlgorithm: x509.RSA, PSS: true},
	{ID: ECDSASHA256SignatureMethod, Hash: crypto.SHA256, PublicKeyAlgorithm: x509.ECDSA},
	{ID: ECDSASHA384SignatureMethod, Hash: crypto.SHA384, PublicKeyAlgorithm: x509.ECDSA},
	{ID: ECDSASHA512SignatureMethod, Hash: crypto.SHA512, PublicKeyAlgorithm: x509.ECDSA},
	{ID: Ed25519SignatureMethod, PublicKeyAlgorithm: x509.Ed25519},
}

var signatureMethodByIdentifiers = func() map[string]SignatureAlgorithm {
	m := make(map[string]SignatureAlgorithm, len(signatureAlgorithms))
	for _, a := range signatureAlgorithms {
		m[a.ID] = a
	}
	return m
}()

// LookupSignatureAlgorithm returns the signature method registered under id.
func LookupSignatureAlgorithm(id string, allowWeak bool) (SignatureAlgorithm, error) {
	a, ok := signatureMethodByIdentifiers[id]
	if !ok {
		return SignatureAlgorithm{}, dsigerr.New(dsigerr.UnsupportedAlgorithm, "unknown signature method %q", id)
	}
	if a.Weak && !allowWeak {
		return SignatureAlgorithm{}, dsigerr.New(dsigerr.UnsupportedAlgorithm, "weak signature method %q is not allowed", id)
	}
	return a, nil
}

// DefaultSignatureMethod picks a signature method for the given public key.
func DefaultSignatureMethod(pub crypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return RSASHA256SignatureMethod, nil
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 384:
			return ECDSASHA384SignatureMethod, nil
		case 521:
			return ECDSASHA512SignatureMethod, nil
		default:
			return ECDSASHA256SignatureMethod, nil
		}
	case ed25519.PublicKey:
		return Ed25519SignatureMethod, nil
	}
	return "", dsigerr.New(dsigerr.CredentialInvalid, "unsupported public key type %T", pub)
}

func publicKeyAlgorithm(pub crypto.PublicKey) x509.PublicKeyAlgorithm {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509.RSA
	case *ecdsa.PublicKey:
		return x509.ECDSA
	case ed25519.PublicKey:
		return x509.Ed25519
	}
	return x509.UnknownPublicKeyAlgorithm
}

// compatible reports whether the method can be used with pub.
func (a SignatureAlgorithm) compatible(pub crypto.PublicKey) error {
	if algo := publicKeyAlgorithm(pub); algo != a.PublicKeyAlgorithm {
		return fmt.Errorf("signature method %s is incompatible with %s key", a.ID, algo)
	}
	return nil
}

func (a SignatureAlgorithm) digest(data []byte) []byte {
	if a.PublicKeyAlgorithm == x509.Ed25519 {
		return data
	}
	h := a.Hash.New()
	h.Write(data)
	return h.Sum(nil)
}

// Sign signs data with signer. ECDSA signatures are returned in the fixed
// width r||s form used by XML-DSig.
func (a SignatureAlgorithm) Sign(signer crypto.Signer, data []byte) ([]byte, error) {
	var opts crypto.SignerOpts = a.Hash
	if a.PSS {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: a.Hash}
	}
	if a.PublicKeyAlgorithm == x509.Ed25519 {
		opts = crypto.Hash(0)
	}

	sig, err := signer.Sign(rand.Reader, a.digest(data), opts)
	if err != nil {
		return nil, err
	}

	if pub, ok := signer.Public().(*ecdsa.PublicKey); ok {
		return ecdsaDERToRaw(sig, pub)
	}
	return sig, nil
}

// Verify checks sig over data with pub.
func (a SignatureAlgorithm) Verify(pub crypto.PublicKey, data, sig []byte) error {
	if err := a.compatible(pub); err != nil {
		return err
	}
	digest := a.digest(data)

	switch k := pub.(type) {
	case *rsa.PublicKey:
		if a.PSS {
			return rsa.VerifyPSS(k, a.Hash, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: a.Hash})
		}
		return rsa.VerifyPKCS1v15(k, a.Hash, digest, sig)
	case *ecdsa.PublicKey:
		der, err := ecdsaRawToDER(sig, k)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(k, digest, der) {
			return errors.New("ecdsa verification failure")
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, sig) {
			return errors.New("ed25519 verification failure")
		}
		return nil
	}
	return fmt.Errorf("unsupported public key type %T", pub)
}

func ecdsaFieldSize(pub *ecdsa.PublicKey) int {
	return (pub.Curve.Params().BitSize + 7) / 8
}

func ecdsaDERToRaw(der []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, errors.New("malformed ecdsa signature")
	}

	size := ecdsaFieldSize(pub)
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > size*8 || s.BitLen() > size*8 {
		return nil, errors.New("ecdsa signature out of range")
	}
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

func ecdsaRawToDER(raw []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	size := ecdsaFieldSize(pub)
	if len(raw) != 2*size {
		return nil, fmt.Errorf("ecdsa signature has length %d, expected %d", len(raw), 2*size)
	}
	r := new(big.Int).SetBytes(raw[:size])
	s := new(big.Int).SetBytes(raw[size:])

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}
