// Package keys loads certificates and signing credentials from PEM, DER and
// PKCS#12 encodings.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

var (
	// ErrNoCertFound means the input held no certificate.
	ErrNoCertFound = errors.New("no certificate found")
	// ErrNoKeyFound means the input held no private key.
	ErrNoKeyFound = errors.New("no private key found")
)

// LoadCertificates parses every certificate in data. data may be a sequence
// of PEM blocks or a single DER certificate.
func LoadCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, ErrNoCertFound
	}
	return []*x509.Certificate{cert}, nil
}

// LoadCertificatesFromFile reads and parses the certificates in path.
func LoadCertificatesFromFile(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	certs, err := LoadCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}

// LoadPrivateKey parses a PEM or DER private key in PKCS#8, PKCS#1 or SEC 1
// form.
func LoadPrivateKey(data []byte) (crypto.Signer, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return asSigner(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, ErrNoKeyFound
}

func asSigner(key interface{}) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", key)
}

// Credential is a private key with its certificate chain, leaf first.
type Credential struct {
	Key   crypto.Signer
	Chain []*x509.Certificate
}

// LoadPKCS12 decodes a PKCS#12 archive holding a key, its certificate and
// optionally CA certificates.
func LoadPKCS12(data []byte, password string) (*Credential, error) {
	key, leaf, cas, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12: %w", err)
	}
	if leaf == nil {
		return nil, ErrNoCertFound
	}
	signer, err := asSigner(key)
	if err != nil {
		return nil, err
	}
	return &Credential{Key: signer, Chain: append([]*x509.Certificate{leaf}, cas...)}, nil
}

// LoadPKCS12File reads and decodes the PKCS#12 archive at path.
func LoadPKCS12File(path, password string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadPKCS12(data, password)
}

// EncodeCertificates renders certs as concatenated PEM blocks.
func EncodeCertificates(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}
