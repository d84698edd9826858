// Package timestamp validates and obtains RFC 3161 time-stamp tokens over
// signature values.
package timestamp

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

// Token is a parsed time-stamp token. Its fields are claims until the token
// has passed Validator.Validate.
type Token struct {
	Raw            []byte
	GenTime        time.Time
	Accuracy       time.Duration
	HashAlgorithm  crypto.Hash
	MessageImprint []byte
	SerialNumber   *big.Int
	Policy         asn1.ObjectIdentifier
	// Certificates are the certificates embedded in the token's CMS
	// envelope.
	Certificates []*x509.Certificate
	// Signer is the embedded certificate that signed the token.
	Signer *x509.Certificate
}

// ParseToken decodes a DER encoded TimeStampToken. When the token embeds
// certificates the CMS signature is verified against the signer's key;
// trust in the signer is established separately.
func ParseToken(raw []byte) (*Token, error) {
	ts, err := timestamp.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse time-stamp token: %w", err)
	}
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse time-stamp envelope: %w", err)
	}

	tok := &Token{
		Raw:            append([]byte(nil), raw...),
		GenTime:        ts.Time,
		Accuracy:       ts.Accuracy,
		HashAlgorithm:  ts.HashAlgorithm,
		MessageImprint: ts.HashedMessage,
		SerialNumber:   ts.SerialNumber,
		Policy:         ts.Policy,
		Certificates:   p7.Certificates,
		Signer:         p7.GetOnlySigner(),
	}
	if tok.Signer == nil && len(p7.Certificates) > 0 {
		return nil, errors.New("time-stamp token does not name exactly one signer")
	}
	return tok, nil
}
