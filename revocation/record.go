// Package revocation determines whether certificates have been revoked,
// caching evidence by issuer and serial number.
package revocation

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"math/big"
	"time"
)

// Status is the revocation state of a certificate.
type Status int

const (
	StatusUnknown Status = iota
	StatusGood
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Source identifies where revocation evidence came from.
type Source int

const (
	SourceStatic Source = iota
	SourceOCSP
	SourceCRL
)

func (s Source) String() string {
	switch s {
	case SourceOCSP:
		return "ocsp"
	case SourceCRL:
		return "crl"
	default:
		return "static"
	}
}

// Reason is an RFC 5280 CRLReason code.
type Reason int

const (
	ReasonUnspecified          Reason = 0
	ReasonKeyCompromise        Reason = 1
	ReasonCACompromise         Reason = 2
	ReasonAffiliationChanged   Reason = 3
	ReasonSuperseded           Reason = 4
	ReasonCessationOfOperation Reason = 5
	ReasonCertificateHold      Reason = 6
	ReasonRemoveFromCRL        Reason = 8
	ReasonPrivilegeWithdrawn   Reason = 9
	ReasonAACompromise         Reason = 10
)

var reasonNames = map[Reason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Compromise reports whether the reason invalidates everything the key
// ever signed.
func (r Reason) Compromise() bool {
	return r == ReasonKeyCompromise || r == ReasonCACompromise || r == ReasonAACompromise
}

// Key identifies a certificate for revocation purposes.
type Key struct {
	// Issuer is the hex SHA-256 of the issuer's SubjectPublicKeyInfo.
	Issuer string
	Serial string
}

// KeyFor returns the cache key of cert issued by issuer.
func KeyFor(cert, issuer *x509.Certificate) Key {
	sum := sha256.Sum256(issuer.RawSubjectPublicKeyInfo)
	return Key{Issuer: hex.EncodeToString(sum[:]), Serial: cert.SerialNumber.Text(16)}
}

// Record is revocation evidence for one certificate.
type Record struct {
	Key    Key
	Serial *big.Int
	Status Status
	Source Source
	// EvidenceTime is when the evidence was produced (CRL thisUpdate, OCSP
	// thisUpdate).
	EvidenceTime time.Time
	// NextUpdate is when fresher evidence is expected, if known.
	NextUpdate time.Time
	RevokedAt  time.Time
	Reason     Reason
	// CacheExpiry is the instant after which the record must not be used.
	CacheExpiry time.Time
}

// Definitive reports whether the record states good or revoked.
func (r *Record) Definitive() bool {
	return r != nil && r.Status != StatusUnknown
}

func (r *Record) clone() *Record {
	c := *r
	if r.Serial != nil {
		c.Serial = new(big.Int).Set(r.Serial)
	}
	return &c
}

func newRecord(cert, issuer *x509.Certificate, status Status, source Source) *Record {
	return &Record{
		Key:    KeyFor(cert, issuer),
		Serial: new(big.Int).Set(cert.SerialNumber),
		Status: status,
		Source: source,
	}
}
