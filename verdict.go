package xmldsig

import (
	"crypto/x509"
	"time"

	"github.com/beevik/etree"

	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/revocation"
	"github.com/lafriks/go-xmldsig/v3/timestamp"
)

// TimeSource names where a verdict's reference time came from.
type TimeSource string

const (
	// TimeSourceClock is the validation context clock.
	TimeSourceClock TimeSource = "clock"
	// TimeSourceTimestamp is the generation time of a validated time-stamp.
	TimeSourceTimestamp TimeSource = "timestamp"
)

// Verdict is the outcome of verifying one signature. Fields are filled in as
// far as verification progressed: Signature once integrity is established,
// Chain and Revocation once trust evaluation ran.
type Verdict struct {
	Valid bool
	// Failure is nil for valid signatures.
	Failure *dsigerr.Error

	Signature  *VerifiedSignature
	Chain      []*x509.Certificate
	Revocation []*revocation.Record
	Timestamp  *timestamp.Token

	// ReferenceTime is the instant certificate validity was evaluated at.
	ReferenceTime       time.Time
	ReferenceTimeSource TimeSource
}

// Kind returns the failure kind, or "" for valid signatures.
func (v *Verdict) Kind() dsigerr.Kind {
	if v == nil || v.Failure == nil {
		return ""
	}
	return v.Failure.Kind
}

// Err returns Failure as an error, or nil.
func (v *Verdict) Err() error {
	if v == nil || v.Failure == nil {
		return nil
	}
	return v.Failure
}

// VerifiedSignature is a signature whose references and signature value
// have been checked.
type VerifiedSignature struct {
	ID                     string
	CanonicalizationMethod string
	SignatureMethod        string
	References             []Reference
	SignatureValue         []byte
	// Certificates are the KeyInfo certificates, signer first.
	Certificates []*x509.Certificate
	// Properties are the XAdES signed properties covered by a reference.
	Properties *SignedProperties
	// Covered holds the element each reference dereferenced to, in
	// SignedInfo order. Only these elements are protected by the signature.
	Covered []*etree.Element
}

// Report details every signature of a document.
type Report struct {
	Signatures []SignatureReport
}

// Valid reports whether the document holds signatures and all of them are
// valid.
func (r *Report) Valid() bool {
	if len(r.Signatures) == 0 {
		return false
	}
	for _, s := range r.Signatures {
		if !s.Verdict.Valid {
			return false
		}
	}
	return true
}

// SignatureReport lists the state of each reference of one signature. Unlike
// Verify, every reference is checked even after one fails.
type SignatureReport struct {
	ID         string
	References []ReferenceReport
	Verdict    *Verdict
}

type ReferenceReport struct {
	URI  string
	Type string
	// Err is nil when the digest matches.
	Err error
}

func (r ReferenceReport) Valid() bool {
	return r.Err == nil
}
