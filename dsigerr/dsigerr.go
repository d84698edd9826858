// Package dsigerr defines the failure kinds shared by signing, verification
// and trust evaluation.
package dsigerr

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of failure. Kinds do not overlap.
type Kind string

const (
	MalformedDocument    Kind = "malformed_document"
	UnsupportedAlgorithm Kind = "unsupported_algorithm"
	CredentialInvalid    Kind = "credential_invalid"
	DigestMismatch       Kind = "digest_mismatch"
	SignatureInvalid     Kind = "signature_invalid"
	ChainIncomplete      Kind = "chain_incomplete"
	UntrustedRoot        Kind = "untrusted_root"
	CertificateExpired   Kind = "certificate_expired"
	ConstraintViolation  Kind = "constraint_violation"
	KeyUsageViolation    Kind = "key_usage_violation"
	CertificateRevoked   Kind = "certificate_revoked"
	RevocationUnknown    Kind = "revocation_unknown"
	TimestampInvalid     Kind = "timestamp_invalid"
)

func (k Kind) String() string { return string(k) }

// Integrity reports whether the kind describes a broken signature rather
// than a trust decision.
func (k Kind) Integrity() bool {
	return k == DigestMismatch || k == SignatureInvalid
}

// Sentinels for use with errors.Is. They match any *Error of the same kind.
var (
	ErrMalformedDocument    = &Error{Kind: MalformedDocument}
	ErrUnsupportedAlgorithm = &Error{Kind: UnsupportedAlgorithm}
	ErrCredentialInvalid    = &Error{Kind: CredentialInvalid}
	ErrDigestMismatch       = &Error{Kind: DigestMismatch}
	ErrSignatureInvalid     = &Error{Kind: SignatureInvalid}
	ErrChainIncomplete      = &Error{Kind: ChainIncomplete}
	ErrUntrustedRoot        = &Error{Kind: UntrustedRoot}
	ErrCertificateExpired   = &Error{Kind: CertificateExpired}
	ErrConstraintViolation  = &Error{Kind: ConstraintViolation}
	ErrKeyUsageViolation    = &Error{Kind: KeyUsageViolation}
	ErrCertificateRevoked   = &Error{Kind: CertificateRevoked}
	ErrRevocationUnknown    = &Error{Kind: RevocationUnknown}
	ErrTimestampInvalid     = &Error{Kind: TimestampInvalid}
)

// Error is a classified failure. Reference names the offending signature
// reference for digest failures; Certificate names the first failing
// certificate for trust failures.
type Error struct {
	Kind        Kind
	Message     string
	Reference   string
	Certificate *x509.Certificate
	Cause       error
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind caused by err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithReference records the reference URI the failure applies to.
func (e *Error) WithReference(uri string) *Error {
	e.Reference = uri
	return e
}

// WithCertificate records the certificate the failure applies to.
func (e *Error) WithCertificate(cert *x509.Certificate) *Error {
	e.Certificate = cert
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reference != "" || e.Kind == DigestMismatch {
		fmt.Fprintf(&b, ": reference %q", e.Reference)
	}
	if e.Certificate != nil {
		fmt.Fprintf(&b, ": certificate %q", e.Certificate.Subject.String())
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinels of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == nil && t.Reference == "" && t.Certificate == nil
}

// KindOf returns the kind of the outermost *Error in err's chain, or the
// empty kind if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
