package revocation

import (
	"fmt"
	"time"
)

// FailurePolicy decides what happens when no definitive revocation status
// can be obtained.
type FailurePolicy int

const (
	// HardFail rejects the certificate.
	HardFail FailurePolicy = iota
	// SoftFail treats the status as unknown and accepts the certificate.
	SoftFail
)

func (p FailurePolicy) String() string {
	if p == SoftFail {
		return "soft"
	}
	return "hard"
}

// ParseFailurePolicy parses "hard" or "soft".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "hard", "hard-fail":
		return HardFail, nil
	case "soft", "soft-fail":
		return SoftFail, nil
	}
	return HardFail, fmt.Errorf("unknown revocation failure policy %q", s)
}

// TimePolicy decides how a revocation relates to the trusted signing time.
type TimePolicy int

const (
	// AnyRevocationFatal rejects a revoked certificate regardless of when
	// it was revoked.
	AnyRevocationFatal TimePolicy = iota
	// RevokedBeforeReferenceTime only rejects certificates revoked at or
	// before the reference time, or revoked for key compromise.
	RevokedBeforeReferenceTime
)

func (p TimePolicy) String() string {
	if p == RevokedBeforeReferenceTime {
		return "revoked-before-reference-time"
	}
	return "any-revocation-fatal"
}

// ParseTimePolicy parses a TimePolicy name.
func ParseTimePolicy(s string) (TimePolicy, error) {
	switch s {
	case "any-revocation-fatal":
		return AnyRevocationFatal, nil
	case "revoked-before-reference-time":
		return RevokedBeforeReferenceTime, nil
	}
	return AnyRevocationFatal, fmt.Errorf("unknown revocation time policy %q", s)
}

// Policy configures a Checker. The zero value hard-fails every position,
// intermediates included, with the default timeout and cache TTL and no
// retry. DefaultPolicy soft-fails intermediates and retries once.
type Policy struct {
	Leaf         FailurePolicy
	Intermediate FailurePolicy
	Time         TimePolicy
	// Timeout bounds all provider attempts for one certificate.
	Timeout time.Duration
	// CacheTTL caps how long a record is cached.
	CacheTTL time.Duration
	// Retries is the number of extra attempts made within Timeout.
	Retries int
}

// DefaultPolicy hard-fails the leaf and soft-fails intermediates.
func DefaultPolicy() Policy {
	return Policy{
		Leaf:         HardFail,
		Intermediate: SoftFail,
		Time:         AnyRevocationFatal,
		Timeout:      10 * time.Second,
		CacheTTL:     time.Hour,
		Retries:      1,
	}
}

func (p Policy) forPosition(i int) FailurePolicy {
	if i == 0 {
		return p.Leaf
	}
	return p.Intermediate
}
