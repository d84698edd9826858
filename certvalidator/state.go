package certvalidator

import (
	"crypto/x509"

	"github.com/lafriks/go-xmldsig/v3/revocation"
)

// State is a step of chain evaluation.
type State int

const (
	// StateBuilding extends the path one issuer at a time.
	StateBuilding State = iota
	// StatePathIncomplete means no issuer could be found. Terminal.
	StatePathIncomplete
	// StateReachedAnchor means the path ends in a trust anchor.
	StateReachedAnchor
	// StateValidating checks validity periods, constraints, key usage and
	// revocation along the path.
	StateValidating
	// StateValid is the terminal success state.
	StateValid
	// StateFailed is the terminal failure state.
	StateFailed
)

var stateNames = map[State]string{
	StateBuilding:       "building",
	StatePathIncomplete: "path_incomplete",
	StateReachedAnchor:  "reached_anchor",
	StateValidating:     "validating",
	StateValid:          "valid",
	StateFailed:         "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StatePathIncomplete || s == StateValid || s == StateFailed
}

var transitions = map[State][]State{
	StateBuilding:       {StateBuilding, StateReachedAnchor, StatePathIncomplete, StateFailed},
	StateReachedAnchor:  {StateValidating},
	StateValidating:     {StateValid, StateFailed},
	StatePathIncomplete: nil,
	StateValid:          nil,
	StateFailed:         nil,
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Result is the outcome of a chain evaluation.
type Result struct {
	// Chain is the path built so far, leaf first. When State is StateValid
	// its last element is a trust anchor.
	Chain []*x509.Certificate
	State State
	// Revocation holds the evidence for each checked position.
	Revocation []*revocation.Record
	// FailedCertificate is the first certificate that failed, if any.
	FailedCertificate *x509.Certificate
	Err               error

	anchor *x509.Certificate
}

// Valid reports whether the chain reached StateValid.
func (r *Result) Valid() bool {
	return r != nil && r.State == StateValid
}

// Anchor returns the trust anchor the path ends in, or nil.
func (r *Result) Anchor() *x509.Certificate {
	if r == nil {
		return nil
	}
	return r.anchor
}
