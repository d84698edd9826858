package timestamp

import (
	"context"
	"crypto"
	"crypto/subtle"
	"crypto/x509"
	"errors"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lafriks/go-xmldsig/v3/certvalidator"
	"github.com/lafriks/go-xmldsig/v3/dsigerr"
)

var (
	// ErrImprintMismatch means the token does not cover the supplied data.
	ErrImprintMismatch = errors.New("message imprint does not match")
	// ErrNoCertificates means the token does not embed its signer.
	ErrNoCertificates = errors.New("time-stamp token carries no certificates")
)

// Validator checks tokens against a set of trusted time-stamping
// authorities. It is safe for concurrent use.
type Validator struct {
	// Chain validates the TSA certificate. It must require the
	// time-stamping extended key usage.
	Chain  *certvalidator.Validator
	Logger *zap.Logger
	Clock  clockwork.Clock
	// AllowWeakHash accepts SHA-1 message imprints.
	AllowWeakHash bool
}

// NewValidator creates a validator trusting TSA certificates that chain to
// anchors.
func NewValidator(anchors *certvalidator.TrustAnchorSet) *Validator {
	chain := certvalidator.NewValidator(anchors)
	chain.Options.LeafKeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	chain.Options.RequiredExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping}
	return &Validator{
		Chain:  chain,
		Logger: zap.NewNop(),
		Clock:  clockwork.NewRealClock(),
	}
}

// Validate parses raw and checks that it is a token over message, issued by
// a trusted TSA whose certificate path is valid now. Every failure is a
// dsigerr.TimestampInvalid error wrapping the cause.
func (v *Validator) Validate(ctx context.Context, raw, message []byte) (*Token, error) {
	tok, err := ParseToken(raw)
	if err != nil {
		return nil, dsigerr.Wrap(dsigerr.TimestampInvalid, err, "unreadable token")
	}
	if len(tok.Certificates) == 0 || tok.Signer == nil {
		return nil, dsigerr.Wrap(dsigerr.TimestampInvalid, ErrNoCertificates, "cannot identify the time-stamping authority")
	}

	if err := v.checkImprint(tok, message); err != nil {
		return nil, err
	}

	res, err := v.Chain.Validate(ctx, tok.Signer, tok.Certificates, v.clock().Now())
	if err != nil {
		e := dsigerr.Wrap(dsigerr.TimestampInvalid, err, "time-stamping authority is not trusted")
		if res != nil && res.FailedCertificate != nil {
			e.WithCertificate(res.FailedCertificate)
		}
		return nil, e
	}

	v.logger().Debug("time-stamp token validated",
		zap.Time("gen_time", tok.GenTime),
		zap.String("tsa", tok.Signer.Subject.String()),
		zap.String("serial", tok.SerialNumber.String()),
	)
	return tok, nil
}

func (v *Validator) checkImprint(tok *Token, message []byte) error {
	h := tok.HashAlgorithm
	if !h.Available() {
		return dsigerr.New(dsigerr.TimestampInvalid, "unsupported imprint hash %v", h)
	}
	if h == crypto.SHA1 && !v.AllowWeakHash {
		return dsigerr.New(dsigerr.TimestampInvalid, "weak imprint hash %v", h)
	}
	d := h.New()
	d.Write(message)
	if subtle.ConstantTimeCompare(d.Sum(nil), tok.MessageImprint) != 1 {
		return dsigerr.Wrap(dsigerr.TimestampInvalid, ErrImprintMismatch, "token covers different data")
	}
	return nil
}

func (v *Validator) logger() *zap.Logger {
	if v.Logger == nil {
		return zap.NewNop()
	}
	return v.Logger
}

func (v *Validator) clock() clockwork.Clock {
	if v.Clock == nil {
		return clockwork.NewRealClock()
	}
	return v.Clock
}
