package xmldsig

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lafriks/go-xmldsig/v3/certvalidator"
	"github.com/lafriks/go-xmldsig/v3/config"
	"github.com/lafriks/go-xmldsig/v3/metrics"
	"github.com/lafriks/go-xmldsig/v3/revocation"
	"github.com/lafriks/go-xmldsig/v3/timestamp"
)

// NewValidationContextFromConfig builds a validation context from the trust,
// revocation and time-stamp sections of c. client is used for OCSP and CRL
// requests; http.DefaultClient when nil.
func NewValidationContextFromConfig(c *config.Config, client *http.Client) (*ValidationContext, error) {
	anchors, err := c.TrustAnchors()
	if err != nil {
		return nil, err
	}
	intermediates, err := c.IntermediateCertificates()
	if err != nil {
		return nil, err
	}
	checker, err := c.RevocationChecker(client)
	if err != nil {
		return nil, err
	}

	vc := NewDefaultValidationContext(anchors)
	vc.Certificates.Intermediates = intermediates
	vc.AllowWeakAlgorithms = c.AllowWeakAlgorithms
	vc.RequireTimestamp = c.Timestamp.Required

	if len(c.Trust.TSARoots) > 0 {
		tsaAnchors, err := c.TSAAnchors()
		if err != nil {
			return nil, err
		}
		vc.Timestamps = timestamp.NewValidator(tsaAnchors)
		vc.Timestamps.AllowWeakHash = c.AllowWeakAlgorithms
	}

	useRevocation(vc.Certificates, checker)
	if vc.Timestamps != nil && vc.Timestamps.Chain != nil {
		useRevocation(vc.Timestamps.Chain, checker)
	}
	return vc, nil
}

// useRevocation installs checker on v, or turns revocation checking off
// when checker is nil.
func useRevocation(v *certvalidator.Validator, checker *revocation.Checker) {
	if checker == nil {
		v.Revocation = nil
		v.Options.DisableRevocation = true
		return
	}
	v.Revocation = checker
	v.Options.DisableRevocation = false
}

// SetLogger sets the logger of the context and of the validators it uses.
func (vc *ValidationContext) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	vc.Logger = logger
	if vc.Certificates != nil {
		vc.Certificates.Logger = logger.Named("certvalidator")
		if vc.Certificates.Revocation != nil {
			vc.Certificates.Revocation.Logger = logger.Named("revocation")
		}
	}
	if vc.Timestamps != nil {
		vc.Timestamps.Logger = logger.Named("timestamp")
		if vc.Timestamps.Chain != nil {
			vc.Timestamps.Chain.Logger = logger.Named("timestamp.certvalidator")
		}
	}
}

// SetMetrics sets the recorder of the context and of its revocation checker.
func (vc *ValidationContext) SetMetrics(r metrics.Recorder) {
	vc.Metrics = r
	if vc.Certificates != nil && vc.Certificates.Revocation != nil {
		vc.Certificates.Revocation.Metrics = r
	}
}

// NewSigningContextFromConfig builds a signing context from the signing and
// time-stamp sections of c.
func NewSigningContextFromConfig(c *config.Config, client *http.Client) (*SigningContext, error) {
	loaded, err := c.Credential()
	if err != nil {
		return nil, err
	}
	cred, err := CredentialFromKeys(loaded)
	if err != nil {
		return nil, err
	}

	sc := NewDefaultSigningContext(cred)
	sc.AllowWeakAlgorithms = c.AllowWeakAlgorithms
	sc.Timestamper = c.Timestamper(client)

	s := c.Signing
	if s.SignatureMethod != "" {
		if err := sc.SetSignatureMethod(s.SignatureMethod); err != nil {
			return nil, err
		}
	}
	if s.DigestMethod != "" {
		if _, err := LookupDigestAlgorithm(s.DigestMethod, sc.AllowWeakAlgorithms); err != nil {
			return nil, err
		}
		sc.DigestMethod = s.DigestMethod
	}
	if s.Canonicalization != "" {
		if sc.Canonicalizer, err = CanonicalizerFor(AlgorithmID(s.Canonicalization), ""); err != nil {
			return nil, err
		}
	}
	if s.Prefix != "" {
		sc.Prefix = s.Prefix
	}
	if s.XAdES || s.PolicyImplied {
		sc.Properties = &SignedPropertiesOptions{PolicyImplied: s.PolicyImplied}
	}
	return sc, nil
}
