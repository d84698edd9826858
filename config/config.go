// Package config loads trust and policy settings from YAML. Configuration is
// read once at start-up; the values it builds are immutable.
package config

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lafriks/go-xmldsig/v3/certvalidator"
	"github.com/lafriks/go-xmldsig/v3/keys"
	"github.com/lafriks/go-xmldsig/v3/revocation"
	"github.com/lafriks/go-xmldsig/v3/timestamp"
)

// Error reports an invalid configuration value.
type Error struct {
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fieldError(field string, err error, format string, args ...interface{}) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...), Err: err}
}

// Config is the top-level configuration document.
type Config struct {
	Trust      TrustConfig      `yaml:"trust"`
	Revocation RevocationConfig `yaml:"revocation"`
	Timestamp  TimestampConfig  `yaml:"timestamp"`
	Signing    SigningConfig    `yaml:"signing"`

	// AllowWeakAlgorithms admits SHA-1 based digests and signatures.
	AllowWeakAlgorithms bool `yaml:"allow-weak-algorithms"`

	// dir resolves relative file paths.
	dir string
}

// TrustConfig names PEM or DER certificate files.
type TrustConfig struct {
	Roots         []string `yaml:"roots"`
	Intermediates []string `yaml:"intermediates"`
	TSARoots      []string `yaml:"tsa-roots"`
}

type RevocationConfig struct {
	// Enabled defaults to true. Disabling it skips revocation checking of
	// every certificate path, including time-stamp authority paths.
	Enabled            *bool         `yaml:"enabled"`
	LeafPolicy         string        `yaml:"leaf-policy"`
	IntermediatePolicy string        `yaml:"intermediate-policy"`
	TimePolicy         string        `yaml:"time-policy"`
	Timeout            time.Duration `yaml:"timeout"`
	CacheTTL           time.Duration `yaml:"cache-ttl"`
	Retries            *int          `yaml:"retries"`
	// Providers lists revocation sources in the order they are consulted:
	// "ocsp" and "crl".
	Providers []string `yaml:"providers"`
}

type TimestampConfig struct {
	Required bool   `yaml:"required"`
	URL      string `yaml:"url"`
	Hash     string `yaml:"hash"`
}

// SigningConfig holds signing defaults and the signing credential.
type SigningConfig struct {
	SignatureMethod  string `yaml:"signature-method"`
	DigestMethod     string `yaml:"digest-method"`
	Canonicalization string `yaml:"canonicalization"`
	Prefix           string `yaml:"prefix"`
	// XAdES adds signed properties; PolicyImplied adds an implied policy
	// to them.
	XAdES         bool `yaml:"xades"`
	PolicyImplied bool `yaml:"policy-implied"`

	PKCS12File     string   `yaml:"pkcs12-file"`
	PKCS12Password string   `yaml:"pkcs12-password"`
	KeyFile        string   `yaml:"key-file"`
	CertFile       string   `yaml:"cert-file"`
	ChainFiles     []string `yaml:"chain"`
}

var hashes = map[string]crypto.Hash{
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

// Load reads the configuration at path. Relative file names inside it are
// resolved against the directory holding path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.dir = filepath.Dir(path)
	return c, nil
}

// Parse decodes and validates a configuration document. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fieldError("", err, "invalid YAML: %v", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	defaults := revocation.DefaultPolicy()
	r := &c.Revocation
	if r.Enabled == nil {
		enabled := true
		r.Enabled = &enabled
	}
	if r.LeafPolicy == "" {
		r.LeafPolicy = defaults.Leaf.String()
	}
	if r.IntermediatePolicy == "" {
		r.IntermediatePolicy = defaults.Intermediate.String()
	}
	if r.TimePolicy == "" {
		r.TimePolicy = defaults.Time.String()
	}
	if r.Timeout == 0 {
		r.Timeout = defaults.Timeout
	}
	if r.CacheTTL == 0 {
		r.CacheTTL = defaults.CacheTTL
	}
	if r.Retries == nil {
		retries := defaults.Retries
		r.Retries = &retries
	}
	if len(r.Providers) == 0 {
		r.Providers = []string{"ocsp", "crl"}
	}
	if c.Timestamp.Hash == "" {
		c.Timestamp.Hash = "sha256"
	}
}

// Validate checks every field and returns the first *Error found.
func (c *Config) Validate() error {
	if len(c.Trust.Roots) == 0 {
		return fieldError("trust.roots", nil, "at least one trust anchor is required")
	}
	if c.Timestamp.Required && len(c.Trust.TSARoots) == 0 {
		return fieldError("trust.tsa-roots", nil, "required when timestamp.required is set")
	}

	r := c.Revocation
	if _, err := revocation.ParseFailurePolicy(r.LeafPolicy); err != nil {
		return fieldError("revocation.leaf-policy", err, "%v", err)
	}
	if _, err := revocation.ParseFailurePolicy(r.IntermediatePolicy); err != nil {
		return fieldError("revocation.intermediate-policy", err, "%v", err)
	}
	if _, err := revocation.ParseTimePolicy(r.TimePolicy); err != nil {
		return fieldError("revocation.time-policy", err, "%v", err)
	}
	if r.Timeout < 0 {
		return fieldError("revocation.timeout", nil, "must be positive")
	}
	if r.CacheTTL < 0 {
		return fieldError("revocation.cache-ttl", nil, "must be positive")
	}
	if r.Retries != nil && *r.Retries < 0 {
		return fieldError("revocation.retries", nil, "must not be negative")
	}
	for _, p := range r.Providers {
		if p != "ocsp" && p != "crl" {
			return fieldError("revocation.providers", nil, "unknown provider %q", p)
		}
	}

	if _, ok := hashes[strings.ToLower(c.Timestamp.Hash)]; !ok {
		return fieldError("timestamp.hash", nil, "unsupported hash %q", c.Timestamp.Hash)
	}

	s := c.Signing
	if s.PKCS12File != "" && (s.KeyFile != "" || s.CertFile != "") {
		return fieldError("signing", nil, "pkcs12-file excludes key-file and cert-file")
	}
	if (s.KeyFile == "") != (s.CertFile == "") {
		return fieldError("signing", nil, "key-file and cert-file must be given together")
	}
	return nil
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

func (c *Config) loadCertificates(field string, paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		loaded, err := keys.LoadCertificatesFromFile(c.resolve(path))
		if err != nil {
			return nil, fieldError(field, err, "%v", err)
		}
		certs = append(certs, loaded...)
	}
	return certs, nil
}

// TrustAnchors loads the signer trust anchors.
func (c *Config) TrustAnchors() (*certvalidator.TrustAnchorSet, error) {
	certs, err := c.loadCertificates("trust.roots", c.Trust.Roots)
	if err != nil {
		return nil, err
	}
	return certvalidator.NewTrustAnchorSet(certs...), nil
}

// TSAAnchors loads the time-stamping authority anchors.
func (c *Config) TSAAnchors() (*certvalidator.TrustAnchorSet, error) {
	certs, err := c.loadCertificates("trust.tsa-roots", c.Trust.TSARoots)
	if err != nil {
		return nil, err
	}
	return certvalidator.NewTrustAnchorSet(certs...), nil
}

// IntermediateCertificates loads the additional path-building candidates.
func (c *Config) IntermediateCertificates() ([]*x509.Certificate, error) {
	return c.loadCertificates("trust.intermediates", c.Trust.Intermediates)
}

// RevocationPolicy converts the revocation settings.
func (c *Config) RevocationPolicy() (revocation.Policy, error) {
	r := c.Revocation
	p := revocation.DefaultPolicy()
	var err error
	if p.Leaf, err = revocation.ParseFailurePolicy(r.LeafPolicy); err != nil {
		return p, fieldError("revocation.leaf-policy", err, "%v", err)
	}
	if p.Intermediate, err = revocation.ParseFailurePolicy(r.IntermediatePolicy); err != nil {
		return p, fieldError("revocation.intermediate-policy", err, "%v", err)
	}
	if p.Time, err = revocation.ParseTimePolicy(r.TimePolicy); err != nil {
		return p, fieldError("revocation.time-policy", err, "%v", err)
	}
	p.Timeout = r.Timeout
	p.CacheTTL = r.CacheTTL
	if r.Retries != nil {
		p.Retries = *r.Retries
	}
	return p, nil
}

// RevocationEnabled reports whether revocation checking is on. It is unless
// revocation.enabled is explicitly false.
func (c *Config) RevocationEnabled() bool {
	return c.Revocation.Enabled == nil || *c.Revocation.Enabled
}

// RevocationChecker builds a checker over the configured providers, or
// returns nil when revocation checking is disabled.
func (c *Config) RevocationChecker(client *http.Client) (*revocation.Checker, error) {
	if !c.RevocationEnabled() {
		return nil, nil
	}
	policy, err := c.RevocationPolicy()
	if err != nil {
		return nil, err
	}
	var providers revocation.ChainProvider
	for _, name := range c.Revocation.Providers {
		switch name {
		case "ocsp":
			providers = append(providers, &revocation.OCSPProvider{Client: client})
		case "crl":
			providers = append(providers, &revocation.CRLProvider{Client: client})
		}
	}
	checker := revocation.NewChecker(providers)
	checker.Policy = policy
	return checker, nil
}

// TimestampHash returns the imprint hash for requested tokens.
func (c *Config) TimestampHash() crypto.Hash {
	return hashes[strings.ToLower(c.Timestamp.Hash)]
}

// Timestamper returns a client for the configured time-stamping service, or
// nil when none is configured.
func (c *Config) Timestamper(client *http.Client) timestamp.Timestamper {
	if c.Timestamp.URL == "" {
		return nil
	}
	return &timestamp.HTTPTimestamper{URL: c.Timestamp.URL, Client: client, Hash: c.TimestampHash()}
}

// Credential loads the signing key and chain named in the signing section.
func (c *Config) Credential() (*keys.Credential, error) {
	s := c.Signing
	var cred *keys.Credential
	switch {
	case s.PKCS12File != "":
		var err error
		cred, err = keys.LoadPKCS12File(c.resolve(s.PKCS12File), s.PKCS12Password)
		if err != nil {
			return nil, fieldError("signing.pkcs12-file", err, "%v", err)
		}
	case s.KeyFile != "":
		data, err := os.ReadFile(c.resolve(s.KeyFile))
		if err != nil {
			return nil, fieldError("signing.key-file", err, "%v", err)
		}
		key, err := keys.LoadPrivateKey(data)
		if err != nil {
			return nil, fieldError("signing.key-file", err, "%v", err)
		}
		chain, err := c.loadCertificates("signing.cert-file", []string{s.CertFile})
		if err != nil {
			return nil, err
		}
		cred = &keys.Credential{Key: key, Chain: chain}
	default:
		return nil, fieldError("signing", nil, "no signing credential configured")
	}

	extra, err := c.loadCertificates("signing.chain", s.ChainFiles)
	if err != nil {
		return nil, err
	}
	cred.Chain = append(cred.Chain, extra...)
	return cred, nil
}
