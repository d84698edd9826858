package certvalidator

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// TrustAnchorSet is an immutable set of trusted certificates indexed by
// subject. It is safe for concurrent use without locking.
type TrustAnchorSet struct {
	certs     []*x509.Certificate
	bySubject map[string][]*x509.Certificate
	raw       map[string]bool
}

// NewTrustAnchorSet builds a set from certs. Duplicates are ignored.
func NewTrustAnchorSet(certs ...*x509.Certificate) *TrustAnchorSet {
	s := &TrustAnchorSet{
		bySubject: make(map[string][]*x509.Certificate),
		raw:       make(map[string]bool),
	}
	for _, cert := range certs {
		if cert == nil || s.raw[string(cert.Raw)] {
			continue
		}
		s.raw[string(cert.Raw)] = true
		s.certs = append(s.certs, cert)
		key := NormalizeName(cert.Subject)
		s.bySubject[key] = append(s.bySubject[key], cert)
	}
	return s
}

// Contains reports whether cert itself is an anchor.
func (s *TrustAnchorSet) Contains(cert *x509.Certificate) bool {
	if s == nil || cert == nil {
		return false
	}
	return s.raw[string(cert.Raw)]
}

// Issuers returns the anchors whose subject matches the issuer of cert.
func (s *TrustAnchorSet) Issuers(cert *x509.Certificate) []*x509.Certificate {
	if s == nil {
		return nil
	}
	return s.bySubject[NormalizeName(cert.Issuer)]
}

// Len returns the number of anchors.
func (s *TrustAnchorSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.certs)
}

// Certificates returns a copy of the anchors in insertion order.
func (s *TrustAnchorSet) Certificates() []*x509.Certificate {
	if s == nil {
		return nil
	}
	return append([]*x509.Certificate(nil), s.certs...)
}

// NormalizeName renders a distinguished name for comparison: attribute
// values are NFKC normalized, case folded and have internal whitespace
// collapsed, in the spirit of RFC 5280 section 7.1.
func NormalizeName(name pkix.Name) string {
	folder := cases.Fold()
	var b strings.Builder
	for i, atv := range name.Names {
		if i > 0 {
			b.WriteByte('+')
		}
		b.WriteString(atv.Type.String())
		b.WriteByte('=')
		value, ok := atv.Value.(string)
		if !ok {
			fmt.Fprintf(&b, "#%v", atv.Value)
			continue
		}
		value = strings.Join(strings.Fields(norm.NFKC.String(value)), " ")
		b.WriteString(folder.String(value))
	}
	return b.String()
}

// sameName compares two names by raw DER first, then by normalized form.
func sameName(rawA, rawB []byte, a, b pkix.Name) bool {
	if len(rawA) > 0 && string(rawA) == string(rawB) {
		return true
	}
	return NormalizeName(a) == NormalizeName(b)
}
