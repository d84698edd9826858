package xmldsig

import (
	"crypto/subtle"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/etreeutils"
)

var (
	whiteSpace = regexp.MustCompile(`\s+`)
	xpointerID = regexp.MustCompile(`^xpointer\(id\(['"]([^'"]+)['"]\)\)$`)
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(whiteSpace.ReplaceAllString(s, ""))
}

// referenceTarget is the element a same-document URI dereferences to.
type referenceTarget struct {
	el *etree.Element
	// comments is set for XPointer URIs, which keep comment nodes.
	comments bool
}

// resolveReference dereferences uri within the document rooted at root. Only
// same-document references are supported: "", "#id", "#xpointer(/)" and
// "#xpointer(id('id'))".
func resolveReference(root *etree.Element, uri string, idAttrs []string) (referenceTarget, error) {
	if uri == "" {
		return referenceTarget{el: root}, nil
	}
	if !strings.HasPrefix(uri, "#") {
		return referenceTarget{}, dsigerr.New(dsigerr.MalformedDocument, "external reference URIs are not supported").WithReference(uri)
	}

	fragment := uri[1:]
	if fragment == "xpointer(/)" {
		return referenceTarget{el: root, comments: true}, nil
	}
	if m := xpointerID.FindStringSubmatch(fragment); m != nil {
		el, err := elementByID(root, m[1], idAttrs)
		if err != nil {
			return referenceTarget{}, err.WithReference(uri)
		}
		return referenceTarget{el: el, comments: true}, nil
	}
	el, err := elementByID(root, fragment, idAttrs)
	if err != nil {
		return referenceTarget{}, err.WithReference(uri)
	}
	return referenceTarget{el: el}, nil
}

// elementByID finds the single element under root carrying id in one of the
// unqualified attributes idAttrs.
func elementByID(root *etree.Element, id string, idAttrs []string) (*etree.Element, *dsigerr.Error) {
	if id == "" {
		return nil, dsigerr.New(dsigerr.MalformedDocument, "empty fragment identifier")
	}

	var matches []*etree.Element
	stack := []*etree.Element{root}
	for len(stack) > 0 {
		el := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if hasID(el, id, idAttrs) {
			matches = append(matches, el)
		}
		children := el.ChildElements()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	switch len(matches) {
	case 0:
		return nil, dsigerr.New(dsigerr.MalformedDocument, "no element with ID %q", id)
	case 1:
		return matches[0], nil
	}
	return nil, dsigerr.New(dsigerr.MalformedDocument, "ID %q is declared by %d elements", id, len(matches))
}

func hasID(el *etree.Element, id string, idAttrs []string) bool {
	for _, attr := range el.Attr {
		if attr.Space != "" || attr.Value != id {
			continue
		}
		for _, name := range idAttrs {
			if attr.Key == name {
				return true
			}
		}
	}
	return false
}

// transformReference applies the declared transform chain to target. The
// enveloped signature transform is realized by omitting sig from the
// canonical output. Inclusive Canonical XML 1.0 is applied when the chain
// names no canonicalization.
func transformReference(target referenceTarget, transforms []Transform, sig *etree.Element) ([]byte, error) {
	var (
		c    Canonicalizer
		omit []*etree.Element
	)
	for _, t := range transforms {
		alg := AlgorithmID(t.Algorithm)
		if alg == EnvelopedSignatureAlgorithmId {
			if sig == nil || !etreeutils.IsAncestor(target.el, sig) {
				return nil, dsigerr.New(dsigerr.MalformedDocument, "enveloped signature transform on a reference that does not contain its signature")
			}
			omit = append(omit, sig)
			continue
		}
		next, err := CanonicalizerFor(alg, t.PrefixList())
		if err != nil {
			return nil, dsigerr.New(dsigerr.UnsupportedAlgorithm, "unknown transform %q", t.Algorithm)
		}
		c = next
	}

	if c == nil {
		c = MakeC14N10RecCanonicalizer()
	}
	if !target.comments {
		c = withoutComments(c)
	}
	return c.Canonicalize(target.el, omit...)
}

// digestReference dereferences ref within root, transforms it and returns
// the digest of the result along with the dereferenced element. sig is the
// Signature element holding ref.
func digestReference(root *etree.Element, ref *Reference, sig *etree.Element, idAttrs []string, allowWeak bool) ([]byte, *etree.Element, error) {
	alg, err := LookupDigestAlgorithm(ref.DigestAlgo.Algorithm, allowWeak)
	if err != nil {
		return nil, nil, err
	}
	target, err := resolveReference(root, ref.URI, idAttrs)
	if err != nil {
		return nil, nil, err
	}
	canonical, err := transformReference(target, ref.Transforms.Transforms, sig)
	if err != nil {
		return nil, nil, err
	}
	return alg.Sum(canonical), target.el, nil
}

// verifyReference recomputes the digest of ref and compares it with the
// stored DigestValue in constant time. It returns the element ref covers.
func verifyReference(root *etree.Element, ref *Reference, sig *etree.Element, idAttrs []string, allowWeak bool) (*etree.Element, error) {
	want, err := decodeBase64(ref.DigestValue)
	if err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "decode digest value").WithReference(ref.URI)
	}
	got, covered, err := digestReference(root, ref, sig, idAttrs, allowWeak)
	if err != nil {
		if e, ok := dsigerr.As(err); ok && e.Reference == "" {
			e.WithReference(ref.URI)
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, dsigerr.New(dsigerr.DigestMismatch, "digest does not match").WithReference(ref.URI)
	}
	return covered, nil
}
