package xmldsig

import (
	"bytes"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/lafriks/go-xmldsig/v3/dsigerr"
	"github.com/lafriks/go-xmldsig/v3/etreeutils"
)

// Canonicalizer serializes an element to its canonical octets. Subtrees
// listed in omit are left out of the output; the tree itself is never
// modified.
type Canonicalizer interface {
	Canonicalize(el *etree.Element, omit ...*etree.Element) ([]byte, error)
	Algorithm() AlgorithmID
}

type c14nCanonicalizer struct {
	algorithm AlgorithmID
	exclusive bool
	comments  bool
	// version11 restricts inherited xml: attributes to xml:lang and xml:space.
	version11 bool
	// prefixes is the InclusiveNamespaces PrefixList of exclusive c14n.
	prefixes []string
}

// MakeC14N10ExclusiveCanonicalizerWithPrefixList constructs an exclusive
// canonicalizer. prefixList is a space separated list of namespace
// prefixes that are handled as in inclusive canonicalization, "#default"
// naming the default namespace.
func MakeC14N10ExclusiveCanonicalizerWithPrefixList(prefixList string) Canonicalizer {
	return &c14nCanonicalizer{
		algorithm: CanonicalXML10ExclusiveAlgorithmId,
		exclusive: true,
		prefixes:  parsePrefixList(prefixList),
	}
}

// MakeC14N10ExclusiveWithCommentsCanonicalizerWithPrefixList is the
// comment preserving variant of MakeC14N10ExclusiveCanonicalizerWithPrefixList.
func MakeC14N10ExclusiveWithCommentsCanonicalizerWithPrefixList(prefixList string) Canonicalizer {
	return &c14nCanonicalizer{
		algorithm: CanonicalXML10ExclusiveWithCommentsAlgorithmId,
		exclusive: true,
		comments:  true,
		prefixes:  parsePrefixList(prefixList),
	}
}

// MakeC14N11Canonicalizer constructs an inclusive Canonical XML 1.1
// canonicalizer.
func MakeC14N11Canonicalizer() Canonicalizer {
	return &c14nCanonicalizer{algorithm: CanonicalXML11AlgorithmId, version11: true}
}

// MakeC14N11WithCommentsCanonicalizer constructs an inclusive Canonical XML
// 1.1 canonicalizer preserving comments.
func MakeC14N11WithCommentsCanonicalizer() Canonicalizer {
	return &c14nCanonicalizer{algorithm: CanonicalXML11WithCommentsAlgorithmId, version11: true, comments: true}
}

// MakeC14N10RecCanonicalizer constructs an inclusive Canonical XML 1.0
// canonicalizer.
func MakeC14N10RecCanonicalizer() Canonicalizer {
	return &c14nCanonicalizer{algorithm: CanonicalXML10RecAlgorithmId}
}

// MakeC14N10WithCommentsCanonicalizer constructs an inclusive Canonical XML
// 1.0 canonicalizer preserving comments.
func MakeC14N10WithCommentsCanonicalizer() Canonicalizer {
	return &c14nCanonicalizer{algorithm: CanonicalXML10WithCommentsAlgorithmId, comments: true}
}

// CanonicalizerFor returns the canonicalizer registered for algorithm.
// prefixList only applies to exclusive canonicalization.
func CanonicalizerFor(algorithm AlgorithmID, prefixList string) (Canonicalizer, error) {
	switch algorithm {
	case CanonicalXML10ExclusiveAlgorithmId:
		return MakeC14N10ExclusiveCanonicalizerWithPrefixList(prefixList), nil
	case CanonicalXML10ExclusiveWithCommentsAlgorithmId:
		return MakeC14N10ExclusiveWithCommentsCanonicalizerWithPrefixList(prefixList), nil
	case CanonicalXML11AlgorithmId:
		return MakeC14N11Canonicalizer(), nil
	case CanonicalXML11WithCommentsAlgorithmId:
		return MakeC14N11WithCommentsCanonicalizer(), nil
	case CanonicalXML10RecAlgorithmId:
		return MakeC14N10RecCanonicalizer(), nil
	case CanonicalXML10WithCommentsAlgorithmId:
		return MakeC14N10WithCommentsCanonicalizer(), nil
	}
	return nil, dsigerr.New(dsigerr.UnsupportedAlgorithm, "unknown canonicalization method %q", algorithm)
}

// Canonicalize applies exclusive canonicalization with the given inclusive
// namespace prefixes.
func Canonicalize(el *etree.Element, inclusivePrefixes ...string) ([]byte, error) {
	c := &c14nCanonicalizer{
		algorithm: CanonicalXML10ExclusiveAlgorithmId,
		exclusive: true,
		prefixes:  inclusivePrefixes,
	}
	return c.Canonicalize(el)
}

// ReadDocument parses data after replacing literal tabs, line feeds and
// carriage returns in attribute values with spaces. Canonicalizers take
// trees built or parsed elsewhere as already normalized.
func ReadDocument(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(etreeutils.NormalizeAttributeWhitespace(data)); err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "parse document")
	}
	if doc.Root() == nil {
		return nil, dsigerr.New(dsigerr.MalformedDocument, "document has no root element")
	}
	return doc, nil
}

// CanonicalizeBytes parses data and canonicalizes its document element.
func CanonicalizeBytes(data []byte, c Canonicalizer) ([]byte, error) {
	doc, err := ReadDocument(data)
	if err != nil {
		return nil, err
	}
	return c.Canonicalize(doc.Root())
}

// withoutComments returns the comment-free variant of c. Same-document
// references without an XPointer drop comments regardless of the declared
// transform.
func withoutComments(c Canonicalizer) Canonicalizer {
	cc, ok := c.(*c14nCanonicalizer)
	if !ok || !cc.comments {
		return c
	}
	stripped := *cc
	stripped.comments = false
	return &stripped
}

func parsePrefixList(prefixList string) []string {
	return strings.Fields(prefixList)
}

func (c *c14nCanonicalizer) Algorithm() AlgorithmID {
	return c.algorithm
}

func (c *c14nCanonicalizer) Canonicalize(el *etree.Element, omit ...*etree.Element) ([]byte, error) {
	scope, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "namespace scope")
	}

	w := &c14nWriter{
		c:    c,
		omit: make(map[*etree.Element]bool, len(omit)),
	}
	for _, o := range omit {
		w.omit[o] = true
	}

	var inherited []etree.Attr
	if !c.exclusive {
		inherited = c.inheritedXMLAttrs(el)
	}

	rendered := map[string]string{"": ""}
	if err := w.element(el, scope, rendered, inherited); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

// inheritedXMLAttrs collects xml: attributes of ancestors of the apex that
// are not overridden closer to it.
func (c *c14nCanonicalizer) inheritedXMLAttrs(el *etree.Element) []etree.Attr {
	seen := map[string]bool{}
	for _, attr := range el.Attr {
		if attr.Space == "xml" {
			seen[attr.Key] = true
		}
	}

	var out []etree.Attr
	for _, ancestor := range etreeutils.Ancestors(el) {
		for _, attr := range ancestor.Attr {
			if attr.Space != "xml" || seen[attr.Key] {
				continue
			}
			if c.version11 && attr.Key != "lang" && attr.Key != "space" {
				continue
			}
			seen[attr.Key] = true
			out = append(out, etree.Attr{Space: attr.Space, Key: attr.Key, Value: attr.Value})
		}
	}
	return out
}

type c14nWriter struct {
	c    *c14nCanonicalizer
	omit map[*etree.Element]bool
	buf  bytes.Buffer
}

// element writes el. scope is the namespace context in scope at el's
// parent; rendered maps each prefix to the namespace last declared by an
// output ancestor.
func (w *c14nWriter) element(el *etree.Element, scope etreeutils.NSContext, rendered map[string]string, extra []etree.Attr) error {
	scope, err := scope.SubContext(el)
	if err != nil {
		return dsigerr.Wrap(dsigerr.MalformedDocument, err, "element %s", el.FullTag())
	}

	decls, rendered, err := w.namespaceDecls(el, scope, rendered)
	if err != nil {
		return err
	}

	attrs := make([]etree.Attr, 0, len(decls)+len(el.Attr)+len(extra))
	attrs = append(attrs, decls...)
	for _, attr := range el.Attr {
		if etreeutils.IsNamespaceDecl(attr) {
			continue
		}
		if attr.Space != "" && attr.Space != "xml" {
			if _, err := scope.LookupPrefix(attr.Space); err != nil {
				return dsigerr.Wrap(dsigerr.MalformedDocument, err, "attribute %s", attr.FullKey())
			}
		}
		attrs = append(attrs, etree.Attr{Space: attr.Space, Key: attr.Key, Value: attr.Value})
	}
	attrs = append(attrs, extra...)
	etreeutils.SortAttrs(scope, attrs)

	name := el.FullTag()
	w.buf.WriteByte('<')
	w.buf.WriteString(name)
	for _, attr := range attrs {
		w.buf.WriteByte(' ')
		w.buf.WriteString(attr.FullKey())
		w.buf.WriteString(`="`)
		w.buf.WriteString(attrEscaper.Replace(attr.Value))
		w.buf.WriteByte('"')
	}
	w.buf.WriteByte('>')

	for _, token := range el.Child {
		switch t := token.(type) {
		case *etree.Element:
			if w.omit[t] {
				continue
			}
			if err := w.element(t, scope, rendered, nil); err != nil {
				return err
			}
		case *etree.CharData:
			w.buf.WriteString(textEscaper.Replace(t.Data))
		case *etree.Comment:
			if w.c.comments {
				w.buf.WriteString("<!--")
				w.buf.WriteString(t.Data)
				w.buf.WriteString("-->")
			}
		case *etree.ProcInst:
			w.buf.WriteString("<?")
			w.buf.WriteString(t.Target)
			if t.Inst != "" {
				w.buf.WriteByte(' ')
				w.buf.WriteString(t.Inst)
			}
			w.buf.WriteString("?>")
		}
	}

	w.buf.WriteString("</")
	w.buf.WriteString(name)
	w.buf.WriteByte('>')
	return nil
}

// namespaceDecls selects the namespace declarations to emit on el and
// returns the rendered map for its children.
func (w *c14nWriter) namespaceDecls(el *etree.Element, scope etreeutils.NSContext, rendered map[string]string) ([]etree.Attr, map[string]string, error) {
	var candidates []string
	if w.c.exclusive {
		candidates = w.visiblyUsed(el)
		for _, prefix := range w.c.prefixes {
			if prefix == "#default" {
				prefix = ""
			}
			if _, err := scope.LookupPrefix(prefix); err == nil {
				candidates = append(candidates, prefix)
			}
		}
	} else {
		candidates = scope.DeclaredPrefixes()
	}

	var decls []etree.Attr
	var next map[string]string
	done := map[string]bool{}
	for _, prefix := range candidates {
		if done[prefix] || prefix == "xml" {
			continue
		}
		done[prefix] = true

		ns, err := scope.LookupPrefix(prefix)
		if err != nil {
			return nil, nil, dsigerr.Wrap(dsigerr.MalformedDocument, err, "element %s", el.FullTag())
		}
		if prev, ok := rendered[prefix]; ok && prev == ns {
			continue
		}
		if prefix != "" && ns == "" {
			continue
		}

		if next == nil {
			next = make(map[string]string, len(rendered)+1)
			for k, v := range rendered {
				next[k] = v
			}
		}
		next[prefix] = ns
		if prefix == "" {
			decls = append(decls, etree.Attr{Key: "xmlns", Value: ns})
		} else {
			decls = append(decls, etree.Attr{Space: "xmlns", Key: prefix, Value: ns})
		}
	}
	if next == nil {
		next = rendered
	}
	return decls, next, nil
}

// visiblyUsed returns the prefixes used by the element name and its
// attributes.
func (w *c14nWriter) visiblyUsed(el *etree.Element) []string {
	used := []string{el.Space}
	for _, attr := range el.Attr {
		if attr.Space == "" || attr.Space == "xml" || etreeutils.IsNamespaceDecl(attr) {
			continue
		}
		used = append(used, attr.Space)
	}
	sort.Strings(used)
	return used
}

var (
	attrEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		`"`, "&quot;",
		"\t", "&#x9;",
		"\n", "&#xA;",
		"\r", "&#xD;",
	)
	textEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\r", "&#xD;",
	)
)

// inclusivePrefixList returns the PrefixList parameter written alongside an
// exclusive canonicalization algorithm, or "" when it has none.
func inclusivePrefixList(c Canonicalizer) string {
	cc, ok := c.(*c14nCanonicalizer)
	if !ok || !cc.exclusive {
		return ""
	}
	return strings.Join(cc.prefixes, " ")
}
