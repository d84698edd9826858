package etreeutils

import (
	"sort"

	"github.com/beevik/etree"
)

// IsNamespaceDecl reports whether attr is an xmlns or xmlns:prefix
// declaration.
func IsNamespaceDecl(attr etree.Attr) bool {
	return attr.Space == xmlnsPrefix || attr.Space == defaultPrefix && attr.Key == xmlnsPrefix
}

// declaredPrefix returns the prefix bound by a namespace declaration.
func declaredPrefix(attr etree.Attr) string {
	if attr.Space == xmlnsPrefix {
		return attr.Key
	}
	return defaultPrefix
}

// SortedAttrs orders attributes as required by XML canonicalization:
// namespace declarations first, ordered by prefix with the default
// namespace leading, then attributes ordered by namespace URI with
// unqualified attributes leading, then by local name.
type SortedAttrs struct {
	ctx   NSContext
	attrs []etree.Attr
}

// NewSortedAttrs returns a sorter resolving attribute prefixes in ctx.
func NewSortedAttrs(ctx NSContext, attrs []etree.Attr) *SortedAttrs {
	return &SortedAttrs{ctx: ctx, attrs: attrs}
}

func (a *SortedAttrs) Len() int      { return len(a.attrs) }
func (a *SortedAttrs) Swap(i, j int) { a.attrs[i], a.attrs[j] = a.attrs[j], a.attrs[i] }

func (a *SortedAttrs) Less(i, j int) bool {
	x, y := a.attrs[i], a.attrs[j]

	xDecl, yDecl := IsNamespaceDecl(x), IsNamespaceDecl(y)
	switch {
	case xDecl && yDecl:
		return declaredPrefix(x) < declaredPrefix(y)
	case xDecl:
		return true
	case yDecl:
		return false
	}

	xNS, yNS := a.namespace(x), a.namespace(y)
	if xNS != yNS {
		return xNS < yNS
	}
	return x.Key < y.Key
}

// namespace resolves the namespace URI of an attribute. Unprefixed
// attributes are in no namespace.
func (a *SortedAttrs) namespace(attr etree.Attr) string {
	if attr.Space == defaultPrefix {
		return ""
	}
	ns, err := a.ctx.LookupPrefix(attr.Space)
	if err != nil {
		return attr.Space
	}
	return ns
}

// SortAttrs sorts attrs in place in canonical order.
func SortAttrs(ctx NSContext, attrs []etree.Attr) {
	sort.Sort(NewSortedAttrs(ctx, attrs))
}
