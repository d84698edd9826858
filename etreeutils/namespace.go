package etreeutils

import (
	"errors"
	"fmt"
	"sort"

	"github.com/beevik/etree"
)

const (
	defaultPrefix = ""
	xmlnsPrefix   = "xmlns"
	xmlPrefix     = "xml"

	XMLNamespace   = "http://www.w3.org/XML/1998/namespace"
	XMLNSNamespace = "http://www.w3.org/2000/xmlns/"
)

// ErrTraversalHalted may be returned by an iteration handler to stop the
// traversal without reporting an error.
var ErrTraversalHalted = errors.New("traversal halted")

// ErrReservedNamespace is returned when a document tries to rebind the xml
// or xmlns prefixes.
var ErrReservedNamespace = errors.New("reserved namespace prefix")

// ErrUndeclaredNSPrefix is returned when a prefix is used without being
// declared in scope.
type ErrUndeclaredNSPrefix struct {
	Prefix string
}

func (e ErrUndeclaredNSPrefix) Error() string {
	return fmt.Sprintf("undeclared namespace prefix: %q", e.Prefix)
}

// NSContext is the set of namespace bindings in scope at an element.
type NSContext struct {
	prefixes map[string]string
}

// DefaultNSContext holds the bindings predefined by XML Namespaces.
var DefaultNSContext = NSContext{
	prefixes: map[string]string{
		defaultPrefix: "",
		xmlPrefix:     XMLNamespace,
		xmlnsPrefix:   XMLNSNamespace,
	},
}

// NewNSContext returns a context holding the predefined bindings plus the
// given ones.
func NewNSContext(prefixes map[string]string) NSContext {
	ctx := DefaultNSContext.Copy()
	for prefix, ns := range prefixes {
		ctx.prefixes[prefix] = ns
	}
	return ctx
}

// Copy returns an independent copy of the context.
func (ctx NSContext) Copy() NSContext {
	prefixes := make(map[string]string, len(ctx.prefixes)+4)
	for k, v := range ctx.prefixes {
		prefixes[k] = v
	}
	return NSContext{prefixes: prefixes}
}

// SubContext returns a new context extended with the namespace
// declarations carried by el.
func (ctx NSContext) SubContext(el *etree.Element) (NSContext, error) {
	sub := ctx.Copy()
	for _, attr := range el.Attr {
		switch {
		case attr.Space == xmlnsPrefix:
			if attr.Key == xmlPrefix && attr.Value != XMLNamespace || attr.Key == xmlnsPrefix {
				return ctx, ErrReservedNamespace
			}
			sub.prefixes[attr.Key] = attr.Value
		case attr.Space == defaultPrefix && attr.Key == xmlnsPrefix:
			sub.prefixes[defaultPrefix] = attr.Value
		}
	}
	return sub, nil
}

// LookupPrefix returns the namespace bound to prefix.
func (ctx NSContext) LookupPrefix(prefix string) (string, error) {
	if ns, ok := ctx.prefixes[prefix]; ok {
		return ns, nil
	}
	return "", ErrUndeclaredNSPrefix{Prefix: prefix}
}

// Prefixes returns a copy of all bindings, including the predefined ones.
func (ctx NSContext) Prefixes() map[string]string {
	return ctx.Copy().prefixes
}

// DeclaredPrefixes returns the bound prefixes other than xml and xmlns,
// sorted.
func (ctx NSContext) DeclaredPrefixes() []string {
	out := make([]string, 0, len(ctx.prefixes))
	for prefix := range ctx.prefixes {
		if prefix == xmlPrefix || prefix == xmlnsPrefix {
			continue
		}
		out = append(out, prefix)
	}
	sort.Strings(out)
	return out
}

// Ancestors returns the element ancestors of el, nearest first. The
// document pseudo-element of an etree.Document is not included.
func Ancestors(el *etree.Element) []*etree.Element {
	var out []*etree.Element
	for p := el.Parent(); p != nil && p.Tag != ""; p = p.Parent() {
		out = append(out, p)
	}
	return out
}

// Root returns the outermost element containing el.
func Root(el *etree.Element) *etree.Element {
	ancestors := Ancestors(el)
	if len(ancestors) == 0 {
		return el
	}
	return ancestors[len(ancestors)-1]
}

// IsAncestor reports whether a is el or one of its ancestors.
func IsAncestor(a, el *etree.Element) bool {
	for e := el; e != nil; e = e.Parent() {
		if e == a {
			return true
		}
	}
	return false
}

// NSBuildParentContext returns the context in scope at el's parent, built
// from the declarations of every ancestor.
func NSBuildParentContext(el *etree.Element) (NSContext, error) {
	ancestors := Ancestors(el)
	ctx := DefaultNSContext
	var err error
	for i := len(ancestors) - 1; i >= 0; i-- {
		ctx, err = ctx.SubContext(ancestors[i])
		if err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

// NSBuildContext returns the context in scope at el itself.
func NSBuildContext(el *etree.Element) (NSContext, error) {
	ctx, err := NSBuildParentContext(el)
	if err != nil {
		return ctx, err
	}
	return ctx.SubContext(el)
}

// ElementNamespace resolves the namespace of el in ctx, where ctx already
// includes el's own declarations.
func ElementNamespace(ctx NSContext, el *etree.Element) (string, error) {
	return ctx.LookupPrefix(el.Space)
}

// NSIterHandler is called for each matching element with the context in
// scope at that element.
type NSIterHandler func(NSContext, *etree.Element) error

// NSTraverse calls handle for el and every descendant, depth first.
func NSTraverse(ctx NSContext, el *etree.Element, handle NSIterHandler) error {
	ctx, err := ctx.SubContext(el)
	if err != nil {
		return err
	}
	if err := handle(ctx, el); err != nil {
		return err
	}
	for _, child := range el.ChildElements() {
		if err := NSTraverse(ctx, child, handle); err != nil {
			return err
		}
	}
	return nil
}

// NSFindIterate calls handle on every descendant of el (and el itself)
// whose resolved namespace and local name match.
func NSFindIterate(el *etree.Element, namespace, tag string, handle NSIterHandler) error {
	ctx, err := NSBuildParentContext(el)
	if err != nil {
		return err
	}
	return NSFindIterateCtx(ctx, el, namespace, tag, handle)
}

// NSFindIterateCtx is NSFindIterate with an explicit starting context.
func NSFindIterateCtx(ctx NSContext, el *etree.Element, namespace, tag string, handle NSIterHandler) error {
	err := NSTraverse(ctx, el, func(ctx NSContext, el *etree.Element) error {
		if el.Tag != tag {
			return nil
		}
		ns, err := ElementNamespace(ctx, el)
		if err != nil {
			return err
		}
		if ns != namespace {
			return nil
		}
		return handle(ctx, el)
	})
	if errors.Is(err, ErrTraversalHalted) {
		return nil
	}
	return err
}

// NSFindChildrenIterateCtx calls handle on each direct child of el whose
// namespace and local name match. ctx is the context in scope at el.
func NSFindChildrenIterateCtx(ctx NSContext, el *etree.Element, namespace, tag string, handle NSIterHandler) error {
	for _, child := range el.ChildElements() {
		if child.Tag != tag {
			continue
		}
		childCtx, err := ctx.SubContext(child)
		if err != nil {
			return err
		}
		ns, err := ElementNamespace(childCtx, child)
		if err != nil {
			return err
		}
		if ns != namespace {
			continue
		}
		if err := handle(childCtx, child); err != nil {
			if errors.Is(err, ErrTraversalHalted) {
				return nil
			}
			return err
		}
	}
	return nil
}

// NSFindOneChildCtx returns the first matching direct child of el, or nil.
func NSFindOneChildCtx(ctx NSContext, el *etree.Element, namespace, tag string) (*etree.Element, error) {
	var found *etree.Element
	err := NSFindChildrenIterateCtx(ctx, el, namespace, tag, func(_ NSContext, child *etree.Element) error {
		found = child
		return ErrTraversalHalted
	})
	return found, err
}

// NSFindChildren returns all matching direct children of el.
func NSFindChildren(ctx NSContext, el *etree.Element, namespace, tag string) ([]*etree.Element, error) {
	var found []*etree.Element
	err := NSFindChildrenIterateCtx(ctx, el, namespace, tag, func(_ NSContext, child *etree.Element) error {
		found = append(found, child)
		return nil
	})
	return found, err
}

// NSDetatch returns a copy of el that declares every binding of ctx not
// already declared on el, so it can be serialized on its own.
func NSDetatch(ctx NSContext, el *etree.Element) (*etree.Element, error) {
	detached := el.Copy()
	declared := map[string]bool{}
	for _, attr := range detached.Attr {
		switch {
		case attr.Space == xmlnsPrefix:
			declared[attr.Key] = true
		case attr.Space == defaultPrefix && attr.Key == xmlnsPrefix:
			declared[defaultPrefix] = true
		}
	}
	for _, prefix := range ctx.DeclaredPrefixes() {
		if declared[prefix] {
			continue
		}
		ns := ctx.prefixes[prefix]
		if prefix == defaultPrefix {
			if ns != "" {
				detached.CreateAttr(xmlnsPrefix, ns)
			}
			continue
		}
		detached.CreateAttr(xmlnsPrefix+":"+prefix, ns)
	}
	return detached, nil
}
