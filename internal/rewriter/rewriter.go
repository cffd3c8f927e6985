// Package rewriter applies request-time directives to a parsed query
// document and produces the effective document that is sent for execution.
//
// The input document is never modified. Apply builds a new tree: every
// operation, fragment definition, selection set, selection, directive,
// argument and value in the result is freshly allocated, so the result can be
// mutated or cached without affecting the caller's document. Pointers that
// schema validation attaches to nodes (field and type definitions) refer to
// the schema, not the document, and are shared.
//
// For each selection, the directives are evaluated in source order against
// the resolvers of a directive.Registry. Directives without a resolver are
// left in place. A selection removed by a directive is dropped together with
// everything below it; kept fields and inline fragments are rewritten
// recursively. A field or inline fragment whose children are all removed is
// removed as well, since an empty selection set is not valid GraphQL. This
// cascades upwards but stops at operations and fragment definitions, which
// keep an empty selection set. Fragment spreads are not followed: every fragment definition
// is rewritten once per Apply call, independently of where it is spread.
//
// When @skip and @include annotate the same selection, @include decides:
//
//	a @skip(if: true) @include(if: true)    # kept
//	a @skip(if: false) @include(if: false)  # removed
//
// Repeated directives of the same name remove the selection if any of them
// removes it. A custom resolver that returns directive.Remove() removes the
// selection immediately and later directives are not evaluated.
package rewriter

import (
	"fmt"

	directive "github.com/hanpama/pollgraph/internal/directive"
	language "github.com/hanpama/pollgraph/internal/language"
)

type options struct {
	registry       *directive.Registry
	keepDirectives bool
}

// Option configures Apply.
type Option func(*options)

// WithRegistry selects the resolvers used to apply directives. The default
// registry only knows @skip and @include.
func WithRegistry(r *directive.Registry) Option { return func(o *options) { o.registry = r } }

// WithKeepDirectives keeps directives that were handled by a resolver on the
// selections that survive. By default they are stripped from the output since
// they have already been applied.
func WithKeepDirectives() Option { return func(o *options) { o.keepDirectives = true } }

// state is the per-call context threaded through the walk.
type state struct {
	registry       *directive.Registry
	vars           map[string]any
	keepDirectives bool
	spreads        []*language.FragmentSpread
}

// Apply returns the effective document for doc under vars. Any resolver error
// aborts the rewrite and no document is returned.
func Apply(doc *language.QueryDocument, vars map[string]any, opts ...Option) (*language.QueryDocument, error) {
	if doc == nil {
		return nil, fmt.Errorf("rewriter: nil document")
	}
	o := options{}
	for _, f := range opts {
		f(&o)
	}
	if o.registry == nil {
		o.registry = directive.NewRegistry()
	}
	s := &state{registry: o.registry, vars: vars, keepDirectives: o.keepDirectives}

	out := *doc
	out.Operations = nil
	out.Fragments = nil
	if doc.Operations != nil {
		out.Operations = make(language.OperationList, 0, len(doc.Operations))
	}
	for _, op := range doc.Operations {
		if op == nil {
			continue
		}
		cp, err := s.operation(op)
		if err != nil {
			if op.Name != "" {
				return nil, fmt.Errorf("operation %s: %w", op.Name, err)
			}
			return nil, err
		}
		out.Operations = append(out.Operations, cp)
	}
	if doc.Fragments != nil {
		out.Fragments = make(language.FragmentDefinitionList, 0, len(doc.Fragments))
	}
	for _, frag := range doc.Fragments {
		if frag == nil {
			continue
		}
		cp, err := s.fragment(frag)
		if err != nil {
			return nil, fmt.Errorf("fragment %s: %w", frag.Name, err)
		}
		out.Fragments = append(out.Fragments, cp)
	}

	// Validated spreads point at their fragment definition; repoint them at
	// the rewritten copy.
	for _, sp := range s.spreads {
		if sp.Definition != nil {
			sp.Definition = out.Fragments.ForName(sp.Name)
		}
	}
	return &out, nil
}

func (s *state) operation(op *language.OperationDefinition) (*language.OperationDefinition, error) {
	cp := *op
	cp.VariableDefinitions = copyVariableDefinitions(op.VariableDefinitions)
	cp.Directives = copyDirectives(op.Directives)
	set, err := s.selectionSet(op.SelectionSet)
	if err != nil {
		return nil, err
	}
	cp.SelectionSet = set
	return &cp, nil
}

func (s *state) fragment(frag *language.FragmentDefinition) (*language.FragmentDefinition, error) {
	cp := *frag
	cp.VariableDefinition = copyVariableDefinitions(frag.VariableDefinition)
	cp.Directives = copyDirectives(frag.Directives)
	set, err := s.selectionSet(frag.SelectionSet)
	if err != nil {
		return nil, err
	}
	cp.SelectionSet = set
	return &cp, nil
}

// selectionSet rewrites every selection of set, preserving the order of the
// survivors.
func (s *state) selectionSet(set language.SelectionSet) (language.SelectionSet, error) {
	if set == nil {
		return nil, nil
	}
	out := make(language.SelectionSet, 0, len(set))
	for _, sel := range set {
		if sel == nil {
			continue
		}
		kept, ok, err := s.selection(sel)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, kept)
		}
	}
	return out, nil
}

// selection runs the directive state machine for one selection and returns
// the rewritten copy when it is kept.
func (s *state) selection(sel language.Selection) (language.Selection, bool, error) {
	current := sel
	var skipSeen, includeSeen bool
	skipKeep, includeKeep := true, true

	for _, d := range directivesOf(sel) {
		if d == nil {
			continue
		}
		resolve, ok := s.registry.Lookup(d.Name)
		if !ok {
			continue
		}
		res, err := resolve(current, s.vars, d)
		if err != nil {
			return nil, false, err
		}
		keep := !res.Removed()
		switch d.Name {
		case directive.Skip:
			skipSeen = true
			skipKeep = skipKeep && keep
		case directive.Include:
			includeSeen = true
			includeKeep = includeKeep && keep
		default:
			if !keep {
				return nil, false, nil
			}
		}
		if keep && res.Selection() != nil {
			current = res.Selection()
		}
	}

	switch {
	case includeSeen && !includeKeep:
		return nil, false, nil
	case !includeSeen && skipSeen && !skipKeep:
		return nil, false, nil
	}

	return s.copySelection(current)
}

// copySelection copies a kept selection. It reports false when the selection
// had children and none of them survived.
func (s *state) copySelection(sel language.Selection) (language.Selection, bool, error) {
	switch n := sel.(type) {
	case *language.Field:
		cp := *n
		cp.Arguments = copyArguments(n.Arguments)
		cp.Directives = s.remainingDirectives(n.Directives)
		set, err := s.selectionSet(n.SelectionSet)
		if err != nil {
			return nil, false, err
		}
		if len(n.SelectionSet) > 0 && len(set) == 0 {
			return nil, false, nil
		}
		cp.SelectionSet = set
		return &cp, true, nil
	case *language.InlineFragment:
		cp := *n
		cp.Directives = s.remainingDirectives(n.Directives)
		set, err := s.selectionSet(n.SelectionSet)
		if err != nil {
			return nil, false, err
		}
		if len(n.SelectionSet) > 0 && len(set) == 0 {
			return nil, false, nil
		}
		cp.SelectionSet = set
		return &cp, true, nil
	case *language.FragmentSpread:
		cp := *n
		cp.Directives = s.remainingDirectives(n.Directives)
		s.spreads = append(s.spreads, &cp)
		return &cp, true, nil
	default:
		return nil, false, fmt.Errorf("rewriter: unsupported selection type %T", sel)
	}
}

// remainingDirectives copies the directives that stay on a kept selection.
func (s *state) remainingDirectives(list language.DirectiveList) language.DirectiveList {
	if s.keepDirectives {
		return copyDirectives(list)
	}
	if list == nil {
		return nil
	}
	out := make(language.DirectiveList, 0, len(list))
	for _, d := range list {
		if d == nil {
			continue
		}
		if _, handled := s.registry.Lookup(d.Name); handled {
			continue
		}
		out = append(out, copyDirective(d))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func directivesOf(sel language.Selection) language.DirectiveList {
	switch n := sel.(type) {
	case *language.Field:
		return n.Directives
	case *language.InlineFragment:
		return n.Directives
	case *language.FragmentSpread:
		return n.Directives
	}
	return nil
}
