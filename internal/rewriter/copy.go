package rewriter

import (
	language "github.com/hanpama/pollgraph/internal/language"
)

func copyDirectives(list language.DirectiveList) language.DirectiveList {
	if list == nil {
		return nil
	}
	out := make(language.DirectiveList, 0, len(list))
	for _, d := range list {
		if d != nil {
			out = append(out, copyDirective(d))
		}
	}
	return out
}

func copyDirective(d *language.Directive) *language.Directive {
	cp := *d
	cp.Arguments = copyArguments(d.Arguments)
	return &cp
}

func copyArguments(list language.ArgumentList) language.ArgumentList {
	if list == nil {
		return nil
	}
	out := make(language.ArgumentList, 0, len(list))
	for _, a := range list {
		if a == nil {
			continue
		}
		cp := *a
		cp.Value = copyValue(a.Value)
		out = append(out, &cp)
	}
	return out
}

func copyValue(v *language.Value) *language.Value {
	if v == nil {
		return nil
	}
	cp := *v
	if v.Children != nil {
		cp.Children = make(language.ChildValueList, 0, len(v.Children))
		for _, c := range v.Children {
			if c == nil {
				continue
			}
			cc := *c
			cc.Value = copyValue(c.Value)
			cp.Children = append(cp.Children, &cc)
		}
	}
	cp.ExpectedType = copyType(v.ExpectedType)
	return &cp
}

func copyType(t *language.Type) *language.Type {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Elem = copyType(t.Elem)
	return &cp
}

func copyVariableDefinitions(list language.VariableDefinitionList) language.VariableDefinitionList {
	if list == nil {
		return nil
	}
	out := make(language.VariableDefinitionList, 0, len(list))
	for _, vd := range list {
		if vd == nil {
			continue
		}
		cp := *vd
		cp.Type = copyType(vd.Type)
		cp.DefaultValue = copyValue(vd.DefaultValue)
		cp.Directives = copyDirectives(vd.Directives)
		out = append(out, &cp)
	}
	return out
}
