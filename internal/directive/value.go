package directive

import (
	language "github.com/hanpama/pollgraph/internal/language"
)

const (
	Skip    = "skip"
	Include = "include"

	conditionArgument = "if"
)

// IsConditional reports whether name belongs to the skip/include family.
func IsConditional(name string) bool { return name == Skip || name == Include }

// Condition evaluates the "if" argument of a conditional directive and
// reports whether the annotated selection is kept. The value of @skip is
// inverted so that true always means keep.
func Condition(d *language.Directive, vars map[string]any) (bool, error) {
	if len(d.Arguments) != 1 || d.Arguments[0] == nil || d.Arguments[0].Name != conditionArgument {
		names := make([]string, 0, len(d.Arguments))
		for _, a := range d.Arguments {
			if a != nil {
				names = append(names, a.Name)
			}
		}
		return false, &ArityError{Directive: d.Name, Arguments: names, Position: d.Position}
	}

	value := d.Arguments[0].Value
	if value == nil {
		return false, &ValueError{Directive: d.Name, Position: d.Position}
	}

	var keep bool
	switch value.Kind {
	case language.BooleanValue:
		keep = value.Raw == "true"
	case language.Variable:
		v, ok := vars[value.Raw]
		if !ok {
			return false, &UndefinedVariableError{Directive: d.Name, Variable: value.Raw, Position: valuePosition(value, d)}
		}
		b, ok := v.(bool)
		if !ok {
			return false, &ValueError{Directive: d.Name, Kind: value.Kind, Variable: value.Raw, Value: v, Position: valuePosition(value, d)}
		}
		keep = b
	default:
		return false, &ValueError{Directive: d.Name, Kind: value.Kind, Position: valuePosition(value, d)}
	}

	if d.Name == Skip {
		keep = !keep
	}
	return keep, nil
}

func valuePosition(v *language.Value, d *language.Directive) *language.Position {
	if v.Position != nil {
		return v.Position
	}
	return d.Position
}
