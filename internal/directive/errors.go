package directive

import (
	"fmt"

	language "github.com/hanpama/pollgraph/internal/language"
)

// ArityError reports a conditional directive that does not carry exactly one
// argument named "if".
type ArityError struct {
	Directive string
	Arguments []string
	Position  *language.Position
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("incorrect argument for conditional directive @%s%s: expected exactly one argument \"if\", got %v",
		e.Directive, at(e.Position), e.Arguments)
}

// ValueError reports an "if" argument that is neither a boolean literal nor a
// variable bound to a boolean.
type ValueError struct {
	Directive string
	Kind      language.ValueKind
	// Variable is set when the value was a variable bound to a non-boolean.
	Variable string
	Value    any
	Position *language.Position
}

func (e *ValueError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("invalid argument value for conditional directive @%s%s: variable $%s is %T, want bool",
			e.Directive, at(e.Position), e.Variable, e.Value)
	}
	return fmt.Sprintf("invalid argument value for conditional directive @%s%s: %s", e.Directive, at(e.Position), kindName(e.Kind))
}

// UndefinedVariableError reports a variable referenced by a conditional
// directive that has no entry in the supplied variables.
type UndefinedVariableError struct {
	Directive string
	Variable  string
	Position  *language.Position
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable $%s referenced in conditional directive @%s%s", e.Variable, e.Directive, at(e.Position))
}

func at(p *language.Position) string {
	if p == nil || p.Line == 0 {
		return ""
	}
	return fmt.Sprintf(" at %d:%d", p.Line, p.Column)
}

func kindName(k language.ValueKind) string {
	switch k {
	case language.Variable:
		return "variable"
	case language.IntValue:
		return "int"
	case language.FloatValue:
		return "float"
	case language.StringValue, language.BlockValue:
		return "string"
	case language.BooleanValue:
		return "boolean"
	case language.NullValue:
		return "null"
	case language.EnumValue:
		return "enum"
	case language.ListValue:
		return "list"
	case language.ObjectValue:
		return "object"
	default:
		return "unknown"
	}
}
