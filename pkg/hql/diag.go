package hql

import (
	"fmt"
	"strings"
)

// Stable analyzer error codes. Codes are part of the tool contract: tests
// and editor integrations match on them.
const (
	E101 = "E101" // node label not declared
	E102 = "E102" // edge label not declared
	E103 = "E103" // vector label not declared
	E201 = "E201" // unknown field on entity
	E202 = "E202" // field missing from entity in this position
	E205 = "E205" // value type does not match declared field type
	E206 = "E206" // unsupported expression in a mutation value
	E208 = "E208" // index lookup on a field without @index
	E301 = "E301" // reference to unbound identifier
	E304 = "E304" // mutation missing required subject
	E305 = "E305" // mutation missing required named argument
	E501 = "E501" // string literal in a Date field is not parseable
	E601 = "E601" // structural: malformed traversal
	E602 = "E602" // missing endpoint on AddE / UpsertE
	E611 = "E611" // range bounds are not integers
	E612 = "E612" // order-by target is not orderable
	E613 = "E613" // exclude not at tail or before a projection/closure
	E614 = "E614" // WHERE condition does not produce a boolean
	E621 = "E621" // step not applicable to incoming traversal type
	E644 = "E644" // return of a mutation statement is not a value
	E655 = "E655" // expression not usable in this context
	E659 = "E659" // closure parameter shadows an existing variable
)

// Diagnostic is one analyzer finding with its source location.
type Diagnostic struct {
	Code    string
	Span    Span
	Message string
	Hint    string
}

func (d Diagnostic) String() string {
	if d.Hint != "" {
		return fmt.Sprintf("%s[%s]: %s (hint: %s)", d.Span, d.Code, d.Message, d.Hint)
	}
	return fmt.Sprintf("%s[%s]: %s", d.Span, d.Code, d.Message)
}

// Diagnostics accumulates every finding so the user sees all errors in one
// pass.
type Diagnostics []Diagnostic

func (ds *Diagnostics) add(code string, span Span, format string, args ...any) {
	*ds = append(*ds, Diagnostic{Code: code, Span: span, Message: fmt.Sprintf(format, args...)})
}

func (ds *Diagnostics) addHint(code string, span Span, hint, format string, args ...any) {
	*ds = append(*ds, Diagnostic{Code: code, Span: span, Message: fmt.Sprintf(format, args...), Hint: hint})
}

// HasErrors reports whether any diagnostic was recorded.
func (ds Diagnostics) HasErrors() bool { return len(ds) > 0 }

// Error renders all diagnostics, one per line.
func (ds Diagnostics) Error() string {
	lines := make([]string, len(ds))
	for i, d := range ds {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}
