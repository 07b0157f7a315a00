package graphapi

import (
	"fmt"
	"strconv"
)

// fallbackField is a generic primitive carrier tried, in order, when a node does
// not expose the role's own field.
type fallbackField struct {
	Name string
	// TextOnly fields only accept string values
	TextOnly bool
	// Stringify fields always receive the string form of the value
	Stringify bool
}

// fallbackFields covers the primitive nodes that commonly feed a parameter:
// Primitive ("value"), Float to String ("Number"), text primitives ("text") and
// string concatenation ("string_b").
var fallbackFields = []fallbackField{
	{Name: "value"},
	{Name: "Number", Stringify: true},
	{Name: "text", TextOnly: true},
	{Name: "string_b", TextOnly: true},
}

// roleFallbacks overrides fallbackFields per role.  SAMPLER_NODES feeds both
// the sampler and the scheduler, so on a primitive the scheduler would
// overwrite the sampler; those roles only ever bind their own field.
var roleFallbacks = map[Role][]fallbackField{
	RoleSampler:   nil,
	RoleScheduler: nil,
}

func fallbacksFor(role Role) []fallbackField {
	if fbs, ok := roleFallbacks[role]; ok {
		return fbs
	}
	return fallbackFields
}

// Bind writes value into each of the given nodes.  The role's own field is used
// when the node has it; otherwise the first matching fallback field of the role
// is written.
// At most one field per node is touched.  Unknown node ids and nodes carrying
// none of the candidate fields are skipped: that graph simply does not use the role.
//
// numericAsString stringifies the value first, for nodes that keep numbers as text.
func (g Graph) Bind(role Role, nodeIDs []string, value interface{}, numericAsString bool) {
	if len(nodeIDs) == 0 {
		return
	}

	final := value
	if numericAsString {
		final = Stringify(value)
	}

	field := role.Field()
	for _, id := range nodeIDs {
		n, ok := g[id]
		if !ok || n == nil || n.Inputs == nil {
			continue
		}

		if _, ok := n.Inputs[field]; ok && field != "" {
			n.Inputs[field] = final
			continue
		}

		for _, fb := range fallbacksFor(role) {
			if _, ok := n.Inputs[fb.Name]; !ok {
				continue
			}
			if fb.TextOnly {
				s, isText := value.(string)
				if !isText {
					continue
				}
				n.Inputs[fb.Name] = s
			} else if fb.Stringify {
				n.Inputs[fb.Name] = Stringify(value)
			} else {
				n.Inputs[fb.Name] = final
			}
			break
		}
	}
}

// Stringify renders a scalar the way it is stored in text-typed node inputs
func Stringify(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case bool:
		return strconv.FormatBool(value)
	}
	return fmt.Sprint(v)
}
