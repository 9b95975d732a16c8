package workflow

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyAxis   = errors.New("matrix axis has no values")
	ErrEmptyMatrix = errors.New("exclude removes every combination")
)

type Axis struct {
	Name   string
	Values []string
}

// Matrix keeps its axes in declaration order; expansion order depends on it.
type Matrix struct {
	Axes    []Axis
	Exclude []map[string]string

	// set when the declaration used keys this engine ignores (include)
	Ignored []string
}

type Binding struct {
	Axis  string
	Value string
}

// Variant is one element of the matrix product.
type Variant struct {
	Index    int
	Bindings []Binding
}

func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: `matrix` must be a mapping", node.Line)
	}

	mx := Matrix{}
	seen := make(map[string]struct{})
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]

		switch key {
		case "exclude":
			if err := value.Decode(&mx.Exclude); err != nil {
				return fmt.Errorf("matrix.exclude: %w", err)
			}
			continue
		case "include":
			mx.Ignored = append(mx.Ignored, key)
			continue
		}

		if _, ok := seen[key]; ok {
			return fmt.Errorf("line %d: duplicate matrix axis %q", node.Content[i].Line, key)
		}
		seen[key] = struct{}{}

		axis := Axis{Name: key}
		switch value.Kind {
		case yaml.ScalarNode:
			axis.Values = []string{value.Value}
		case yaml.SequenceNode:
			axis.Values = make([]string, 0, len(value.Content))
			for _, v := range value.Content {
				if v.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: matrix.%s: values must be scalars", v.Line, key)
				}
				// keep the literal text so that 3.10 stays "3.10"
				axis.Values = append(axis.Values, v.Value)
			}
		default:
			return fmt.Errorf("line %d: matrix.%s: expected a list of values", value.Line, key)
		}
		mx.Axes = append(mx.Axes, axis)
	}

	*m = mx
	return nil
}

func (m Matrix) IsEmpty() bool {
	return len(m.Axes) == 0
}

func (m Matrix) axis(name string) (Axis, bool) {
	for _, a := range m.Axes {
		if a.Name == name {
			return a, true
		}
	}
	return Axis{}, false
}

// Expand computes the cartesian product of the axes. The first declared
// axis varies slowest, values keep their declared order. An empty matrix
// expands to a single variant without bindings; a matrix whose exclude
// leaves nothing is an error.
func (m Matrix) Expand() ([]Variant, error) {
	for _, a := range m.Axes {
		if len(a.Values) == 0 {
			return nil, &ConfigError{Errors: []Error{{
				Path:  "strategy.matrix." + a.Name,
				Error: ErrEmptyAxis,
			}}}
		}
	}

	combos := [][]Binding{{}}
	for _, a := range m.Axes {
		next := make([][]Binding, 0, len(combos)*len(a.Values))
		for _, prefix := range combos {
			for _, v := range a.Values {
				c := make([]Binding, len(prefix), len(prefix)+1)
				copy(c, prefix)
				next = append(next, append(c, Binding{Axis: a.Name, Value: v}))
			}
		}
		combos = next
	}

	variants := make([]Variant, 0, len(combos))
	for _, c := range combos {
		if m.excluded(c) {
			continue
		}
		variants = append(variants, Variant{
			Index:    len(variants),
			Bindings: c,
		})
	}
	if len(variants) == 0 {
		return nil, &ConfigError{Errors: []Error{{
			Path:  "strategy.matrix.exclude",
			Error: ErrEmptyMatrix,
		}}}
	}

	return variants, nil
}

func (m Matrix) excluded(c []Binding) bool {
	for _, ex := range m.Exclude {
		if len(ex) == 0 {
			continue
		}
		match := true
		for _, b := range c {
			if v, ok := ex[b.Axis]; ok && v != b.Value {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (v Variant) Map() map[string]string {
	m := make(map[string]string, len(v.Bindings))
	for _, b := range v.Bindings {
		m[b.Axis] = b.Value
	}
	return m
}

func (v Variant) Get(axis string) (string, bool) {
	for _, b := range v.Bindings {
		if b.Axis == axis {
			return b.Value, true
		}
	}
	return "", false
}

// String renders the bindings as "a=1, b=2", or "" for the empty variant.
func (v Variant) String() string {
	parts := make([]string, 0, len(v.Bindings))
	for _, b := range v.Bindings {
		parts = append(parts, b.Axis+"="+b.Value)
	}
	return strings.Join(parts, ", ")
}
