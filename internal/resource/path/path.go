// Package path implements the field path expressions used by guards and patches.
package path

import (
	"fmt"
	"strconv"

	"github.com/alecthomas/participle/v2"
)

// Expr addresses a value in a nested map/slice document.
type Expr struct {
	raw string
	ast *exprAST
}

// Parse parses a path expression string.
//
// Supported syntax:
// - `field.anotherfield`: object field traversal
// - `field["another.field"]`: alternative object field traversal (useful for keys containing dots)
// - `field[2]`: array indexing
// - `field[-]`: append to an array (Set only)
//
// Expressions can be chained, e.g. `spec.template.spec.containers[0].envFrom[-].secretRef.name`.
func Parse(expr string) (*Expr, error) {
	ast, err := parser.ParseString("", expr)
	if err != nil {
		return nil, err
	}
	if len(ast.Sections) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	for i, s := range ast.Sections {
		if s.Index != nil && s.Index.Key != nil {
			key, err := strconv.Unquote(*s.Index.Key)
			if err != nil {
				return nil, fmt.Errorf("invalid key in section %d: %w", i, err)
			}
			s.Index.Key = &key
		}
		if s.Index != nil && s.Index.Element != nil && *s.Index.Element < 0 {
			return nil, fmt.Errorf("negative index in section %d", i)
		}
	}
	return &Expr{raw: expr, ast: ast}, nil
}

func MustParse(expr string) *Expr {
	e, err := Parse(expr)
	if err != nil {
		panic(fmt.Sprintf("parsing path %q: %s", expr, err))
	}
	return e
}

func (e *Expr) String() string { return e.raw }

// Head returns the first field name of the path, or "" when it starts with an index.
func (e *Expr) Head() string {
	if f := e.ast.Sections[0].Field; f != nil {
		return *f
	}
	return ""
}

var parser = participle.MustBuild[exprAST]()

type exprAST struct {
	Sections []*section `parser:"@@*"`
}

type section struct {
	Field *string `parser:"\".\"* (@Ident"`
	Index *index  `parser:"| \"[\" @@ \"]\")"`
}

type index struct {
	Append  bool    `parser:"@\"-\""`
	Element *int    `parser:"| @Int"`
	Key     *string `parser:"| @String"`
}

func (s *section) key() (string, bool) {
	if s.Field != nil {
		return *s.Field, true
	}
	if s.Index != nil && s.Index.Key != nil {
		return *s.Index.Key, true
	}
	return "", false
}

// Get returns the value at the path. The bool is false if any hop is missing.
func (e *Expr) Get(obj map[string]any) (any, bool) {
	var state any = obj
	for _, s := range e.ast.Sections {
		if key, ok := s.key(); ok {
			m, ok := state.(map[string]any)
			if !ok {
				return nil, false
			}
			state, ok = m[key]
			if !ok {
				return nil, false
			}
			continue
		}

		slice, ok := state.([]any)
		if !ok || s.Index.Append {
			return nil, false
		}
		if *s.Index.Element >= len(slice) {
			return nil, false
		}
		state = slice[*s.Index.Element]
	}
	return state, true
}

// Set assigns value at the path, creating intermediate objects and arrays as needed.
// Array indexes may address an existing element or the position immediately after
// the last one.
func (e *Expr) Set(obj map[string]any, value any) error {
	if obj == nil {
		return fmt.Errorf("cannot set %q on nil object", e.raw)
	}
	_, err := set(obj, e.ast.Sections, value)
	if err != nil {
		return fmt.Errorf("setting %q: %w", e.raw, err)
	}
	return nil
}

func set(cur any, sections []*section, value any) (any, error) {
	if len(sections) == 0 {
		return value, nil
	}
	s := sections[0]

	if key, ok := s.key(); ok {
		m, isMap := cur.(map[string]any)
		if cur == nil {
			m = map[string]any{}
		} else if !isMap {
			return nil, fmt.Errorf("cannot set field %q on %T", key, cur)
		}
		next, err := set(m[key], sections[1:], value)
		if err != nil {
			return nil, err
		}
		m[key] = next
		return m, nil
	}

	slice, isSlice := cur.([]any)
	if cur != nil && !isSlice {
		return nil, fmt.Errorf("cannot index %T", cur)
	}
	i := len(slice)
	if !s.Index.Append {
		i = *s.Index.Element
	}
	if i > len(slice) {
		return nil, fmt.Errorf("index %d out of range for slice of length %d", i, len(slice))
	}

	var existing any
	if i < len(slice) {
		existing = slice[i]
	}
	next, err := set(existing, sections[1:], value)
	if err != nil {
		return nil, err
	}
	if i == len(slice) {
		return append(slice, next), nil
	}
	slice[i] = next
	return slice, nil
}

// Delete removes the value at the path. Missing paths are a no-op.
func (e *Expr) Delete(obj map[string]any) {
	del(obj, e.ast.Sections)
}

func del(cur any, sections []*section) any {
	s := sections[0]
	last := len(sections) == 1

	if key, ok := s.key(); ok {
		m, ok := cur.(map[string]any)
		if !ok {
			return cur
		}
		if last {
			delete(m, key)
			return m
		}
		if next, ok := m[key]; ok {
			m[key] = del(next, sections[1:])
		}
		return m
	}

	slice, ok := cur.([]any)
	if !ok || s.Index.Append || *s.Index.Element >= len(slice) {
		return cur
	}
	i := *s.Index.Element
	if last {
		return append(slice[:i:i], slice[i+1:]...)
	}
	slice[i] = del(slice[i], sections[1:])
	return slice
}
