package composition

import (
	"fmt"
	"slices"
	"strings"

	apiv1 "github.com/bizmatters/compositor/api/v1alpha1"
	"github.com/bizmatters/compositor/internal/resource/path"
	"github.com/bizmatters/compositor/internal/validation"
)

// maxGuardPaths bounds the exhaustiveness check, which enumerates every presence
// combination of the referenced paths.
const maxGuardPaths = 12

// Guard is a compiled presence predicate.
type Guard struct {
	Present []*path.Expr
	Absent  []*path.Expr
}

func compileGuard(g *apiv1.Guard) (*Guard, error) {
	if len(g.Present) == 0 && len(g.Absent) == 0 {
		return nil, fmt.Errorf("guard must reference at least one field, use a variant without a guard as the fallback")
	}
	out := &Guard{}
	seen := map[string]struct{}{}
	for _, group := range []struct {
		exprs []string
		dst   *[]*path.Expr
	}{{g.Present, &out.Present}, {g.Absent, &out.Absent}} {
		for _, expr := range group.exprs {
			p, err := path.Parse(expr)
			if err != nil {
				return nil, fmt.Errorf("parsing guard path %q: %w", expr, err)
			}
			if head := p.Head(); head != "spec" && head != "metadata" {
				return nil, fmt.Errorf("guard path %q must start with spec or metadata", expr)
			}
			if _, ok := seen[expr]; ok {
				return nil, fmt.Errorf("guard references %q more than once", expr)
			}
			seen[expr] = struct{}{}
			*group.dst = append(*group.dst, p)
		}
	}
	return out, nil
}

// Matches is true when every present path holds a value and every absent path does not.
func (g *Guard) Matches(doc map[string]any) bool {
	for _, p := range g.Present {
		if val, _ := p.Get(doc); validation.Absent(val) {
			return false
		}
	}
	for _, p := range g.Absent {
		if val, _ := p.Get(doc); !validation.Absent(val) {
			return false
		}
	}
	return true
}

func (g *Guard) matchesAssignment(present map[string]bool) bool {
	for _, p := range g.Present {
		if !present[p.String()] {
			return false
		}
	}
	for _, p := range g.Absent {
		if present[p.String()] {
			return false
		}
	}
	return true
}

// exclusive is true when no claim can satisfy both guards: some path is required
// present by one and absent by the other.
func exclusive(a, b *Guard) bool {
	return contradicts(a.Present, b.Absent) || contradicts(b.Present, a.Absent)
}

func contradicts(present, absent []*path.Expr) bool {
	for _, p := range present {
		for _, q := range absent {
			if p.String() == q.String() || isParent(q.String(), p.String()) {
				return true
			}
		}
	}
	return false
}

// isParent reports whether child addresses a value nested inside parent.
func isParent(parent, child string) bool {
	return strings.HasPrefix(child, parent+".") || strings.HasPrefix(child, parent+"[")
}

// checkGuards enforces that every claim selects exactly one variant: at most one
// fallback, pairwise exclusive guards, and exhaustive guards when there is no fallback.
func checkGuards(variants []*Variant) error {
	var guarded []*Variant
	fallbacks := 0
	for _, v := range variants {
		if v.Guard == nil {
			fallbacks++
			continue
		}
		guarded = append(guarded, v)
	}
	if fallbacks > 1 {
		return fmt.Errorf("at most one variant may omit its guard, found %d", fallbacks)
	}

	for i, a := range guarded {
		for _, b := range guarded[i+1:] {
			if !exclusive(a.Guard, b.Guard) {
				return fmt.Errorf("guards of variants %d and %d are not mutually exclusive", a.Index, b.Index)
			}
		}
	}

	if fallbacks == 1 {
		return nil
	}
	return checkExhaustive(guarded)
}

func checkExhaustive(guarded []*Variant) error {
	var paths []string
	for _, v := range guarded {
		for _, p := range slices.Concat(v.Guard.Present, v.Guard.Absent) {
			if !slices.Contains(paths, p.String()) {
				paths = append(paths, p.String())
			}
		}
	}
	if len(paths) > maxGuardPaths {
		return fmt.Errorf("guards reference %d fields, add a fallback variant or reference at most %d", len(paths), maxGuardPaths)
	}
	slices.Sort(paths)

	for mask := 0; mask < 1<<len(paths); mask++ {
		present := make(map[string]bool, len(paths))
		for i, p := range paths {
			present[p] = mask&(1<<i) != 0
		}
		if !feasible(paths, present) {
			continue
		}

		matched := false
		for _, v := range guarded {
			if v.Guard.matchesAssignment(present) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("no variant matches claims where %s", describe(paths, present))
		}
	}
	return nil
}

// feasible rejects assignments where a nested field is present but its parent is not.
func feasible(paths []string, present map[string]bool) bool {
	for _, child := range paths {
		if !present[child] {
			continue
		}
		for _, parent := range paths {
			if isParent(parent, child) && !present[parent] {
				return false
			}
		}
	}
	return true
}

func describe(paths []string, present map[string]bool) string {
	parts := make([]string, len(paths))
	for i, p := range paths {
		if present[p] {
			parts[i] = p + " is set"
		} else {
			parts[i] = p + " is unset"
		}
	}
	return strings.Join(parts, " and ")
}
