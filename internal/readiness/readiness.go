package readiness

import (
	"context"
	"time"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Env encapsulates a CEL environment for use in readiness checks.
type Env struct {
	cel *cel.Env
}

func NewEnv() (*Env, error) {
	ce, err := cel.NewEnv(cel.Variable("self", cel.DynType))
	if err != nil {
		return nil, err
	}
	return &Env{cel: ce}, nil
}

// Check represents a parsed readiness check CEL expression.
type Check struct {
	Expr    string
	program cel.Program
}

// ParseCheck parses the given CEL expression in the context of an environment,
// and returns a reusable execution handle.
func ParseCheck(env *Env, expr string) (*Check, error) {
	ast, iss := env.cel.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prgm, err := env.cel.Program(ast, cel.InterruptCheckFrequency(10), cel.EvalOptions(cel.OptTrackCost))
	if err != nil {
		return nil, err
	}
	return &Check{Expr: expr, program: prgm}, nil
}

// Eval executes the compiled check against a given resource.
//
// Expressions that evaluate to a list of conditions pass when any of them has status True.
func (r *Check) Eval(ctx context.Context, resource *unstructured.Unstructured) bool {
	if resource == nil {
		return false
	}
	val, details, err := r.program.ContextEval(ctx, map[string]any{"self": resource.Object})
	if details != nil {
		if cost := details.ActualCost(); cost != nil {
			celEvalCost.Add(float64(*cost))
		}
	}
	if err != nil {
		return false
	}

	// Support matching on condition structs.
	if list, ok := val.Value().([]ref.Val); ok {
		for _, ref := range list {
			if mp, ok := ref.Value().(map[string]any); ok {
				if mp != nil && mp["status"] == "True" && mp["type"] != nil {
					return true
				}
			}
		}
	}

	return val == celtypes.True
}

type Checks []*Check

// Eval is true when every check passes. A resource without checks is ready once it exists.
func (r Checks) Eval(ctx context.Context, resource *unstructured.Unstructured) bool {
	if resource == nil {
		return false
	}
	for _, check := range r {
		if !check.Eval(ctx, resource) {
			return false
		}
	}
	return true
}

// FalseCondition returns the first status condition of the resource reporting False.
func FalseCondition(resource *unstructured.Unstructured) *metav1.Condition {
	conditions, _, _ := unstructured.NestedSlice(resource.Object, "status", "conditions")
	for _, item := range conditions {
		mp, ok := item.(map[string]any)
		if !ok || mp["status"] != "False" {
			continue
		}
		cond := &metav1.Condition{Status: metav1.ConditionFalse}
		cond.Type, _ = mp["type"].(string)
		cond.Reason, _ = mp["reason"].(string)
		cond.Message, _ = mp["message"].(string)
		if str, ok := mp["lastTransitionTime"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, str); err == nil {
				cond.LastTransitionTime = metav1.NewTime(ts)
			}
		}
		return cond
	}
	return nil
}
