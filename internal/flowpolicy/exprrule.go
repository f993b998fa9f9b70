package flowpolicy

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/arccode/instalog/internal/event"
)

// ExprRule evaluates a CEL expression against an event. The expression sees
// the event payload as "payload", the numeric priority as "priority" and the
// history length as "history_len". Evaluation errors count as non-matches.
type ExprRule struct {
	prog cel.Program
}

func newExprRule(expr string) (*ExprRule, error) {
	expr = strings.TrimSpace(expr)
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("history_len", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &ExprRule{prog: prog}, nil
}

func (r *ExprRule) Match(ev *event.Event) bool {
	out, _, err := r.prog.Eval(map[string]interface{}{
		"payload":     map[string]interface{}(ev.Payload),
		"priority":    int64(ev.Priority()),
		"history_len": int64(len(ev.History)),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
