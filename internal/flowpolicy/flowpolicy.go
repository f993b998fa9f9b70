package flowpolicy

import (
	"fmt"

	"github.com/arccode/instalog/internal/event"
)

// Rule matches events against a single condition.
type Rule interface {
	Match(ev *event.Event) bool
}

// Policy is an allow/deny rule pair attached to one plugin.
type Policy struct {
	Allow []Rule
	Deny  []Rule
}

// New builds a policy from raw config rule maps. An empty allow list means
// allow everything.
func New(allow, deny []map[string]interface{}) (*Policy, error) {
	p := &Policy{}
	for i, raw := range allow {
		r, err := buildRule(raw)
		if err != nil {
			return nil, fmt.Errorf("allow rule %d: %w", i, err)
		}
		p.Allow = append(p.Allow, r)
	}
	for i, raw := range deny {
		r, err := buildRule(raw)
		if err != nil {
			return nil, fmt.Errorf("deny rule %d: %w", i, err)
		}
		p.Deny = append(p.Deny, r)
	}
	if len(p.Allow) == 0 {
		p.Allow = []Rule{AllRule{}}
	}
	return p, nil
}

// MatchEvent reports whether ev passes the policy.
func (p *Policy) MatchEvent(ev *event.Event) bool {
	allowed := false
	for _, r := range p.Allow {
		if r.Match(ev) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, r := range p.Deny {
		if r.Match(ev) {
			return false
		}
	}
	return true
}

func buildRule(raw map[string]interface{}) (Rule, error) {
	kind, ok := raw["rule"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or non-string \"rule\" key")
	}
	switch kind {
	case "all":
		return AllRule{}, nil
	case "history":
		return newHistoryRule(raw)
	case "expr":
		expr, ok := raw["expr"].(string)
		if !ok {
			return nil, fmt.Errorf("expr rule: missing \"expr\" string")
		}
		return newExprRule(expr)
	default:
		return nil, fmt.Errorf("unknown rule type %q", kind)
	}
}

// AllRule matches every event.
type AllRule struct{}

func (AllRule) Match(*event.Event) bool { return true }

// HistoryRule matches events whose history contains a stage with the given
// attributes. Position -1 means the most recent stage, 0 the origin stage,
// and nil (absent) any position.
type HistoryRule struct {
	NodeID     string
	PluginID   string
	PluginType string
	Position   *int
}

func newHistoryRule(raw map[string]interface{}) (*HistoryRule, error) {
	r := &HistoryRule{}
	if v, ok := raw["node_id"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("history rule: node_id must be a string")
		}
		r.NodeID = s
	}
	if v, ok := raw["plugin_id"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("history rule: plugin_id must be a string")
		}
		r.PluginID = s
	}
	if v, ok := raw["plugin_type"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("history rule: plugin_type must be a string")
		}
		r.PluginType = s
	}
	if v, ok := raw["position"]; ok {
		pos, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("history rule: position: %w", err)
		}
		r.Position = &pos
	}
	return r, nil
}

func (r *HistoryRule) Match(ev *event.Event) bool {
	if len(ev.History) == 0 {
		return false
	}
	if r.Position != nil {
		pos := *r.Position
		if pos < 0 {
			pos += len(ev.History)
		}
		if pos < 0 || pos >= len(ev.History) {
			return false
		}
		return r.matchStage(ev.History[pos])
	}
	for _, st := range ev.History {
		if r.matchStage(st) {
			return true
		}
	}
	return false
}

func (r *HistoryRule) matchStage(st event.ProcessStage) bool {
	if r.NodeID != "" && st.NodeID != r.NodeID {
		return false
	}
	if r.PluginID != "" && st.PluginID != r.PluginID {
		return false
	}
	if r.PluginType != "" && st.PluginType != r.PluginType {
		return false
	}
	return true
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
