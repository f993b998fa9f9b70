package flowpolicy

import (
	"testing"
	"time"

	"github.com/arccode/instalog/internal/event"
)

func stamped(payload map[string]interface{}, stages ...event.ProcessStage) *event.Event {
	ev := event.New(payload, nil)
	ev.History = stages
	return ev
}

func stage(nodeID, pluginID, pluginType string) event.ProcessStage {
	return event.ProcessStage{
		NodeID:     nodeID,
		Time:       time.Now(),
		PluginID:   pluginID,
		PluginType: pluginType,
		Target:     event.TargetBuffer,
	}
}

func TestEmptyAllowMeansAllowAll(t *testing.T) {
	p, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.MatchEvent(event.New(nil, nil)) {
		t.Fatal("event rejected by empty policy")
	}
}

func TestDenyOverridesAllow(t *testing.T) {
	p, err := New(
		[]map[string]interface{}{{"rule": "all"}},
		[]map[string]interface{}{{"rule": "history", "plugin_id": "sock_in"}},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	denied := stamped(nil, stage("n1", "sock_in", "input_socket"))
	passed := stamped(nil, stage("n1", "other_in", "input_socket"))
	if p.MatchEvent(denied) {
		t.Fatal("denied event passed")
	}
	if !p.MatchEvent(passed) {
		t.Fatal("allowed event rejected")
	}
}

func TestHistoryRulePositions(t *testing.T) {
	ev := stamped(nil,
		stage("origin", "sock_in", "input_socket"),
		stage("relay", "fwd_out", "output_socket"),
	)

	cases := []struct {
		name string
		raw  map[string]interface{}
		want bool
	}{
		{"origin match", map[string]interface{}{"rule": "history", "node_id": "origin", "position": 0}, true},
		{"origin mismatch", map[string]interface{}{"rule": "history", "node_id": "relay", "position": 0}, false},
		{"last match", map[string]interface{}{"rule": "history", "plugin_id": "fwd_out", "position": -1}, true},
		{"any position", map[string]interface{}{"rule": "history", "plugin_type": "input_socket"}, true},
		{"any position miss", map[string]interface{}{"rule": "history", "plugin_type": "input_pull"}, false},
		{"out of range", map[string]interface{}{"rule": "history", "node_id": "origin", "position": 5}, false},
	}
	for _, tc := range cases {
		r, err := buildRule(tc.raw)
		if err != nil {
			t.Fatalf("%s: buildRule: %v", tc.name, err)
		}
		if got := r.Match(ev); got != tc.want {
			t.Errorf("%s: Match = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHistoryRuleEmptyHistory(t *testing.T) {
	r, err := buildRule(map[string]interface{}{"rule": "history", "node_id": "n1"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Match(event.New(nil, nil)) {
		t.Fatal("matched event with empty history")
	}
}

func TestExprRule(t *testing.T) {
	r, err := buildRule(map[string]interface{}{
		"rule": "expr",
		"expr": `payload.status == "FAIL" && priority <= 1`,
	})
	if err != nil {
		t.Fatalf("buildRule: %v", err)
	}

	hit := event.New(map[string]interface{}{"status": "FAIL", "priority": 1}, nil)
	if !r.Match(hit) {
		t.Fatal("expected match")
	}
	lowPri := event.New(map[string]interface{}{"status": "FAIL"}, nil)
	if r.Match(lowPri) {
		t.Fatal("default priority should be lowest level")
	}
	// Missing payload key is an eval error, which is a non-match.
	if r.Match(event.New(nil, nil)) {
		t.Fatal("eval error should not match")
	}
}

func TestExprRuleHistoryLen(t *testing.T) {
	r, err := buildRule(map[string]interface{}{"rule": "expr", "expr": "history_len > 1"})
	if err != nil {
		t.Fatal(err)
	}
	short := stamped(nil, stage("n1", "in", "input_socket"))
	long := stamped(nil, stage("n1", "in", "input_socket"), stage("n2", "out", "output_socket"))
	if r.Match(short) || !r.Match(long) {
		t.Fatal("history_len comparison wrong")
	}
}

func TestBadRules(t *testing.T) {
	bad := [][]map[string]interface{}{
		{{"rule": "nope"}},
		{{"norule": true}},
		{{"rule": "expr"}},
		{{"rule": "expr", "expr": "payload ==="}},
		{{"rule": "history", "position": 1.5}},
	}
	for i, rules := range bad {
		if _, err := New(rules, nil); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
