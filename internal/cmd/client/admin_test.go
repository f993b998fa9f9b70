package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]interface{}
}

func testServer(t *testing.T, respond string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respond))
	}))
	t.Cleanup(ts.Close)
	return ts, rec
}

func run(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	return out.String()
}

func TestStatusCommand(t *testing.T) {
	ts, rec := testServer(t, `{"node_id":"n1","state":"UP"}`)
	out := run(t, NewStatusCommand(func() string { return ts.URL }))
	if rec.path != "/v1/status" || rec.method != http.MethodGet {
		t.Fatalf("request: %+v", rec)
	}
	if !strings.Contains(out, `"node_id": "n1"`) {
		t.Fatalf("output: %s", out)
	}
}

func TestStopCommand(t *testing.T) {
	ts, rec := testServer(t, `{"stopped":true}`)
	run(t, NewStopCommand(func() string { return ts.URL }))
	if rec.path != "/v1/stop" || rec.body["sync"] != true {
		t.Fatalf("request: %+v", rec)
	}

	ts2, rec2 := testServer(t, `{"stopping":true}`)
	run(t, NewStopCommand(func() string { return ts2.URL }), "--async")
	if rec2.body["sync"] != false {
		t.Fatalf("request: %+v", rec2)
	}
}

func TestInspectCommand(t *testing.T) {
	ts, rec := testServer(t, `{"events":12}`)
	out := run(t, NewInspectCommand(func() string { return ts.URL }), "archive", ".stats")
	if rec.path != "/v1/inspect" {
		t.Fatalf("path: %s", rec.path)
	}
	if !strings.Contains(rec.query, "plugin=archive") || !strings.Contains(rec.query, "path=.stats") {
		t.Fatalf("query: %s", rec.query)
	}
	if !strings.Contains(out, `"events": 12`) {
		t.Fatalf("output: %s", out)
	}
}

func TestFlushCommand(t *testing.T) {
	ts, rec := testServer(t, `{"result":"success"}`)
	run(t, NewFlushCommand(func() string { return ts.URL }), "archive", "--timeout", "2.5")
	if rec.path != "/v1/flush" {
		t.Fatalf("path: %s", rec.path)
	}
	if rec.body["plugin"] != "archive" || rec.body["timeout_sec"] != 2.5 {
		t.Fatalf("body: %+v", rec.body)
	}

	ts2, rec2 := testServer(t, `{}`)
	run(t, NewFlushCommand(func() string { return ts2.URL }))
	if _, hasPlugin := rec2.body["plugin"]; hasPlugin {
		t.Fatalf("flush-all should omit plugin: %+v", rec2.body)
	}
}

func TestProgressCommand(t *testing.T) {
	ts, rec := testServer(t, `{"archive":{"completed":3,"total":9}}`)
	out := run(t, NewProgressCommand(func() string { return ts.URL }))
	if rec.path != "/v1/progress" {
		t.Fatalf("path: %s", rec.path)
	}
	if !strings.Contains(out, `"total": 9`) {
		t.Fatalf("output: %s", out)
	}
}

func TestErrorBodySurfaced(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"no plugin \"ghost\""}`))
	}))
	t.Cleanup(ts.Close)
	cmd := NewInspectCommand(func() string { return ts.URL })
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"ghost"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected error mentioning ghost, got %v", err)
	}
}
