package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	s.Set("last_seq", 42)
	s.Set("name", "station-1")
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, ok := s2.Get("last_seq")
	if !ok {
		t.Fatal("last_seq missing after reload")
	}
	// JSON decoding yields float64 for numbers.
	if v.(float64) != 42 {
		t.Fatalf("last_seq = %v, want 42", v)
	}
	if v, _ := s2.Get("name"); v != "station-1" {
		t.Fatalf("name = %v", v)
	}

	s2.Delete("name")
	if _, ok := s2.Get("name"); ok {
		t.Fatal("name still present after Delete")
	}
}

func TestStoreMissingFile(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("OpenStore on missing file: %v", err)
	}
	if _, ok := s.Get("anything"); ok {
		t.Fatal("empty store returned a value")
	}
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenStore(path); err == nil {
		t.Fatal("expected error for corrupt store")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("input_test", KindInput, func(api API, args map[string]interface{}) (Plugin, error) {
		return nil, nil
	})

	f, kind, err := r.Lookup("input_test")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if f == nil || kind != KindInput {
		t.Fatalf("got kind %v", kind)
	}
	if _, _, err := r.Lookup("no_such"); err == nil {
		t.Fatal("expected error for unknown plugin type")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	f := func(api API, args map[string]interface{}) (Plugin, error) { return nil, nil }
	r.Register("dup", KindOutput, f)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register("dup", KindOutput, f)
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{
		"host":     "0.0.0.0",
		"port":     float64(8880),
		"fsync":    true,
		"interval": 1.5,
	}

	if s, err := ArgString(args, "host", ""); err != nil || s != "0.0.0.0" {
		t.Fatalf("ArgString = %q, %v", s, err)
	}
	if s, err := ArgString(args, "missing", "def"); err != nil || s != "def" {
		t.Fatalf("ArgString default = %q, %v", s, err)
	}
	if n, err := ArgInt(args, "port", 0); err != nil || n != 8880 {
		t.Fatalf("ArgInt = %d, %v", n, err)
	}
	if _, err := ArgInt(args, "interval", 0); err == nil {
		t.Fatal("ArgInt accepted fractional value")
	}
	if b, err := ArgBool(args, "fsync", false); err != nil || !b {
		t.Fatalf("ArgBool = %v, %v", b, err)
	}
	if f, err := ArgFloat(args, "interval", 0); err != nil || f != 1.5 {
		t.Fatalf("ArgFloat = %v, %v", f, err)
	}
	if _, err := ArgString(args, "port", ""); err == nil {
		t.Fatal("ArgString accepted a number")
	}
}

func TestCallErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := NewCallError("output_archive", "Main", inner)
	if !errors.Is(err, inner) {
		t.Fatal("CallError does not unwrap to inner error")
	}
	want := "plugin call error: output_archive.Main: boom"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
