package codec

import (
	"testing"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := map[string]any{"a": 1, "b": "x"}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"].(float64) != 1 || out["b"].(string) != "x" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORCodecDeterministic(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	a, err := c.Marshal(map[string]any{"z": 1, "a": 2, "m": 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := c.Marshal(map[string]any{"m": 3, "z": 1, "a": 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical encoding differs: %x vs %x", a, b)
	}
}

func TestCBORIgnoresUnknownFields(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	type v2 struct {
		Name  string `json:"name"`
		Extra string `json:"extra"`
	}
	type v1 struct {
		Name string `json:"name"`
	}
	b, err := c.Marshal(v2{Name: "n", Extra: "future"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out v1
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Name != "n" {
		t.Fatalf("name = %q", out.Name)
	}
}

func TestRegistryPreloaded(t *testing.T) {
	r := NewRegistry()
	if r.Get("application/json") == nil {
		t.Fatalf("json codec missing")
	}
	if r.Get("application/cbor") == nil {
		t.Fatalf("cbor codec missing")
	}
	if r.Get("application/x-unknown") != nil {
		t.Fatalf("unexpected codec")
	}
}
