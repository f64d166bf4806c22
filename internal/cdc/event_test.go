package cdc

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecode_ValidEnvelope(t *testing.T) {
	raw := []byte(`{"before":null,"after":{"name":"ada","age":37},"source":{"db":"testdb"},"op":"c","ts_ms":1700000000000}`)

	evt, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	wantKeys := []string{"before", "after", "source", "op", "ts_ms"}
	if got := evt.Fields.Keys(); !reflect.DeepEqual(got, wantKeys) {
		t.Errorf("Keys() = %v, want %v", got, wantKeys)
	}

	after, ok := evt.After()
	if !ok {
		t.Fatal("expected after mapping")
	}
	if got := after.Keys(); !reflect.DeepEqual(got, []string{"name", "age"}) {
		t.Errorf("after keys = %v", got)
	}
	if string(evt.Raw) != string(raw) {
		t.Error("Raw should hold the original payload")
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{"not json", "not valid json", ""},
		{"empty", "", "unexpected end of JSON input"},
		{"array", `[1,2,3]`, "payload is not a JSON object"},
		{"string", `"hello"`, "payload is not a JSON object"},
		{"null", `null`, "payload is not a JSON object"},
		{"truncated", `{"after":{"name":`, ""},
		{"trailing value", `{"a":1}{"b":2}`, "unexpected data after top-level value"},
		{"trailing garbage", `{"a":1} xyz`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if err == nil {
				t.Fatal("expected error")
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
			if decodeErr.Reason == "" {
				t.Error("reason should not be empty")
			}
			if tt.reason != "" && decodeErr.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", decodeErr.Reason, tt.reason)
			}
		})
	}
}

func TestDecode_TrailingWhitespace(t *testing.T) {
	if _, err := Decode([]byte("{\"a\":1}\n  ")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecode_AfterNotMapping(t *testing.T) {
	for _, input := range []string{
		`{"after":null}`,
		`{"after":"text"}`,
		`{"after":[1,2]}`,
		`{"after":42}`,
		`{"before":{"id":1},"op":"d"}`,
	} {
		t.Run(input, func(t *testing.T) {
			evt, err := Decode([]byte(input))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if _, ok := evt.After(); ok {
				t.Error("After() should report no mapping")
			}
			out, err := evt.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(out) != input {
				t.Errorf("Encode() = %s, want %s", out, input)
			}
		})
	}
}

func TestDecode_DuplicateKeys(t *testing.T) {
	evt, err := Decode([]byte(`{"a":1,"b":2,"a":3}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := evt.Fields.Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Keys() = %v", got)
	}
	v, _ := evt.Fields.Get("a")
	if string(v) != "3" {
		t.Errorf("a = %s, want 3", v)
	}
}

func TestEvent_EncodeCompactsAndKeepsOrder(t *testing.T) {
	evt, err := Decode([]byte(`{ "z" : 1, "a" : { "y" : [ 1, 2 ], "b" : "x < y" } }`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	out, err := evt.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"z":1,"a":{"y":[1,2],"b":"x < y"}}`
	if string(out) != want {
		t.Errorf("Encode() = %s, want %s", out, want)
	}
}

func TestEvent_WithAfterLeavesReceiverUntouched(t *testing.T) {
	evt, err := Decode([]byte(`{"after":{"name":"ada"},"op":"u"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	replaced, err := evt.WithAfter(Object{{Key: "name", Value: []byte(`"ADA"`)}})
	if err != nil {
		t.Fatalf("WithAfter() error = %v", err)
	}

	orig, _ := evt.Encode()
	if string(orig) != `{"after":{"name":"ada"},"op":"u"}` {
		t.Errorf("receiver changed: %s", orig)
	}
	out, _ := replaced.Encode()
	if string(out) != `{"after":{"name":"ADA"},"op":"u"}` {
		t.Errorf("WithAfter() encoded = %s", out)
	}
}

func TestObject_WithAppendsMissingKey(t *testing.T) {
	obj := Object{{Key: "a", Value: []byte("1")}}
	got := obj.With("b", []byte("2"))
	if !reflect.DeepEqual(got.Keys(), []string{"a", "b"}) {
		t.Errorf("Keys() = %v", got.Keys())
	}
	if len(obj) != 1 {
		t.Error("With should not modify the receiver")
	}
}

func TestErrorRecord_Encode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"decode error", &DecodeError{Reason: "invalid character 'o'"}, `{"error":"processing_failed","reason":"invalid character 'o'"}`},
		{"plain error", errors.New("transform panicked"), `{"error":"processing_failed","reason":"transform panicked"}`},
		{"no html escaping", errors.New("a < b & c"), `{"error":"processing_failed","reason":"a < b & c"}`},
		{"nil", nil, `{"error":"processing_failed","reason":"unknown error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(NewErrorRecord(tt.err).Encode())
			if got != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrorRecord_DecodesAsEnvelope(t *testing.T) {
	rec := NewErrorRecord(errors.New("boom")).Encode()
	evt, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(evt.Fields.Keys(), []string{"error", "reason"}) {
		t.Errorf("Keys() = %v", evt.Fields.Keys())
	}
}
