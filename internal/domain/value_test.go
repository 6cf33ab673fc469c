package domain

import (
	"errors"
	"math"
	"testing"
)

func TestValue_ZeroIsNull(t *testing.T) {
	var v Value
	if !v.IsNull() || v.Kind() != KindNull {
		t.Fatal("zero value must be null")
	}
	if v.String() != "null" {
		t.Fatalf("unexpected json %s", v.String())
	}
}

func TestNumber_Normalizes(t *testing.T) {
	if !Number(math.NaN()).IsNull() || !Number(math.Inf(1)).IsNull() {
		t.Fatal("non-finite numbers must become null")
	}
	negZero := Number(math.Copysign(0, -1))
	f, _ := negZero.Float()
	if math.Signbit(f) {
		t.Fatal("negative zero must normalize to zero")
	}
	if !Int(1).Equal(Number(1.0)) {
		t.Fatal("1 and 1.0 must be equal")
	}
}

func TestFromAny_RejectsNonFinite(t *testing.T) {
	_, err := FromAny(map[string]any{"x": math.Inf(-1)})
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestFromAny_RejectsInvalidUTF8(t *testing.T) {
	inputs := []any{
		"acct\xff",
		[]string{"ok", "\xfe"},
		map[string]any{"k\x80": 1},
		map[string]Value{"nested": Object(map[string]Value{"x": String("\xc3")})},
	}
	for i, in := range inputs {
		if _, err := FromAny(in); !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("case %d: expected ErrInvalidValue, got %v", i, err)
		}
	}
	if _, err := ParseJSON([]byte("{\"a\":\"acct\xff\"}")); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected invalid document to be rejected, got %v", err)
	}
	if !String("café").ValidUTF8() || String("caf\xe9").ValidUTF8() {
		t.Fatal("ValidUTF8 must check string contents")
	}
}

func TestParseJSON_RoundTrip(t *testing.T) {
	v, err := ParseJSON([]byte(`{"a":[1,"two",null,true,{"b":2.5}],"c":{}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := ParseJSON(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !v.Equal(again) {
		t.Fatalf("round trip changed value: %s vs %s", v, again)
	}
}

func TestParseJSON_TrailingData(t *testing.T) {
	if _, err := ParseJSON([]byte(`1 2`)); err == nil {
		t.Fatal("expected error on trailing data")
	}
	if _, err := ParseJSON([]byte(`{`)); err == nil {
		t.Fatal("expected error on truncated document")
	}
}

func TestValue_Immutable(t *testing.T) {
	items := []Value{String("a")}
	list := List(items...)
	items[0] = String("mutated")
	first, _ := list.Index(0)
	if s, _ := first.Str(); s != "a" {
		t.Fatal("list must copy its input")
	}

	fields := map[string]Value{"k": Int(1)}
	obj := Object(fields)
	fields["k"] = Int(2)
	got, _ := obj.Get("k")
	if !got.Equal(Int(1)) {
		t.Fatal("object must copy its input")
	}

	out := obj.Fields()
	out["k"] = Int(3)
	got, _ = obj.Get("k")
	if !got.Equal(Int(1)) {
		t.Fatal("Fields must return a copy")
	}
}

func TestValue_EqualDistinguishesKinds(t *testing.T) {
	if String("1").Equal(Int(1)) {
		t.Fatal("string and number must differ")
	}
	if List().Equal(Object(nil)) {
		t.Fatal("empty list and empty object must differ")
	}
	if Null().Equal(Bool(false)) {
		t.Fatal("null and false must differ")
	}
}
