package audit

import (
	"reflect"
	"testing"
)

func TestFilterPropertiesMasksNestedKeys(t *testing.T) {
	in := Properties{
		"email":    "a@example.com",
		"Password": "hunter2",
		"profile": map[string]any{
			"api-key": "abc",
			"name":    "Ann",
		},
		"tokens": []any{map[string]any{"token": "t1", "kind": "refresh"}},
		"count":  3,
	}
	got := FilterProperties(in)
	want := Properties{
		"email":    "a@example.com",
		"Password": FilteredValue,
		"profile": map[string]any{
			"api-key": FilteredValue,
			"name":    "Ann",
		},
		"tokens": []any{map[string]any{"token": FilteredValue, "kind": "refresh"}},
		"count":  3,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected filtered properties\n got: %#v\nwant: %#v", got, want)
	}
	if in["Password"] != "hunter2" {
		t.Fatalf("input was mutated")
	}
}

func TestFilterCustomKeys(t *testing.T) {
	f := NewFilter([]string{"iban"})
	got := f.Apply(Properties{"iban": "DE00", "password": "x"})
	if got["iban"] != FilteredValue || got["password"] != "x" {
		t.Fatalf("unexpected result %#v", got)
	}
	if f.Apply(nil) != nil {
		t.Fatalf("nil properties should stay nil")
	}
}
