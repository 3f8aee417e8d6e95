package rest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
)

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDeriveID(t *testing.T) {
	tests := []struct {
		name string
		row  docstore.Document
		pk   []string
		mode string
		want string
	}{
		{"string and number", docstore.Document{"a": "x", "b": 1.0}, []string{"a", "b"}, dataset.KeyModeSHA256, sha(`["x","1"]`)},
		{"default mode", docstore.Document{"a": "x"}, []string{"a"}, "", sha(`["x"]`)},
		{"missing and null", docstore.Document{"b": nil}, []string{"a", "b"}, "", sha(`["undefined","null"]`)},
		{"no html escape", docstore.Document{"a": "<&>"}, []string{"a"}, "", sha(`["<&>"]`)},
		{"bool and float", docstore.Document{"a": true, "b": 1.5}, []string{"a", "b"}, "", sha(`["true","1.5"]`)},
		{"legacy", docstore.Document{"a": "x", "b": 2.0}, []string{"a", "b"}, dataset.KeyModeLegacy, hex.EncodeToString([]byte(`x","2`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DeriveID(tt.row, tt.pk, tt.mode)
			if !ok {
				t.Fatal("DeriveID returned false")
			}
			if got != tt.want {
				t.Errorf("DeriveID = %q, want %q", got, tt.want)
			}
		})
	}
	if _, ok := DeriveID(docstore.Document{"a": "x"}, nil, ""); ok {
		t.Error("DeriveID without primary key returned true")
	}
}

func TestJSString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"s", "s"},
		{false, "false"},
		{0.0, "0"},
		{-3.0, "-3"},
		{0.1, "0.1"},
		{1.5e-7, "1.5e-7"},
		{1e21, "1e+21"},
		{123456789012.0, "123456789012"},
		{[]any{1.0, nil, "a"}, "1,,a"},
		{map[string]any{"a": 1.0}, "[object Object]"},
	}
	for _, tt := range tests {
		if got := jsString(tt.in); got != tt.want {
			t.Errorf("jsString(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentHash(t *testing.T) {
	got, err := ContentHash(docstore.Document{"b": 1.0, "a": "<x>"})
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("%x", crc32.ChecksumIEEE([]byte(`{"a":"<x>","b":1}`)))
	if got != want {
		t.Errorf("ContentHash = %q, want %q", got, want)
	}
	again, err := ContentHash(docstore.Document{"a": "<x>", "b": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	if again != got {
		t.Errorf("ContentHash depends on key order: %q != %q", again, got)
	}
}

func TestOwner(t *testing.T) {
	o := &Owner{Type: "organization", ID: "o1", Name: "Org", Department: "dep", DepartmentName: "Sales"}
	want := docstore.Document{fieldOwner: "organization:o1:dep", fieldOwnerName: "Org (Sales)"}
	if diff := cmp.Diff(want, o.Columns()); diff != "" {
		t.Errorf("Columns mismatch (-want +got):\n%s", diff)
	}
	f := o.Filter()
	if !f.Match(docstore.Document{fieldOwner: "organization:o1:dep"}) || f.Match(docstore.Document{fieldOwner: "user:u1"}) {
		t.Error("Filter does not select the owner")
	}
	var none *Owner
	nf := none.Filter()
	if !nf.Match(docstore.Document{}) {
		t.Error("nil owner filter must match everything")
	}
	anonymous := &Owner{Type: "user", ID: "u1", DepartmentName: "Sales"}
	if got := anonymous.Key(); got != "user:u1" {
		t.Errorf("Key = %q", got)
	}
	if diff := cmp.Diff(docstore.Document{fieldOwner: "user:u1"}, anonymous.Columns()); diff != "" {
		t.Errorf("Columns of an unnamed owner (-want +got):\n%s", diff)
	}
}

func TestNewLineID(t *testing.T) {
	a, b := NewLineID(), NewLineID()
	if a == "" || a == b {
		t.Errorf("NewLineID returned %q and %q", a, b)
	}
}
