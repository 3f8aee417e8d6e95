package dataset

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDelayDuration(t *testing.T) {
	tests := []struct {
		delay Delay
		want  time.Duration
	}{
		{Delay{Value: 3}, 72 * time.Hour},
		{Delay{Value: 2, Unit: "hours"}, 2 * time.Hour},
		{Delay{Value: 1, Unit: "week"}, 7 * 24 * time.Hour},
		{Delay{Value: 1, Unit: "months"}, 30 * 24 * time.Hour},
		{Delay{Value: 2, Unit: "years"}, 2 * 365 * 24 * time.Hour},
		{Delay{Value: 90, Unit: "seconds"}, 90 * time.Second},
	}
	for _, tt := range tests {
		got, err := tt.delay.Duration()
		if err != nil {
			t.Fatalf("%+v: %v", tt.delay, err)
		}
		if got != tt.want {
			t.Errorf("%+v.Duration() = %v, want %v", tt.delay, got, tt.want)
		}
	}
	if _, err := (Delay{Value: 1, Unit: "fortnight"}).Duration(); err == nil {
		t.Error("unknown unit should fail")
	}
}

func TestExtensionKeys(t *testing.T) {
	ds := &Dataset{
		Extensions: []Extension{
			{Type: ExtensionRemoteService, PropertyPrefix: "_geo"},
			{Active: true, Type: ExtensionExprEval, Property: &Field{Key: "total", Type: "number"}},
			{Type: ExtensionExprEval},
		},
	}
	if diff := cmp.Diff([]string{"_geo", "total"}, ds.ExtensionKeys()); diff != "" {
		t.Errorf("ExtensionKeys mismatch (-want +got):\n%s", diff)
	}
	if !ds.HasActiveExtension() {
		t.Error("HasActiveExtension = false")
	}
	ds.Extensions[1].Active = false
	if ds.HasActiveExtension() {
		t.Error("HasActiveExtension = true without active extension")
	}
}

func TestDatasetValidate(t *testing.T) {
	valid := func() *Dataset {
		return &Dataset{
			ID:         "countries",
			Schema:     []Field{{Key: "code", Type: "string"}, {Key: "label", Type: "string"}},
			PrimaryKey: []string{"code"},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		mutate func(ds *Dataset)
	}{
		{"no id", func(ds *Dataset) { ds.ID = "" }},
		{"reserved key", func(ds *Dataset) { ds.Schema = append(ds.Schema, Field{Key: "_x", Type: "string"}) }},
		{"duplicate key", func(ds *Dataset) { ds.Schema = append(ds.Schema, Field{Key: "code", Type: "string"}) }},
		{"bad type", func(ds *Dataset) { ds.Schema[1].Type = "date" }},
		{"unknown primary key", func(ds *Dataset) { ds.PrimaryKey = []string{"missing"} }},
		{"bad key mode", func(ds *Dataset) { ds.Rest.PrimaryKeyMode = "md5" }},
		{"ttl without prop", func(ds *Dataset) { ds.Rest.TTL = LineTTL{Active: true, Prop: "date"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := valid()
			tt.mutate(ds)
			if err := ds.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestNames(t *testing.T) {
	if got := CollectionName("abc"); got != "dataset-data-abc" {
		t.Errorf("CollectionName = %q", got)
	}
	if got := RevisionsCollectionName("abc"); got != "dataset-revisions-abc" {
		t.Errorf("RevisionsCollectionName = %q", got)
	}
	ds := &Dataset{}
	if ds.KeyMode() != KeyModeSHA256 {
		t.Errorf("default KeyMode = %q", ds.KeyMode())
	}
}
