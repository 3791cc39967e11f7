package fhir

import "testing"

func TestParseChainedParam(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		valid  bool
		source string
		target string
		tParam string
	}{
		{"basic chain", "subject:Patient.name", true, "subject", "Patient", "name"},
		{"without type", "subject.name", true, "subject", "", "name"},
		{"not chained", "name", false, "", "", ""},
		{"empty target param", "subject.", false, "", "", ""},
		{"empty source", ".name", false, "", "", ""},
		{"empty type", "subject:.name", false, "", "", ""},
		{"multiple dots", "subject:Patient.organization.name", true, "subject", "Patient", "organization.name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := ParseChainedParam(tt.input)
			if ok != tt.valid {
				t.Fatalf("ParseChainedParam(%q) valid = %v, want %v", tt.input, ok, tt.valid)
			}
			if !ok {
				return
			}
			if result.SourceParam != tt.source {
				t.Errorf("SourceParam = %q, want %q", result.SourceParam, tt.source)
			}
			if result.TargetType != tt.target {
				t.Errorf("TargetType = %q, want %q", result.TargetType, tt.target)
			}
			if result.TargetParam != tt.tParam {
				t.Errorf("TargetParam = %q, want %q", result.TargetParam, tt.tParam)
			}
		})
	}
}

func TestParseHasParam(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		valid  bool
		tType  string
		tParam string
		sParam string
	}{
		{"basic", "_has:Procedure:subject:code", true, "Procedure", "subject", "code"},
		{"nested", "_has:Observation:patient:_has:AuditEvent:entity:agent", true, "Observation", "patient", "_has:AuditEvent:entity:agent"},
		{"two parts", "_has:Procedure:subject", false, "", "", ""},
		{"empty part", "_has::subject:code", false, "", "", ""},
		{"not _has", "subject:Patient.name", false, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := ParseHasParam(tt.input)
			if ok != tt.valid {
				t.Fatalf("ParseHasParam(%q) valid = %v, want %v", tt.input, ok, tt.valid)
			}
			if !ok {
				return
			}
			if result.TargetType != tt.tType || result.TargetParam != tt.tParam || result.SearchParam != tt.sParam {
				t.Errorf("got %+v", result)
			}
		})
	}
}
