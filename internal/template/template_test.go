package template

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
)

func TestExpand(t *testing.T) {
	vars := map[string]string{
		"batch_id": "2024-05-01_10:00:00",
		"task_id":  "2024-05-01_10:00:00_filter",
		"empty":    "",
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no placeholders", "s3://datasets/wide", "s3://datasets/wide"},
		{"single", "s3://datasets/{{batch_id}}", "s3://datasets/2024-05-01_10:00:00"},
		{"spaces inside braces", "s3://datasets/{{ task_id }}", "s3://datasets/2024-05-01_10:00:00_filter"},
		{"two", "{{batch_id}}/{{task_id}}", "2024-05-01_10:00:00/2024-05-01_10:00:00_filter"},
		{"default for missing", `s3://b/{{label | default: "unlabeled"}}`, "s3://b/unlabeled"},
		{"default for empty", `s3://b/{{empty | default: "x"}}`, "s3://b/x"},
		{"default ignored when set", `{{batch_id | default: "x"}}`, "2024-05-01_10:00:00"},
		{"repeated", "{{batch_id}}-{{batch_id}}", "2024-05-01_10:00:00-2024-05-01_10:00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.in, vars)
			if err != nil {
				t.Fatalf("Expand() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Expand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpandErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing without default", "s3://b/{{label}}"},
		{"empty braces", "s3://b/{{}}/{{batch_id}}"},
		{"unbalanced", "s3://b/{{batch_id"},
		{"stray pair", "s3://b/}}x{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Expand(tt.in, map[string]string{"batch_id": "b"})
			if !errhandling.IsCategory(err, errhandling.CategoryConfig) {
				t.Errorf("Expand() error = %v, want config error", err)
			}
		})
	}
}

func TestExpandKeySanitizesValues(t *testing.T) {
	got, err := ExpandKey("s3://datasets/{{comment}}/out", map[string]string{"comment": "../wide images/"})
	if err != nil {
		t.Fatal(err)
	}
	if want := "s3://datasets/..-wide-images/out"; got != want {
		t.Errorf("ExpandKey() = %q, want %q", got, want)
	}

	for _, v := range []string{"//", "..", " . "} {
		if _, err := ExpandKey("s3://b/{{comment}}", map[string]string{"comment": v}); err == nil {
			t.Errorf("ExpandKey(%q) should fail: the value sanitizes to nothing", v)
		}
	}
}

func TestParseVariables(t *testing.T) {
	got := ParseVariables(`{{a}} and {{ b | default: "" }}`)
	want := []Variable{
		{FullMatch: "{{a}}", Name: "a"},
		{FullMatch: `{{ b | default: "" }}`, Name: "b", HasDefault: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseVariables() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateSyntax(t *testing.T) {
	for _, ok := range []string{"", "plain", "{{a}}", `{{a | default: "x"}}/{{b}}`} {
		if err := ValidateSyntax(ok); err != nil {
			t.Errorf("ValidateSyntax(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"{{", "}}", "{{ }}", "}}{{"} {
		if err := ValidateSyntax(bad); err == nil {
			t.Errorf("ValidateSyntax(%q) = nil, want error", bad)
		}
	}
}
