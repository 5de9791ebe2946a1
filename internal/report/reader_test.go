package report

import "testing"

func TestCollapseBlankLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no blanks", "Hemoglobin 13.5\nWBC 6.2", "Hemoglobin 13.5\nWBC 6.2"},
		{"single blank run", "Hemoglobin 13.5\n\nWBC 6.2", "Hemoglobin 13.5\nWBC 6.2"},
		{"long blank run", "a\n\n\n\n\nb", "a\nb"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := collapseBlankLines(tc.in); got != tc.want {
				t.Errorf("collapseBlankLines(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
