package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSuggestions(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Suggestion
		wantErr bool
	}{
		{
			name:  "bare array",
			input: `[{"description":"Runs as root","suggestion":"Add a USER","severity":"medium"}]`,
			want:  []Suggestion{{Description: "Runs as root", Suggestion: "Add a USER", Severity: "medium"}},
		},
		{
			name:  "fenced with language tag",
			input: "```json\n[{\"description\":\"Runs as root\",\"suggestion\":\"Add a USER\",\"severity\":\"HIGH\"}]\n```",
			want:  []Suggestion{{Description: "Runs as root", Suggestion: "Add a USER", Severity: "high"}},
		},
		{
			name:  "prose around array",
			input: "Here are the issues:\n[{\"description\":\"x\",\"suggestion\":\"y\"}]\nThanks",
			want:  []Suggestion{{Description: "x", Suggestion: "y", Severity: "medium"}},
		},
		{
			name:  "wrapped object",
			input: `{"issues":[{"description":"a","suggestion":"b","severity":"critical"}]}`,
			want:  []Suggestion{{Description: "a", Suggestion: "b", Severity: "critical"}},
		},
		{
			name:  "duplicates and blanks dropped",
			input: `[{"description":"Uses latest tag."},{"description":"uses  LATEST tag"},{"description":"  "}]`,
			want:  []Suggestion{{Description: "Uses latest tag.", Severity: "medium"}},
		},
		{name: "empty array", input: "[]", want: []Suggestion{}},
		{name: "empty text", input: "   "},
		{name: "all clear prose", input: "All clear - nothing to report."},
		{name: "prose without json", input: "The file looks risky.", wantErr: true},
		{name: "broken json", input: `[{"description": }]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSuggestions(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeSeverity(t *testing.T) {
	assert.Equal(t, "low", normalizeSeverity("Info"))
	assert.Equal(t, "medium", normalizeSeverity("warning"))
	assert.Equal(t, "high", normalizeSeverity(" major "))
	assert.Equal(t, "medium", normalizeSeverity("???"))
}
