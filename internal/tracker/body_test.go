package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		criteria []string
		docs     []string
	}{
		{
			name: "both sections",
			body: "intro\n\n## Acceptance Criteria\n- [ ] a\n- [x] b\n\n## Required Docs\n* `docs/x.md`\n",
			criteria: []string{"a", "b"},
			docs:     []string{"docs/x.md"},
		},
		{
			name:     "ordered list and trailing colon",
			body:     "### acceptance criteria:\n1. first\n2) second\nnot a list item\n",
			criteria: []string{"first", "second"},
		},
		{
			name:     "other sections are ignored",
			body:     "## Notes\n- ignored\n## Acceptance Criteria\n+ kept\n## Out of scope\n- also ignored\n",
			criteria: []string{"kept"},
		},
		{
			name: "windows line endings",
			body: "## Required Docs\r\n- README.md\r\n",
			docs: []string{"README.md"},
		},
		{
			name: "empty checkbox is skipped",
			body: "## Acceptance Criteria\n- [ ]\n- \n",
		},
		{
			name: "no sections",
			body: "just text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			criteria, docs := ParseBody(tt.body)
			assert.Equal(t, tt.criteria, criteria)
			assert.Equal(t, tt.docs, docs)
		})
	}
}
