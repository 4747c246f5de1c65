package tracker

import (
	"strings"
)

const (
	sectionAcceptance = "acceptance criteria"
	sectionDocs       = "required docs"
)

// ParseBody extracts the acceptance criteria and required doc paths from an
// issue body. Both live in markdown list sections:
//
//	## Acceptance Criteria
//	- [ ] first criterion
//	- second criterion
//
//	## Required Docs
//	- `docs/design.md`
func ParseBody(body string) (criteria, docs []string) {
	var current string
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))

		if strings.HasPrefix(line, "#") {
			heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(line, "#")))
			heading = strings.TrimSuffix(heading, ":")
			current = heading
			continue
		}

		item, ok := listItem(line)
		if !ok {
			continue
		}
		switch current {
		case sectionAcceptance:
			criteria = append(criteria, item)
		case sectionDocs:
			docs = append(docs, strings.Trim(item, "`"))
		}
	}
	return criteria, docs
}

// listItem strips a markdown bullet, ordered-list marker or task checkbox.
func listItem(line string) (string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "), strings.HasPrefix(line, "+ "):
		rest = line[2:]
	default:
		i := 0
		for i < len(line) && line[i] >= '0' && line[i] <= '9' {
			i++
		}
		if i == 0 || i+1 >= len(line) || (line[i] != '.' && line[i] != ')') || line[i+1] != ' ' {
			return "", false
		}
		rest = line[i+2:]
	}

	rest = strings.TrimSpace(rest)
	for _, box := range []string{"[ ]", "[x]", "[X]"} {
		if strings.HasPrefix(rest, box) {
			rest = strings.TrimSpace(rest[len(box):])
			break
		}
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
