package worker

import (
	"fmt"
	"strings"
)

// BuildPrompt creates the prompt an agent gets for a task. It contains:
//  1. A role header
//  2. The task title and branch
//  3. The acceptance criteria as a checklist
//  4. The docs the agent must read first
//  5. Instructions, including how to report failure
func BuildPrompt(p Payload) string {
	parts := []string{
		"# You are a Software Developer\nYour job is to implement the task below. Write clean, tested code. If something is unclear, say so explicitly.",
		taskSection(p),
	}
	if len(p.AcceptanceCriteria) > 0 {
		parts = append(parts, listSection("## Acceptance Criteria", p.AcceptanceCriteria, "- [ ] "))
	}
	if len(p.RequiredDocs) > 0 {
		parts = append(parts, listSection("## Required Reading\nRead these files before changing anything:", p.RequiredDocs, "- "))
	}
	parts = append(parts, instructions)
	return strings.Join(parts, "\n\n")
}

func taskSection(p Payload) string {
	var sb strings.Builder
	sb.WriteString("## Task\n")
	sb.WriteString(fmt.Sprintf("**#%d: %s**\n", p.TaskID, p.Title))
	if p.BranchName != "" {
		sb.WriteString(fmt.Sprintf("Branch: %s\n", p.BranchName))
	}
	return sb.String()
}

func listSection(header string, items []string, bullet string) string {
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	for _, item := range items {
		sb.WriteString(bullet)
		sb.WriteString(item)
		sb.WriteString("\n")
	}
	return sb.String()
}

const instructions = `## Instructions
- Make the changes needed to satisfy every acceptance criterion
- Work only in the current directory; do not commit, push or switch branches
- Do not change issue status or labels, that is handled for you
- If you cannot finish, say: FAILED: [reason]
- If you need information from a person, say: BLOCKED: [your question]
- Focus on the specific task, don't refactor unrelated code`
