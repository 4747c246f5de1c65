package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxSlugLen        = 40
	maxBranchAttempts = 100
)

// BranchName builds the base branch name for a task: <prefix>/<id>-<slug>.
func BranchName(prefix string, id int64, title string) string {
	name := strconv.FormatInt(id, 10) + "-" + Slugify(title)
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}

// Slugify lowercases s and collapses everything that is not a letter or
// digit into single dashes.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}

// branchTaken reports whether a candidate branch name is already in use.
type branchTaken func(ctx context.Context, name string) (bool, error)

// uniqueBranch returns base, or base-2, base-3, ... for the first name taken
// reports as free.
func uniqueBranch(ctx context.Context, base string, taken branchTaken) (string, error) {
	for n := 1; n <= maxBranchAttempts; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		used, err := taken(ctx, name)
		if err != nil {
			return "", fmt.Errorf("check branch %s: %w", name, err)
		}
		if !used {
			return name, nil
		}
	}
	return "", fmt.Errorf("no free branch name for %s after %d attempts", base, maxBranchAttempts)
}
