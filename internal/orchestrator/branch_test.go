package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Add login endpoint", "add-login-endpoint"},
		{"  Fix: crash on  empty input!! ", "fix-crash-on-empty-input"},
		{"Ünïcode ✓ stuff", "n-code-stuff"},
		{"!!!", "task"},
		{"", "task"},
		{strings.Repeat("long title ", 10), "long-title-long-title-long-title-long-ti"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "Slugify(%q)", tt.in)
	}
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "issueflow/12-add-cache", BranchName("issueflow", 12, "Add cache"))
	assert.Equal(t, "bot/12-add-cache", BranchName("bot/", 12, "Add cache"))
	assert.Equal(t, "12-add-cache", BranchName("", 12, "Add cache"))
}

func TestUniqueBranch(t *testing.T) {
	taken := map[string]bool{"b": true, "b-2": true}
	name, err := uniqueBranch(context.Background(), "b", func(_ context.Context, n string) (bool, error) {
		return taken[n], nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b-3", name)

	_, err = uniqueBranch(context.Background(), "b", func(context.Context, string) (bool, error) {
		return false, errors.New("remote down")
	})
	assert.ErrorContains(t, err, "remote down")

	_, err = uniqueBranch(context.Background(), "b", func(context.Context, string) (bool, error) {
		return true, nil
	})
	assert.ErrorContains(t, err, "no free branch name")
}
