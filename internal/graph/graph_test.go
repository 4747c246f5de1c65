package graph

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/issueflow/internal/task"
)

func edge(a, b int64) task.Edge { return task.Edge{Blocker: a, Blocked: b} }

type mapSource struct {
	blockedBy map[int64][]int64
	calls     map[int64]int
	err       error
}

func (m *mapSource) GetBlockedBy(ctx context.Context, id int64) ([]int64, error) {
	if m.calls == nil {
		m.calls = make(map[int64]int)
	}
	m.calls[id]++
	return m.blockedBy[id], m.err
}

func assertRespectsEdges(t *testing.T, p *Plan) {
	t.Helper()
	pos := make(map[int64]int)
	for i, id := range p.Order {
		pos[id] = i
	}
	for _, e := range p.Edges {
		assert.Less(t, pos[e.Blocker], pos[e.Blocked], "edge %s out of order in %v", e, p.Order)
	}
}

func TestBuild_Chain(t *testing.T) {
	p, err := Build([]int64{101, 102, 103}, []task.Edge{edge(101, 102), edge(102, 103)})
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102, 103}, p.Order)
}

func TestBuild_ChainGivenInReverse(t *testing.T) {
	p, err := Build([]int64{103, 102, 101}, []task.Edge{edge(101, 102), edge(102, 103)})
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102, 103}, p.Order)
}

func TestBuild_TiesFollowInputOrder(t *testing.T) {
	tests := []struct {
		name  string
		ids   []int64
		edges []task.Edge
		want  []int64
	}{
		{"no edges", []int64{3, 1, 2}, nil, []int64{3, 1, 2}},
		{"released node placed by input position", []int64{5, 1, 9, 2}, []task.Edge{edge(1, 5)}, []int64{1, 5, 9, 2}},
		{"diamond", []int64{4, 3, 2, 1}, []task.Edge{edge(1, 2), edge(1, 3), edge(2, 4), edge(3, 4)}, []int64{1, 3, 2, 4}},
		{"duplicate edges ignored", []int64{1, 2}, []task.Edge{edge(1, 2), edge(1, 2)}, []int64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Build(tt.ids, tt.edges)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Order)
			assertRespectsEdges(t, p)
		})
	}
}

func TestBuild_TwoNodeCycle(t *testing.T) {
	_, err := Build([]int64{1, 2}, []task.Edge{edge(1, 2), edge(2, 1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []int64{1, 2}, cycleErr.Participants)
	assert.Equal(t, []int64{1, 2, 1}, cycleErr.Path)
	assert.Contains(t, err.Error(), "#1")
	assert.Contains(t, err.Error(), "#2")
}

func TestBuild_CycleListsEveryResidualNode(t *testing.T) {
	// 1 is free; 2 -> 3 -> 4 -> 2 is a cycle; 5 hangs off the cycle.
	ids := []int64{1, 2, 3, 4, 5}
	edges := []task.Edge{edge(1, 2), edge(2, 3), edge(3, 4), edge(4, 2), edge(4, 5)}

	_, err := Build(ids, edges)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []int64{2, 3, 4, 5}, cycleErr.Participants)
	assert.Equal(t, []int64{2, 3, 4, 2}, cycleErr.Path)
}

func TestBuild_SelfEdge(t *testing.T) {
	_, err := Build([]int64{7}, []task.Edge{edge(7, 7)})
	assert.ErrorIs(t, err, ErrSelfEdge)
}

func TestBuild_DuplicateIDs(t *testing.T) {
	_, err := Build([]int64{1, 2, 1}, nil)
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestBuild_ExternalEdges(t *testing.T) {
	p, err := Build([]int64{10, 11}, []task.Edge{edge(99, 11), edge(10, 11), edge(11, 98)})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, p.Order)
	assert.Equal(t, []task.Edge{edge(10, 11)}, p.Edges)
	assert.ElementsMatch(t, []task.Edge{edge(99, 11), edge(11, 98)}, p.External)
	assert.Equal(t, []int64{99}, p.ExternalBlockers(11))
	assert.Empty(t, p.ExternalBlockers(10))
}

func TestBuild_Deterministic(t *testing.T) {
	ids := []int64{8, 3, 5, 1, 9, 2, 7}
	edges := []task.Edge{edge(1, 2), edge(3, 2), edge(2, 7), edge(5, 9), edge(1, 9)}

	first, err := Build(ids, edges)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]task.Edge(nil), edges...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		p, err := Build(ids, shuffled)
		require.NoError(t, err)
		assert.Equal(t, first.Order, p.Order)
	}
}

func TestBuild_RandomGraphsRespectEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(12)
		ids := make([]int64, n)
		for i := range ids {
			ids[i] = int64(100 + i)
		}
		rng.Shuffle(n, func(a, b int) { ids[a], ids[b] = ids[b], ids[a] })

		// Only edges from lower to higher numbers, so the graph is acyclic.
		var edges []task.Edge
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				if rng.Intn(4) == 0 {
					edges = append(edges, edge(int64(100+a), int64(100+b)))
				}
			}
		}

		p, err := Build(ids, edges)
		require.NoError(t, err)
		assert.Len(t, p.Order, n)
		assertRespectsEdges(t, p)
	}
}

func TestPlan_DependentsAndBlockers(t *testing.T) {
	ids := []int64{101, 102, 103, 104}
	p, err := Build(ids, []task.Edge{edge(101, 102), edge(102, 103), edge(101, 104)})
	require.NoError(t, err)

	assert.Equal(t, []int64{102, 103, 104}, p.Dependents(101))
	assert.Equal(t, []int64{103}, p.Dependents(102))
	assert.Empty(t, p.Dependents(103))
	assert.Equal(t, []int64{101}, p.Blockers(102))
	assert.Empty(t, p.Blockers(101))
}

func TestPlan_Truncate(t *testing.T) {
	p, err := Build([]int64{1, 2, 3}, []task.Edge{edge(1, 2)})
	require.NoError(t, err)

	rest := p.Truncate(1)
	assert.Equal(t, []int64{1}, p.Order)
	assert.Equal(t, []int64{2, 3}, rest)
	assert.Equal(t, []int64{2}, p.Dependents(1))
	assert.Nil(t, p.Truncate(5))
}

func TestResolver_Resolve(t *testing.T) {
	src := &mapSource{blockedBy: map[int64][]int64{
		102: {101},
		103: {102, 50},
	}}
	r := NewResolver(src, nil)

	p, err := r.Resolve(context.Background(), []int64{103, 101, 102})
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102, 103}, p.Order)
	assert.Equal(t, []task.Edge{edge(50, 103)}, p.External)
	assert.Equal(t, map[int64]int{101: 1, 102: 1, 103: 1}, src.calls, "one query per task")
}

func TestResolver_Errors(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		src := &mapSource{blockedBy: map[int64][]int64{1: {2}, 2: {1}}}
		_, err := NewResolver(src, nil).Resolve(context.Background(), []int64{1, 2})
		assert.ErrorIs(t, err, ErrCycle)
	})

	t.Run("self edge", func(t *testing.T) {
		src := &mapSource{blockedBy: map[int64][]int64{1: {1}}}
		_, err := NewResolver(src, nil).Resolve(context.Background(), []int64{1})
		assert.ErrorIs(t, err, ErrSelfEdge)
	})

	t.Run("query failure", func(t *testing.T) {
		boom := errors.New("boom")
		src := &mapSource{err: boom}
		_, err := NewResolver(src, nil).Resolve(context.Background(), []int64{1})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("duplicates rejected before any query", func(t *testing.T) {
		src := &mapSource{}
		_, err := NewResolver(src, nil).Resolve(context.Background(), []int64{1, 1})
		assert.ErrorIs(t, err, ErrDuplicateTask)
		assert.Empty(t, src.calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewResolver(&mapSource{}, nil).Resolve(ctx, []int64{1})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
