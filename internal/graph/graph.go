// Package graph turns a batch of task IDs and their blocking edges into an
// execution order.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/imkarma/issueflow/internal/task"
)

var (
	// ErrCycle is matched by *CycleError.
	ErrCycle = errors.New("dependency cycle")
	// ErrSelfEdge means a task claims to block itself.
	ErrSelfEdge = errors.New("task blocks itself")
	// ErrDuplicateTask means the batch lists an ID more than once.
	ErrDuplicateTask = errors.New("duplicate task in batch")
)

// CycleError lists every task that could not be ordered. Path is one
// concrete cycle among them, first node repeated at the end.
type CycleError struct {
	Participants []int64
	Path         []int64
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("dependency cycle among %s", joinIDs(e.Participants, ", "))
	if len(e.Path) > 0 {
		msg += fmt.Sprintf(" (e.g. %s)", joinIDs(e.Path, " -> "))
	}
	return msg
}

func (e *CycleError) Unwrap() error { return ErrCycle }

func joinIDs(ids []int64, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, sep)
}

// Plan is an execution order over a batch. Every in-batch edge A->B has A
// before B in Order.
type Plan struct {
	Order    []int64     `json:"order"`
	Edges    []task.Edge `json:"edges,omitempty"`
	External []task.Edge `json:"external,omitempty"`

	adj      map[int64][]int64
	rev      map[int64][]int64
	position map[int64]int
}

// Blockers returns the direct in-batch blockers of id.
func (p *Plan) Blockers(id int64) []int64 {
	return append([]int64(nil), p.rev[id]...)
}

// ExternalBlockers returns blockers of id that are outside the batch.
func (p *Plan) ExternalBlockers(id int64) []int64 {
	var out []int64
	for _, e := range p.External {
		if e.Blocked == id {
			out = append(out, e.Blocker)
		}
	}
	return out
}

// Dependents returns every in-batch task that transitively depends on id,
// in plan order.
func (p *Plan) Dependents(id int64) []int64 {
	seen := make(map[int64]bool)
	stack := append([]int64(nil), p.adj[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, p.adj[n]...)
	}

	out := make([]int64, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return p.position[out[i]] < p.position[out[j]] })
	return out
}

// Truncate keeps the first n tasks of the order and returns the rest.
// Edges are left untouched, so Dependents still sees deferred tasks.
func (p *Plan) Truncate(n int) (rest []int64) {
	if n >= len(p.Order) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	rest = append([]int64(nil), p.Order[n:]...)
	p.Order = p.Order[:n]
	return rest
}

// EdgeSource is the part of the tracker the resolver needs.
type EdgeSource interface {
	GetBlockedBy(ctx context.Context, id int64) ([]int64, error)
}

// Resolver queries blocking edges and orders a batch.
type Resolver struct {
	src EdgeSource
	log *zap.Logger
}

// NewResolver creates a resolver reading edges from src.
func NewResolver(src EdgeSource, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{src: src, log: log.Named("resolver")}
}

// Resolve queries the blockers of every task in ids once and returns the
// execution plan. Edges to tasks outside the batch are reported in
// Plan.External but not enforced.
func (r *Resolver) Resolve(ctx context.Context, ids []int64) (*Plan, error) {
	if err := checkDuplicates(ids); err != nil {
		return nil, err
	}
	inBatch := make(map[int64]bool, len(ids))
	for _, id := range ids {
		inBatch[id] = true
	}

	var edges []task.Edge
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blockers, err := r.src.GetBlockedBy(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("query blockers of #%d: %w", id, err)
		}
		for _, b := range blockers {
			e := task.Edge{Blocker: b, Blocked: id}
			if !inBatch[b] {
				r.log.Debug("blocker outside batch", zap.Int64("task", id), zap.Int64("blocker", b))
			}
			edges = append(edges, e)
		}
	}

	plan, err := Build(ids, edges)
	if err != nil {
		return nil, err
	}
	r.log.Debug("plan resolved",
		zap.Int64s("order", plan.Order),
		zap.Int("edges", len(plan.Edges)),
		zap.Int("external", len(plan.External)),
	)
	return plan, nil
}

// Build orders ids given edges using Kahn's algorithm. Among tasks that are
// ready at the same time the one listed first in ids goes first, so the
// result is deterministic for a given input.
func Build(ids []int64, edges []task.Edge) (*Plan, error) {
	if err := checkDuplicates(ids); err != nil {
		return nil, err
	}

	p := &Plan{
		adj:      make(map[int64][]int64),
		rev:      make(map[int64][]int64),
		position: make(map[int64]int, len(ids)),
	}
	for i, id := range ids {
		p.position[id] = i
	}

	seen := make(map[task.Edge]bool)
	for _, e := range edges {
		if e.Blocker == e.Blocked {
			return nil, fmt.Errorf("#%d: %w", e.Blocked, ErrSelfEdge)
		}
		if seen[e] {
			continue
		}
		seen[e] = true

		_, blockerIn := p.position[e.Blocker]
		_, blockedIn := p.position[e.Blocked]
		if !blockerIn || !blockedIn {
			p.External = append(p.External, e)
			continue
		}
		p.Edges = append(p.Edges, e)
		p.adj[e.Blocker] = append(p.adj[e.Blocker], e.Blocked)
		p.rev[e.Blocked] = append(p.rev[e.Blocked], e.Blocker)
	}
	for _, list := range []map[int64][]int64{p.adj, p.rev} {
		for k := range list {
			sort.Slice(list[k], func(i, j int) bool { return p.position[list[k][i]] < p.position[list[k][j]] })
		}
	}

	indegree := make(map[int64]int, len(ids))
	for _, e := range p.Edges {
		indegree[e.Blocked]++
	}

	// ready holds input positions, kept sorted ascending.
	var ready []int
	for i, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int64, 0, len(ids))
	for len(ready) > 0 {
		id := ids[ready[0]]
		ready = ready[1:]
		order = append(order, id)

		for _, next := range p.adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				pos := p.position[next]
				at := sort.SearchInts(ready, pos)
				ready = append(ready, 0)
				copy(ready[at+1:], ready[at:])
				ready[at] = pos
			}
		}
	}

	if len(order) < len(ids) {
		var stuck []int64
		for _, id := range ids {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &CycleError{Participants: stuck, Path: p.findCycle(stuck)}
	}

	p.Order = order
	return p, nil
}

// findCycle walks the unorderable subgraph depth-first and returns the
// first cycle it closes.
func (p *Plan) findCycle(nodes []int64) []int64 {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	within := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		within[n] = true
	}
	color := make(map[int64]int)
	var stack []int64

	var dfs func(n int64) []int64
	dfs = func(n int64) []int64 {
		color[n] = gray
		stack = append(stack, n)
		for _, next := range p.adj[n] {
			if !within[next] {
				continue
			}
			switch color[next] {
			case gray:
				for i, s := range stack {
					if s == next {
						return append(append([]int64(nil), stack[i:]...), next)
					}
				}
			case white:
				if c := dfs(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range nodes {
		if color[n] == white {
			if c := dfs(n); c != nil {
				return c
			}
		}
	}
	return nil
}

func checkDuplicates(ids []int64) error {
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("#%d: %w", id, ErrDuplicateTask)
		}
		seen[id] = true
	}
	return nil
}
