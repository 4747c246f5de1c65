// Package trackertest provides an in-memory tracker.Client for tests.
package trackertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/imkarma/issueflow/internal/task"
	"github.com/imkarma/issueflow/internal/tracker"
)

// Call method names recorded by Fake.
const (
	MethodGetTask      = "GetTask"
	MethodGetBlockedBy = "GetBlockedBy"
	MethodSetStatus    = "SetStatus"
	MethodAddLabel     = "AddLabel"
	MethodAddComment   = "AddComment"
	MethodCreate       = "CreateLinkedArtifact"
	MethodBranchExists = "BranchExists"
)

var mutations = map[string]bool{
	MethodSetStatus:  true,
	MethodAddLabel:   true,
	MethodAddComment: true,
	MethodCreate:     true,
}

// Call is one recorded invocation.
type Call struct {
	Method string
	TaskID int64
	Arg    string
}

type pendingStatus struct {
	status  task.Status
	visible time.Time
}

// Fake is a concurrency-safe in-memory tracker.
type Fake struct {
	// StatusLag delays the visibility of SetStatus writes to readers.
	StatusLag time.Duration
	// DropStatusWrites makes SetStatus report success without effect.
	DropStatusWrites bool
	// Fail, when set, is consulted before every call; a non-nil error is
	// returned instead of performing the call.
	Fail func(method string, id int64) error

	mu        sync.Mutex
	tasks     map[int64]*task.Task
	blockedBy map[int64][]int64
	foreign   map[int64][]task.ForeignBlocker
	branches  map[string]bool
	comments  map[int64][]string
	artifacts map[string]*tracker.ArtifactRef
	pending   map[int64]pendingStatus
	calls     []Call
	nextPR    int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		tasks:     make(map[int64]*task.Task),
		blockedBy: make(map[int64][]int64),
		foreign:   make(map[int64][]task.ForeignBlocker),
		branches:  make(map[string]bool),
		comments:  make(map[int64][]string),
		artifacts: make(map[string]*tracker.ArtifactRef),
		pending:   make(map[int64]pendingStatus),
		nextPR:    1,
	}
}

// AddTask stores a copy of t.
func (f *Fake) AddTask(t task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = &t
}

// Block records that blocker blocks blocked.
func (f *Fake) Block(blocker, blocked int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockedBy[blocked] = append(f.blockedBy[blocked], blocker)
}

// BlockForeign records that blocked is blocked by ref, an issue in another
// repository with the given status.
func (f *Fake) BlockForeign(blocked int64, ref string, status task.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreign[blocked] = append(f.foreign[blocked], task.ForeignBlocker{Ref: ref, Status: status})
}

// AddRemoteBranch marks a branch as already present on the remote.
func (f *Fake) AddRemoteBranch(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[name] = true
}

// Status returns the stored status of id without recording a call.
func (f *Fake) Status(id int64) task.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleLocked(id, time.Now())
	if t, ok := f.tasks[id]; ok {
		return t.Status
	}
	return task.StatusUnknown
}

// Labels returns the stored labels of id without recording a call.
func (f *Fake) Labels(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		return append([]string(nil), t.Labels...)
	}
	return nil
}

// Comments returns the comments posted on id.
func (f *Fake) Comments(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments[id]...)
}

// Artifact returns the artifact opened for branch, if any.
func (f *Fake) Artifact(branch string) *tracker.ArtifactRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.artifacts[branch]
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the recorded calls that concern id.
func (f *Fake) CallsFor(id int64) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.TaskID == id {
			out = append(out, c)
		}
	}
	return out
}

// CountCalls counts recorded calls, optionally restricted to methods.
func (f *Fake) CountCalls(methods ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(methods) == 0 {
		return len(f.calls)
	}
	n := 0
	for _, c := range f.calls {
		for _, m := range methods {
			if c.Method == m {
				n++
			}
		}
	}
	return n
}

// Mutations counts recorded write calls.
func (f *Fake) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if mutations[c.Method] {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) record(ctx context.Context, method string, id int64, arg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.calls = append(f.calls, Call{Method: method, TaskID: id, Arg: arg})
	if f.Fail != nil {
		return f.Fail(method, id)
	}
	return nil
}

func (f *Fake) settleLocked(id int64, now time.Time) {
	p, ok := f.pending[id]
	if !ok || now.Before(p.visible) {
		return
	}
	if t, ok := f.tasks[id]; ok {
		t.Status = p.status
	}
	delete(f.pending, id)
}

func (f *Fake) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, MethodGetTask, id, ""); err != nil {
		return nil, err
	}
	f.settleLocked(id, time.Now())
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task #%d: %w", id, tracker.ErrNotFound)
	}
	cp := *t
	cp.Labels = append([]string(nil), t.Labels...)
	cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	cp.RequiredDocs = append([]string(nil), t.RequiredDocs...)
	return &cp, nil
}

func (f *Fake) GetBlockedBy(ctx context.Context, id int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, MethodGetBlockedBy, id, ""); err != nil {
		return nil, err
	}
	return append([]int64(nil), f.blockedBy[id]...), nil
}

func (f *Fake) ForeignBlockers(id int64) []task.ForeignBlocker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.ForeignBlocker(nil), f.foreign[id]...)
}

func (f *Fake) SetStatus(ctx context.Context, id int64, status task.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, MethodSetStatus, id, string(status)); err != nil {
		return err
	}
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("task #%d: %w", id, tracker.ErrNotFound)
	}
	if f.DropStatusWrites {
		return nil
	}
	if f.StatusLag > 0 {
		f.pending[id] = pendingStatus{status: status, visible: time.Now().Add(f.StatusLag)}
		return nil
	}
	t.Status = status
	return nil
}

func (f *Fake) AddLabel(ctx context.Context, id int64, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, MethodAddLabel, id, label); err != nil {
		return err
	}
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("task #%d: %w", id, tracker.ErrNotFound)
	}
	if !t.HasLabel(label) {
		t.Labels = append(t.Labels, label)
	}
	return nil
}

func (f *Fake) AddComment(ctx context.Context, id int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, MethodAddComment, id, firstLine(body)); err != nil {
		return err
	}
	f.comments[id] = append(f.comments[id], body)
	return nil
}

func (f *Fake) CreateLinkedArtifact(ctx context.Context, req tracker.ArtifactRequest) (*tracker.ArtifactRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, MethodCreate, req.TaskID, req.Branch); err != nil {
		return nil, err
	}
	if ref, ok := f.artifacts[req.Branch]; ok {
		cp := *ref
		cp.Reused = true
		return &cp, nil
	}
	ref := &tracker.ArtifactRef{
		Number:    f.nextPR,
		URL:       fmt.Sprintf("https://example.test/pull/%d", f.nextPR),
		Branch:    req.Branch,
		CommitRef: req.CommitRef,
	}
	f.nextPR++
	f.artifacts[req.Branch] = ref
	f.branches[req.Branch] = true
	cp := *ref
	return &cp, nil
}

func (f *Fake) BranchExists(ctx context.Context, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(ctx, MethodBranchExists, 0, branch); err != nil {
		return false, err
	}
	return f.branches[branch], nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var (
	_ tracker.Client               = (*Fake)(nil)
	_ tracker.ForeignBlockerSource = (*Fake)(nil)
)
