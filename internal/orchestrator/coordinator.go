// Package orchestrator drives a batch of tasks from Todo to InReview: it
// validates the batch, orders it by blocking edges, moves each task through
// the workflow machine, hands the work to a Worker and opens the resulting
// pull request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imkarma/issueflow/internal/config"
	"github.com/imkarma/issueflow/internal/governor"
	"github.com/imkarma/issueflow/internal/graph"
	"github.com/imkarma/issueflow/internal/metrics"
	"github.com/imkarma/issueflow/internal/store"
	"github.com/imkarma/issueflow/internal/task"
	"github.com/imkarma/issueflow/internal/tracker"
	"github.com/imkarma/issueflow/internal/worker"
	"github.com/imkarma/issueflow/internal/workflow"
)

var (
	// ErrPreflight means a task in the batch is not eligible to run.
	ErrPreflight = errors.New("preflight failed")
	// ErrWorkerFailure means the worker could not complete a task.
	ErrWorkerFailure = errors.New("worker failed")
	// ErrWorkerTimeout is a worker failure caused by the soft timeout.
	ErrWorkerTimeout = fmt.Errorf("%w: timed out", ErrWorkerFailure)
	// ErrArtifactCreation means the pull request could not be opened after
	// every retry. The pushed branch is kept.
	ErrArtifactCreation = errors.New("artifact creation failed")
	// ErrCancelled means the run was cancelled between tasks.
	ErrCancelled = errors.New("run cancelled")
)

// Escalation kinds, posted as "issueflow: <kind>" on the task.
const (
	kindTransition = "transition-failed"
	kindBranch     = "branch-naming-failed"
	kindWorker     = "worker-failed"
	kindTimeout    = "worker-timeout"
	kindArtifact   = "artifact-creation-failed"
)

// Config tunes a Coordinator.
type Config struct {
	AllowPartial       bool
	BranchPrefix       string
	BaseBranch         string
	ArtifactRetries    int
	ArtifactRetryDelay time.Duration
	WorkerTimeout      time.Duration
	DocsRoot           string
}

// ConfigFrom maps the project configuration onto coordinator settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		AllowPartial:       cfg.Orchestrator.AllowPartial,
		BranchPrefix:       cfg.Orchestrator.BranchPrefix,
		BaseBranch:         cfg.GitHub.BaseBranch,
		ArtifactRetries:    cfg.Orchestrator.ArtifactRetries,
		ArtifactRetryDelay: cfg.Orchestrator.ArtifactRetryDelay,
		WorkerTimeout:      cfg.Orchestrator.WorkerTimeout,
		DocsRoot:           cfg.Orchestrator.DocsRoot,
	}
}

// Ledger records runs locally. *store.Store implements it.
type Ledger interface {
	StartRun(requested []int64) (*store.Run, error)
	FinishRun(runID, status, summary string) error
	RecordTask(rt store.RunTask) error
	AddEvent(runID string, taskID int64, eventType, content string)
	BranchRecorded(branch string) (bool, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLedger records every run in l.
func WithLedger(l Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithLocalBranches adds a check for branches that exist only in the local
// clone.
func WithLocalBranches(exists func(ctx context.Context, branch string) bool) Option {
	return func(c *Coordinator) { c.localBranch = exists }
}

// WithMachine shares a workflow machine instead of creating one per
// coordinator.
func WithMachine(m *workflow.Machine) Option {
	return func(c *Coordinator) { c.machine = m }
}

// Coordinator runs batches of tasks. It is the only component that changes
// tracked status, always through its workflow machine.
type Coordinator struct {
	client      tracker.Client
	gov         *governor.Governor
	worker      worker.Worker
	cfg         Config
	machine     *workflow.Machine
	resolver    *graph.Resolver
	ledger      Ledger
	localBranch func(ctx context.Context, branch string) bool
	log         *zap.Logger

	// sleep waits between artifact attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a coordinator. gov may be nil for an unthrottled run.
func New(client tracker.Client, gov *governor.Governor, w worker.Worker, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		client: client,
		gov:    gov,
		worker: w,
		cfg:    cfg,
		log:    zap.NewNop(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("orchestrator")
	if c.gov == nil {
		c.gov = governor.New(governor.Config{}, nil, c.log)
	}
	if c.machine == nil {
		c.machine = workflow.NewMachine(client, 0, c.log)
	}
	c.resolver = graph.NewResolver(client, c.log)
	return c
}

// run carries the state of one Run call.
type run struct {
	report *Report
	plan   *graph.Plan
	tasks  map[int64]*task.Task
	skip   map[int64]string
	used   map[string]bool
	ledger Ledger
	log    *zap.Logger
}

// Run executes the batch ids. The returned report is always non-nil. A
// non-nil error means the batch was aborted: preflight, a dependency cycle,
// quota exhaustion or cancellation. Task-level failures are not errors;
// they are recorded in the report and their dependents are skipped.
func (c *Coordinator) Run(ctx context.Context, ids []int64) (*Report, error) {
	r := &run{
		skip:   make(map[int64]string),
		used:   make(map[string]bool),
		ledger: c.ledger,
	}
	r.report = newReport(c.startLedger(r, ids))
	r.log = c.log.With(zap.String("run", r.report.RunID))
	r.log.Info("run started", zap.Int64s("tasks", ids))

	err := c.run(ctx, r, ids)
	if err != nil && r.report.Aborted == "" {
		r.report.Aborted = err.Error()
	}
	c.finish(r)

	if err != nil {
		r.log.Error("run aborted", zap.Error(err), zap.String("summary", r.report.Summary()))
	} else {
		r.log.Info("run finished", zap.String("summary", r.report.Summary()))
	}
	return r.report, err
}

func (c *Coordinator) run(ctx context.Context, r *run, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.gov.Guard(ctx); err != nil {
		c.deferAll(r, ids, err.Error())
		return err
	}

	// Preflight: read and validate every task before any state changes.
	tasks, problems, err := c.preflight(ctx, ids)
	if err != nil {
		if errors.Is(err, governor.ErrThrottled) {
			c.deferAll(r, ids, err.Error())
		}
		return err
	}
	r.tasks = tasks
	eligible, err := c.applyProblems(ctx, r, ids, problems)
	if err != nil {
		return err
	}

	// Planning.
	plan, err := c.resolver.Resolve(ctx, eligible)
	if err != nil {
		if errors.Is(err, governor.ErrThrottled) {
			c.deferAll(r, eligible, err.Error())
		}
		return fmt.Errorf("plan batch: %w", err)
	}
	external, err := c.checkExternal(ctx, plan, r.tasks)
	if err != nil {
		c.deferAll(r, plan.Order, err.Error())
		return err
	}
	if len(external) > 0 {
		keep, err := c.applyProblems(ctx, r, plan.Order, external)
		if err != nil {
			return err
		}
		plan.Order = c.dropBlocked(ctx, r, plan, keep)
	}
	r.plan = plan
	r.report.Order = append([]int64(nil), plan.Order...)
	r.log.Info("plan ready", zap.Int64s("order", plan.Order))

	// Batch size.
	size := c.gov.RecommendedBatchSize(len(plan.Order))
	if size == 0 && len(plan.Order) > 0 {
		err := fmt.Errorf("no quota for any task: %w", governor.ErrThrottled)
		c.deferAll(r, plan.Order, err.Error())
		return err
	}
	if rest := plan.Truncate(size); len(rest) > 0 {
		r.log.Warn("batch reduced to fit quota", zap.Int("size", size), zap.Int64s("deferred", rest))
		c.deferAll(r, rest, "batch size reduced to fit remaining quota")
	}

	for i, id := range plan.Order {
		if err := ctx.Err(); err != nil {
			c.deferRemaining(r, plan.Order[i:], "run cancelled")
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if reason, ok := r.skip[id]; ok {
			c.record(r, id, OutcomeSkipped, errors.New(reason), "")
			continue
		}
		if err := c.runTask(ctx, r, r.tasks[id]); err != nil {
			c.deferRemaining(r, plan.Order[i+1:], err.Error())
			return err
		}
	}
	return nil
}

// applyProblems enforces the preflight policy. Fail-fast aborts the batch;
// partial tolerance marks the tasks invalid, tells each one why on the
// tracker and returns the rest.
func (c *Coordinator) applyProblems(ctx context.Context, r *run, ids []int64, problems []Problem) ([]int64, error) {
	if len(problems) == 0 {
		return ids, nil
	}
	bad := make(map[int64][]string)
	for _, p := range problems {
		bad[p.TaskID] = append(bad[p.TaskID], p.Reason)
	}
	if !c.cfg.AllowPartial {
		perr := &PreflightError{Problems: problems}
		for _, id := range ids {
			if reasons, ok := bad[id]; ok {
				c.record(r, id, OutcomeInvalid, fmt.Errorf("%w: %s", ErrPreflight, strings.Join(reasons, "; ")), "")
			}
		}
		r.report.Aborted = "preflight"
		return nil, perr
	}

	var keep []int64
	for _, id := range ids {
		reasons, ok := bad[id]
		if !ok {
			keep = append(keep, id)
			continue
		}
		r.log.Warn("task failed preflight", zap.Int64("task", id), zap.Strings("reasons", reasons))
		c.markInvalid(ctx, r, id, strings.Join(reasons, "; "))
	}
	return keep, nil
}

// markInvalid records a task dropped under partial tolerance and comments
// the reason on it. Tasks that could not be read get no comment.
func (c *Coordinator) markInvalid(ctx context.Context, r *run, id int64, reason string) {
	c.record(r, id, OutcomeInvalid, fmt.Errorf("%w: %s", ErrPreflight, reason), "")
	if _, ok := r.tasks[id]; !ok {
		return
	}
	if err := c.client.AddComment(ctx, id, escalationComment(r.report.RunID, "preflight-invalid", errors.New(reason), "")); err != nil {
		c.warn(r, id, "#%d: preflight comment failed: %v", id, err)
	}
}

// dropBlocked removes tasks from the plan that are no longer in keep, and
// marks their in-batch dependents invalid too.
func (c *Coordinator) dropBlocked(ctx context.Context, r *run, plan *graph.Plan, keep []int64) []int64 {
	kept := make(map[int64]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	for _, id := range plan.Order {
		if kept[id] {
			continue
		}
		for _, d := range plan.Dependents(id) {
			if !kept[d] {
				continue
			}
			kept[d] = false
			c.markInvalid(ctx, r, d, fmt.Sprintf("blocked by invalid task #%d", id))
		}
	}
	var order []int64
	for _, id := range plan.Order {
		if kept[id] {
			order = append(order, id)
		}
	}
	return order
}

// runTask takes one task through the pipeline. It returns an error only
// when the whole run must stop.
func (c *Coordinator) runTask(ctx context.Context, r *run, t *task.Task) error {
	log := r.log.With(zap.Int64("task", t.ID))

	if err := c.gov.Guard(ctx); err != nil {
		c.record(r, t.ID, OutcomeDeferred, err, "")
		return err
	}

	log.Info("starting task", zap.String("title", t.Title))
	c.event(r, t.ID, "started", t.Title)
	if err := c.machine.Transition(ctx, t.ID, task.StatusTodo, task.StatusInProgress); err != nil {
		if errors.Is(err, governor.ErrThrottled) {
			c.record(r, t.ID, OutcomeDeferred, err, "")
			return err
		}
		c.failTask(ctx, r, t, kindTransition, err, "", false)
		return nil
	}
	c.event(r, t.ID, "transition", fmt.Sprintf("%s -> %s", task.StatusTodo, task.StatusInProgress))

	// Work from here on is preserved even if the run is cancelled. The
	// worker is only ever stopped by the soft timeout.
	sctx := context.WithoutCancel(ctx)

	branch, err := uniqueBranch(sctx, BranchName(c.cfg.BranchPrefix, t.ID, t.Title), c.branchTaken(r))
	if err != nil {
		if errors.Is(err, governor.ErrThrottled) {
			c.record(r, t.ID, OutcomeFailed, err, "")
			return err
		}
		c.failTask(sctx, r, t, kindBranch, err, "", true)
		return nil
	}
	r.used[branch] = true
	r.report.Branches[t.ID] = branch
	c.record(r, t.ID, OutcomeRunning, nil, branch)

	res, err := c.execute(sctx, t, branch)
	if err != nil {
		kind := kindWorker
		if errors.Is(err, ErrWorkerTimeout) {
			kind = kindTimeout
		}
		c.failTask(sctx, r, t, kind, err, branch, true)
		return nil
	}
	r.report.Commits[t.ID] = res.CommitRef
	c.event(r, t.ID, "worker", fmt.Sprintf("commit %s, %d files", res.CommitRef, len(res.FilesChanged)))

	ref, err := c.openArtifact(sctx, log, t, branch, res)
	if err != nil {
		if errors.Is(err, governor.ErrThrottled) {
			c.record(r, t.ID, OutcomeFailed, err, branch)
			return err
		}
		c.failTask(sctx, r, t, kindArtifact, err, branch, true)
		return nil
	}
	r.report.Artifacts[t.ID] = ref
	c.event(r, t.ID, "artifact", ref.String())

	var fatal error
	if err := c.machine.Transition(sctx, t.ID, task.StatusInProgress, task.StatusInReview); err != nil {
		// The pull request exists; leave the status stale rather than undo work.
		c.warn(r, t.ID, "#%d: move to %s failed after %s was opened: %v", t.ID, task.StatusInReview, ref, err)
		if errors.Is(err, governor.ErrThrottled) {
			fatal = err
		}
	} else {
		c.event(r, t.ID, "transition", fmt.Sprintf("%s -> %s", task.StatusInProgress, task.StatusInReview))
	}

	c.record(r, t.ID, OutcomeCompleted, nil, branch)
	log.Info("task completed", zap.String("branch", branch), zap.String("artifact", ref.String()))
	return fatal
}

func (c *Coordinator) branchTaken(r *run) branchTaken {
	return func(ctx context.Context, name string) (bool, error) {
		if r.used[name] {
			return true, nil
		}
		if c.localBranch != nil && c.localBranch(ctx, name) {
			return true, nil
		}
		if r.ledger != nil {
			recorded, err := r.ledger.BranchRecorded(name)
			if err != nil {
				return false, err
			}
			if recorded {
				return true, nil
			}
		}
		return c.client.BranchExists(ctx, name)
	}
}

// execute runs the worker under the soft timeout. ctx must not carry run
// cancellation. A worker that outlives the timeout is abandoned and its
// context is cancelled.
func (c *Coordinator) execute(ctx context.Context, t *task.Task, branch string) (worker.Result, error) {
	payload := worker.Payload{
		TaskID:             t.ID,
		Title:              t.Title,
		BranchName:         branch,
		AcceptanceCriteria: append([]string(nil), t.AcceptanceCriteria...),
		RequiredDocs:       append([]string(nil), t.RequiredDocs...),
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res worker.Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := c.worker.Execute(wctx, payload)
		done <- outcome{res, err}
	}()

	var timeout <-chan time.Time
	if c.cfg.WorkerTimeout > 0 {
		timer := time.NewTimer(c.cfg.WorkerTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case o := <-done:
		metrics.WorkerDuration.Observe(time.Since(start).Seconds())
		if o.err != nil {
			return worker.Result{}, fmt.Errorf("%w: %w", ErrWorkerFailure, o.err)
		}
		if o.res.Status != worker.StatusSuccess {
			msg := o.res.ErrorMessage
			if msg == "" {
				msg = "no reason given"
			}
			return worker.Result{}, fmt.Errorf("%w: %s", ErrWorkerFailure, msg)
		}
		if o.res.CommitRef == "" {
			return worker.Result{}, fmt.Errorf("%w: success without a commit", ErrWorkerFailure)
		}
		return o.res, nil
	case <-timeout:
		metrics.WorkerDuration.Observe(time.Since(start).Seconds())
		return worker.Result{}, fmt.Errorf("%w after %s", ErrWorkerTimeout, c.cfg.WorkerTimeout)
	}
}

// openArtifact creates the pull request, retrying with doubling delay.
func (c *Coordinator) openArtifact(ctx context.Context, log *zap.Logger, t *task.Task, branch string, res worker.Result) (*tracker.ArtifactRef, error) {
	req := tracker.ArtifactRequest{
		TaskID:    t.ID,
		Title:     t.Title,
		Branch:    branch,
		Base:      c.cfg.BaseBranch,
		CommitRef: res.CommitRef,
		Body:      artifactBody(t, res),
	}
	attempts := c.cfg.ArtifactRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := c.cfg.ArtifactRetryDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ref, err := c.client.CreateLinkedArtifact(ctx, req)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if errors.Is(err, governor.ErrThrottled) || attempt == attempts {
			break
		}
		log.Warn("artifact creation failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay *= 2
	}
	return nil, fmt.Errorf("%w for branch %s: %w", ErrArtifactCreation, branch, lastErr)
}

func artifactBody(t *task.Task, res worker.Result) string {
	var b strings.Builder
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance Criteria\n\n")
		for _, ac := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [ ] %s\n", ac)
		}
		b.WriteString("\n")
	}
	if len(res.FilesChanged) > 0 {
		b.WriteString("## Files Changed\n\n")
		for _, f := range res.FilesChanged {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}

// failTask records a task failure, escalates it and skips its dependents.
// inProgress says whether the task already reached InProgress, in which
// case it is moved to NeedsHumanHelp.
func (c *Coordinator) failTask(ctx context.Context, r *run, t *task.Task, kind string, cause error, branch string, inProgress bool) {
	r.log.Warn("task failed", zap.Int64("task", t.ID), zap.String("kind", kind), zap.Error(cause))
	c.record(r, t.ID, OutcomeFailed, cause, branch)

	if inProgress {
		if err := c.machine.Transition(ctx, t.ID, task.StatusInProgress, task.StatusNeedsHumanHelp); err != nil {
			c.warn(r, t.ID, "#%d: escalation to %s failed: %v", t.ID, task.StatusNeedsHumanHelp, err)
		}
	}
	if err := c.client.AddLabel(ctx, t.ID, task.LabelNeedsHumanHelp); err != nil {
		c.warn(r, t.ID, "#%d: add label %s failed: %v", t.ID, task.LabelNeedsHumanHelp, err)
	}
	if err := c.client.AddComment(ctx, t.ID, escalationComment(r.report.RunID, kind, cause, branch)); err != nil {
		c.warn(r, t.ID, "#%d: escalation comment failed: %v", t.ID, err)
	}

	for _, d := range r.plan.Dependents(t.ID) {
		if _, ok := r.skip[d]; !ok {
			r.skip[d] = fmt.Sprintf("blocked by failed task #%d", t.ID)
		}
	}
}

func escalationComment(runID, kind string, cause error, branch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "issueflow: %s\n\n", kind)
	fmt.Fprintf(&b, "%s\n\n", cause)
	if branch != "" {
		fmt.Fprintf(&b, "Branch `%s` is kept for follow-up.\n", branch)
	}
	fmt.Fprintf(&b, "Run: %s\n", runID)
	return b.String()
}

func (c *Coordinator) deferAll(r *run, ids []int64, reason string) {
	for _, id := range ids {
		c.record(r, id, OutcomeDeferred, errors.New(reason), "")
	}
}

// deferRemaining handles the unstarted tail of the plan when the run stops:
// tasks already due to be skipped stay skipped, the rest are deferred.
func (c *Coordinator) deferRemaining(r *run, ids []int64, reason string) {
	for _, id := range ids {
		if skip, ok := r.skip[id]; ok {
			c.record(r, id, OutcomeSkipped, errors.New(skip), "")
			continue
		}
		c.record(r, id, OutcomeDeferred, errors.New(reason), "")
	}
}

// record stores an outcome in the report and the ledger.
func (c *Coordinator) record(r *run, id int64, outcome Outcome, err error, branch string) {
	if outcome != OutcomeRunning {
		r.report.add(id, outcome, err)
		metrics.TaskOutcomes.WithLabelValues(string(outcome)).Inc()
		if outcome != OutcomeCompleted {
			c.event(r, id, string(outcome), r.report.Reasons[id])
		}
	}
	if r.ledger == nil {
		return
	}
	rt := store.RunTask{
		RunID:     r.report.RunID,
		TaskID:    id,
		Outcome:   string(outcome),
		Branch:    branch,
		CommitRef: r.report.Commits[id],
	}
	if t, ok := r.tasks[id]; ok {
		rt.Title = t.Title
	}
	if err != nil {
		rt.Reason = err.Error()
	}
	if ref := r.report.Artifacts[id]; ref != nil {
		rt.ArtifactNumber = ref.Number
		rt.ArtifactURL = ref.URL
	}
	if err := r.ledger.RecordTask(rt); err != nil {
		r.log.Warn("ledger write failed", zap.Int64("task", id), zap.Error(err))
	}
}

func (c *Coordinator) warn(r *run, id int64, format string, args ...any) {
	r.report.warn(format, args...)
	msg := r.report.Warnings[len(r.report.Warnings)-1]
	r.log.Warn(msg)
	c.event(r, id, "warning", msg)
}

func (c *Coordinator) event(r *run, id int64, eventType, content string) {
	if r.ledger != nil {
		r.ledger.AddEvent(r.report.RunID, id, eventType, content)
	}
}

func (c *Coordinator) startLedger(r *run, ids []int64) string {
	if r.ledger == nil {
		return uuid.NewString()
	}
	rec, err := r.ledger.StartRun(ids)
	if err != nil {
		c.log.Warn("ledger unavailable, run is not recorded", zap.Error(err))
		r.ledger = nil
		return uuid.NewString()
	}
	return rec.ID
}

func (c *Coordinator) finish(r *run) {
	r.report.Quota = c.gov.Usage()
	r.report.FinishedAt = time.Now().UTC()
	if r.ledger == nil {
		return
	}
	status := store.RunPartial
	switch {
	case r.report.Aborted != "":
		status = store.RunAborted
	case r.report.Success():
		status = store.RunCompleted
	}
	if err := r.ledger.FinishRun(r.report.RunID, status, r.report.Summary()); err != nil {
		r.log.Warn("ledger write failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
