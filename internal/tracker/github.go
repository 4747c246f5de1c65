package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/imkarma/issueflow/internal/governor"
	"github.com/imkarma/issueflow/internal/task"
)

// StatusLabelPrefix marks the label that carries a task's tracked status.
const StatusLabelPrefix = "status:"

const defaultPageSize = 100

// NewGitHubClient creates a GitHub client authenticated with token.
func NewGitHubClient(ctx context.Context, token string) (*github.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return github.NewClient(tc), nil
}

// GitHub implements Client against a single repository's issues. Every
// remote call goes through the governor.
type GitHub struct {
	client   *github.Client
	owner    string
	repo     string
	gov      *governor.Governor
	log      *zap.Logger
	pageSize int

	mu      sync.Mutex
	foreign map[int64][]task.ForeignBlocker
}

var (
	_ Client               = (*GitHub)(nil)
	_ ForeignBlockerSource = (*GitHub)(nil)
)

// NewGitHub wraps client for owner/repo. A nil governor gets an unthrottled one.
func NewGitHub(client *github.Client, owner, repo string, gov *governor.Governor, log *zap.Logger) *GitHub {
	if log == nil {
		log = zap.NewNop()
	}
	if gov == nil {
		gov = governor.New(governor.Config{}, nil, log)
	}
	return &GitHub{
		client:   client,
		owner:    owner,
		repo:     repo,
		gov:      gov,
		log:      log.Named("tracker"),
		pageSize: defaultPageSize,
		foreign:  make(map[int64][]task.ForeignBlocker),
	}
}

func (g *GitHub) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	var issue *github.Issue
	err := g.call(ctx, governor.KindRead, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = g.client.Issues.Get(ctx, g.owner, g.repo, int(id))
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", id, err)
	}
	if issue.IsPullRequest() {
		return nil, fmt.Errorf("get issue #%d: is a pull request: %w", id, ErrNotFound)
	}
	return issueToTask(issue), nil
}

func issueToTask(issue *github.Issue) *task.Task {
	t := &task.Task{
		ID:        int64(issue.GetNumber()),
		Title:     issue.GetTitle(),
		Milestone: issue.GetMilestone().GetTitle(),
		URL:       issue.GetHTMLURL(),
	}
	for _, l := range issue.Labels {
		name := l.GetName()
		t.Labels = append(t.Labels, name)
		if st, ok := statusFromLabel(name); ok {
			t.Status = st
		}
	}
	if t.Status == task.StatusUnknown {
		t.Status = stateStatus(issue)
	}
	t.AcceptanceCriteria, t.RequiredDocs = ParseBody(issue.GetBody())
	return t
}

// issueStatus is the status label of issue, or its open/closed state.
func issueStatus(issue *github.Issue) task.Status {
	for _, l := range issue.Labels {
		if st, ok := statusFromLabel(l.GetName()); ok {
			return st
		}
	}
	return stateStatus(issue)
}

func stateStatus(issue *github.Issue) task.Status {
	if issue.GetState() == "closed" {
		return task.StatusDone
	}
	return task.StatusBacklog
}

func statusFromLabel(name string) (task.Status, bool) {
	if !strings.HasPrefix(strings.ToLower(name), StatusLabelPrefix) {
		return task.StatusUnknown, false
	}
	st, err := task.ParseStatus(name[len(StatusLabelPrefix):])
	if err != nil {
		return task.StatusUnknown, false
	}
	return st, true
}

func (g *GitHub) GetBlockedBy(ctx context.Context, id int64) ([]int64, error) {
	var blockers []int64
	var foreign []task.ForeignBlocker
	page := 1
	for page != 0 {
		u := fmt.Sprintf("repos/%v/%v/issues/%d/dependencies/blocked_by?per_page=%d&page=%d",
			g.owner, g.repo, id, g.pageSize, page)

		var issues []*github.Issue
		var resp *github.Response
		err := g.call(ctx, governor.KindRead, func(ctx context.Context) (*github.Response, error) {
			req, err := g.client.NewRequest(http.MethodGet, u, nil)
			if err != nil {
				return nil, err
			}
			resp, err = g.client.Do(ctx, req, &issues)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list blockers of #%d: %w", id, err)
		}

		for _, issue := range issues {
			if !g.sameRepo(issue) {
				fb := task.ForeignBlocker{
					Ref:    fmt.Sprintf("%s#%d", repoFromURL(issue.GetRepositoryURL()), issue.GetNumber()),
					Status: issueStatus(issue),
				}
				g.log.Debug("blocker in another repository",
					zap.Int64("task", id),
					zap.String("blocker", fb.Ref),
					zap.String("status", string(fb.Status)),
				)
				foreign = append(foreign, fb)
				continue
			}
			blockers = append(blockers, int64(issue.GetNumber()))
		}
		page = resp.NextPage
	}

	g.mu.Lock()
	g.foreign[id] = foreign
	g.mu.Unlock()
	return blockers, nil
}

func (g *GitHub) ForeignBlockers(id int64) []task.ForeignBlocker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]task.ForeignBlocker(nil), g.foreign[id]...)
}

// repoFromURL turns https://api.github.com/repos/owner/repo into owner/repo.
func repoFromURL(u string) string {
	if i := strings.Index(u, "/repos/"); i >= 0 {
		return u[i+len("/repos/"):]
	}
	return u
}

func (g *GitHub) sameRepo(issue *github.Issue) bool {
	u := issue.GetRepositoryURL()
	if u == "" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(u), strings.ToLower("/repos/"+g.owner+"/"+g.repo))
}

// SetStatus replaces any existing status label with the new one, leaving
// other labels untouched.
func (g *GitHub) SetStatus(ctx context.Context, id int64, status task.Status) error {
	var issue *github.Issue
	err := g.call(ctx, governor.KindRead, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = g.client.Issues.Get(ctx, g.owner, g.repo, int(id))
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("read labels of #%d: %w", id, err)
	}

	labels := []string{StatusLabelPrefix + string(status)}
	for _, l := range issue.Labels {
		if _, ok := statusFromLabel(l.GetName()); ok {
			continue
		}
		labels = append(labels, l.GetName())
	}

	err = g.call(ctx, governor.KindMutation, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.Issues.ReplaceLabelsForIssue(ctx, g.owner, g.repo, int(id), labels)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("set status of #%d to %s: %w", id, status, err)
	}
	g.log.Debug("status written", zap.Int64("task", id), zap.String("status", string(status)))
	return nil
}

func (g *GitHub) AddLabel(ctx context.Context, id int64, label string) error {
	err := g.call(ctx, governor.KindMutation, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.Issues.AddLabelsToIssue(ctx, g.owner, g.repo, int(id), []string{label})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("label #%d %q: %w", id, label, err)
	}
	return nil
}

func (g *GitHub) AddComment(ctx context.Context, id int64, body string) error {
	err := g.call(ctx, governor.KindMutation, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, int(id), &github.IssueComment{
			Body: github.String(body),
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("comment on #%d: %w", id, err)
	}
	return nil
}

func (g *GitHub) CreateLinkedArtifact(ctx context.Context, req ArtifactRequest) (*ArtifactRef, error) {
	existing, err := g.openPullRequest(ctx, req.Branch)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		g.log.Info("reusing open pull request",
			zap.Int64("task", req.TaskID),
			zap.String("branch", req.Branch),
			zap.Int("number", existing.GetNumber()),
		)
		ref := prToRef(existing, req)
		ref.Reused = true
		return ref, nil
	}

	body := req.Body
	if !strings.Contains(body, fmt.Sprintf("#%d", req.TaskID)) {
		body = strings.TrimSpace(body + fmt.Sprintf("\n\nCloses #%d", req.TaskID))
	}
	newPR := &github.NewPullRequest{
		Title: github.String(req.Title),
		Head:  github.String(req.Branch),
		Base:  github.String(req.Base),
		Body:  github.String(body),
	}

	var pr *github.PullRequest
	err = g.call(ctx, governor.KindMutation, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Create(ctx, g.owner, g.repo, newPR)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("open pull request for %s: %w", req.Branch, err)
	}
	return prToRef(pr, req), nil
}

func (g *GitHub) openPullRequest(ctx context.Context, branch string) (*github.PullRequest, error) {
	var prs []*github.PullRequest
	err := g.call(ctx, governor.KindRead, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		prs, resp, err = g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
			State:       "open",
			Head:        g.owner + ":" + branch,
			ListOptions: github.ListOptions{PerPage: 1},
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

func prToRef(pr *github.PullRequest, req ArtifactRequest) *ArtifactRef {
	ref := &ArtifactRef{
		Number:    pr.GetNumber(),
		URL:       pr.GetHTMLURL(),
		Branch:    req.Branch,
		CommitRef: pr.GetHead().GetSHA(),
	}
	if ref.CommitRef == "" {
		ref.CommitRef = req.CommitRef
	}
	return ref
}

func (g *GitHub) BranchExists(ctx context.Context, branch string) (bool, error) {
	err := g.call(ctx, governor.KindRead, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "heads/"+branch)
		return resp, err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up branch %s: %w", branch, err)
	}
	return true, nil
}

// call runs fn through the governor, feeding it the response's rate headers
// and translating rate-limit and not-found responses.
func (g *GitHub) call(ctx context.Context, kind governor.Kind, fn func(context.Context) (*github.Response, error)) error {
	err := g.gov.Do(ctx, kind, func(ctx context.Context) (*governor.Quota, error) {
		resp, err := fn(ctx)
		return quotaFrom(resp), err
	})
	return g.classify(err)
}

func (g *GitHub) classify(err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		g.gov.Exhaust(rateErr.Rate.Reset.Time)
		return fmt.Errorf("%w: %v", governor.ErrThrottled, err)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		var reset time.Time
		if abuseErr.RetryAfter != nil {
			reset = time.Now().Add(*abuseErr.RetryAfter)
		}
		g.gov.Exhaust(reset)
		return fmt.Errorf("%w: %v", governor.ErrThrottled, err)
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func quotaFrom(resp *github.Response) *governor.Quota {
	if resp == nil || resp.Rate.Limit == 0 {
		return nil
	}
	return &governor.Quota{
		Limit:     resp.Rate.Limit,
		Remaining: resp.Rate.Remaining,
		Reset:     resp.Rate.Reset.Time,
	}
}

// QuotaSource reads the core quota from the rate-limit endpoint, which
// GitHub does not count against the quota.
type QuotaSource struct {
	client *github.Client
}

// NewQuotaSource returns a governor.QuotaSource backed by client.
func NewQuotaSource(client *github.Client) *QuotaSource {
	return &QuotaSource{client: client}
}

func (q *QuotaSource) Quota(ctx context.Context) (governor.Quota, error) {
	limits, _, err := q.client.RateLimits(ctx)
	if err != nil {
		return governor.Quota{}, fmt.Errorf("rate limits: %w", err)
	}
	core := limits.GetCore()
	if core == nil {
		return governor.Quota{}, fmt.Errorf("rate limits: no core quota in response")
	}
	return governor.Quota{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		Reset:     core.Reset.Time,
	}, nil
}
