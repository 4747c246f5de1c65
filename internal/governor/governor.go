// Package governor mediates every remote call. It tracks the remaining call
// quota, spaces calls by a minimum delay and refuses work once the quota
// drops below a safety floor.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/imkarma/issueflow/internal/metrics"
)

// ErrThrottled is returned once remaining quota is below the floor.
var ErrThrottled = errors.New("remote quota below safety floor")

// Kind distinguishes reads from mutations. Only mutations are hard-refused
// by Do; reads are gated by Guard at the logical-operation level.
type Kind string

const (
	KindRead     Kind = "read"
	KindMutation Kind = "mutation"
)

// Quota is a snapshot of the remote call budget.
type Quota struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// QuotaSource queries the remote quota endpoint. Implementations must not
// consume quota themselves.
type QuotaSource interface {
	Quota(ctx context.Context) (Quota, error)
}

// Config tunes the governor.
type Config struct {
	// MinDelay is the minimum spacing between consecutive remote calls.
	MinDelay time.Duration
	// Floor is the remaining-quota threshold below which work is refused.
	Floor int
	// RefreshInterval bounds how stale the cached quota may get before Guard
	// re-queries the quota endpoint.
	RefreshInterval time.Duration
	// Ample is the remaining quota at or above which a full batch is allowed.
	Ample int
	// CallsPerTask estimates remote calls consumed by one task.
	CallsPerTask int
	// SingleTaskBelow is the hard floor under which only one task is allowed.
	SingleTaskBelow int
}

// DefaultConfig returns the defaults used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		MinDelay:        500 * time.Millisecond,
		Floor:           100,
		RefreshInterval: time.Minute,
		Ample:           1000,
		CallsPerTask:    25,
		SingleTaskBelow: 200,
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig. MinDelay is left
// alone so tests can run without spacing.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Floor == 0 {
		c.Floor = d.Floor
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.Ample == 0 {
		c.Ample = d.Ample
	}
	if c.CallsPerTask == 0 {
		c.CallsPerTask = d.CallsPerTask
	}
	if c.SingleTaskBelow == 0 {
		c.SingleTaskBelow = d.SingleTaskBelow
	}
}

// Summary is what Usage reports.
type Summary struct {
	Known       bool      `json:"known"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	Reset       time.Time `json:"reset"`
	Floor       int       `json:"floor"`
	Calls       int       `json:"calls"`
	Mutations   int       `json:"mutations"`
	Refusals    int       `json:"refusals"`
	LastRefresh time.Time `json:"last_refresh"`
}

func (s Summary) String() string {
	if !s.Known {
		return fmt.Sprintf("quota unknown, %d calls (%d mutations), %d refused", s.Calls, s.Mutations, s.Refusals)
	}
	return fmt.Sprintf("%d/%d remaining (floor %d, resets %s), %d calls (%d mutations), %d refused",
		s.Remaining, s.Limit, s.Floor, s.Reset.Format(time.RFC3339), s.Calls, s.Mutations, s.Refusals)
}

// Governor is safe for concurrent use; its quota counter is the only shared
// mutable state in a run.
type Governor struct {
	cfg     Config
	source  QuotaSource
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	quota       Quota
	known       bool
	lastRefresh time.Time
	calls       int
	mutations   int
	refusals    int
}

// New creates a governor. source may be nil, in which case quota is only
// learned from call observations.
func New(cfg Config, source QuotaSource, log *zap.Logger) *Governor {
	cfg.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.MinDelay > 0 {
		limit = rate.Every(cfg.MinDelay)
	}
	return &Governor{
		cfg:     cfg,
		source:  source,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.Named("governor"),
		now:     time.Now,
	}
}

// Guard is called once per logical operation. It refreshes a stale quota
// snapshot and fails fast when the remaining quota is below the floor.
func (g *Governor) Guard(ctx context.Context) error {
	if err := g.refreshIfStale(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.known && g.quota.Remaining < g.cfg.Floor {
		return g.refuseLocked()
	}
	return nil
}

// Refresh queries the quota endpoint unconditionally.
func (g *Governor) Refresh(ctx context.Context) error {
	if g.source == nil {
		return nil
	}
	q, err := g.source.Quota(ctx)
	if err != nil {
		return fmt.Errorf("query quota: %w", err)
	}
	g.mu.Lock()
	g.quota = q
	g.known = true
	g.lastRefresh = g.now()
	g.mu.Unlock()

	metrics.QuotaRemaining.Set(float64(q.Remaining))
	g.log.Debug("quota refreshed", zap.Int("remaining", q.Remaining), zap.Int("limit", q.Limit))
	return nil
}

func (g *Governor) refreshIfStale(ctx context.Context) error {
	if g.source == nil {
		return nil
	}
	g.mu.Lock()
	stale := !g.known || g.now().Sub(g.lastRefresh) >= g.cfg.RefreshInterval
	known := g.known
	g.mu.Unlock()
	if !stale {
		return nil
	}

	err := g.Refresh(ctx)
	if err == nil {
		return nil
	}
	if known {
		// Keep going on the cached counter; it is decremented per call.
		g.log.Warn("quota refresh failed, using cached value", zap.Error(err))
		return nil
	}
	return err
}

// Do runs fn as one remote call: it waits out the minimum delay, refuses
// mutations below the floor and accounts the call. fn may return the quota
// the remote reported alongside its response; nil means none was reported.
func (g *Governor) Do(ctx context.Context, kind Kind, fn func(context.Context) (*Quota, error)) error {
	if kind == KindMutation {
		g.mu.Lock()
		if g.known && g.quota.Remaining < g.cfg.Floor {
			err := g.refuseLocked()
			g.mu.Unlock()
			return err
		}
		g.mu.Unlock()
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for call slot: %w", err)
	}

	observed, err := fn(ctx)

	g.mu.Lock()
	g.calls++
	if kind == KindMutation {
		g.mutations++
	}
	switch {
	case observed != nil && observed.Limit > 0:
		g.quota = *observed
		g.known = true
	case g.known && g.quota.Remaining > 0:
		g.quota.Remaining--
	}
	remaining := g.quota.Remaining
	g.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RemoteCalls.WithLabelValues(string(kind), result).Inc()
	metrics.QuotaRemaining.Set(float64(remaining))
	return err
}

// RecommendedBatchSize returns how many tasks the caller should dare to run
// given the current quota: the full request when quota is ample, a share
// scaled by CallsPerTask as it depletes, one below SingleTaskBelow and none
// below the floor. An unknown quota does not restrict the batch.
func (g *Governor) RecommendedBatchSize(requested int) int {
	if requested <= 0 {
		return 0
	}
	g.mu.Lock()
	known, remaining := g.known, g.quota.Remaining
	g.mu.Unlock()

	if !known {
		return requested
	}
	switch {
	case remaining < g.cfg.Floor:
		return 0
	case remaining < g.cfg.SingleTaskBelow:
		return 1
	case remaining >= g.cfg.Ample:
		return requested
	}
	n := (remaining - g.cfg.Floor) / g.cfg.CallsPerTask
	if n < 1 {
		n = 1
	}
	if n > requested {
		n = requested
	}
	return n
}

// Usage reports the governor's accounting so far.
func (g *Governor) Usage() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Summary{
		Known:       g.known,
		Limit:       g.quota.Limit,
		Remaining:   g.quota.Remaining,
		Reset:       g.quota.Reset,
		Floor:       g.cfg.Floor,
		Calls:       g.calls,
		Mutations:   g.mutations,
		Refusals:    g.refusals,
		LastRefresh: g.lastRefresh,
	}
}

// Exhaust marks the quota as spent until reset. The tracker calls it when
// the remote answers with a rate-limit error.
func (g *Governor) Exhaust(reset time.Time) {
	g.mu.Lock()
	g.quota.Remaining = 0
	if !reset.IsZero() {
		g.quota.Reset = reset
	}
	g.known = true
	g.mu.Unlock()
	metrics.QuotaRemaining.Set(0)
}

func (g *Governor) refuseLocked() error {
	g.refusals++
	metrics.Refusals.Inc()
	g.log.Warn("quota below floor, refusing",
		zap.Int("remaining", g.quota.Remaining),
		zap.Int("floor", g.cfg.Floor),
		zap.Time("reset", g.quota.Reset),
	)
	return fmt.Errorf("%w: %d remaining, floor %d, resets %s",
		ErrThrottled, g.quota.Remaining, g.cfg.Floor, g.quota.Reset.Format(time.RFC3339))
}
