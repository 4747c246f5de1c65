package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imkarma/issueflow/internal/git"
	"github.com/imkarma/issueflow/internal/metrics"
	"github.com/imkarma/issueflow/internal/orchestrator"
	"github.com/imkarma/issueflow/internal/worker"
	"github.com/imkarma/issueflow/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run <issue>...",
	Short: "Run a batch of issues in dependency order",
	Long: `Validates every issue in the batch, orders them by blocked-by edges and
works through them one at a time: todo -> in-progress, agent run on a fresh
branch, pull request, in-review.

A task that fails is moved to needs-human-help with a comment, and every
task it transitively blocks is skipped. Independent tasks still run.

Exit status is 0 when every task completed, 1 when some did not, and 2 when
the batch was rejected before any work started.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runAllowPartial bool
	runJSON         bool
	runMetricsAddr  string
)

func init() {
	runCmd.Flags().BoolVar(&runAllowPartial, "allow-partial", false, "Drop tasks that fail preflight instead of rejecting the batch")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run report as JSON")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run (overrides metrics.addr)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return fatal(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	cfg := st.cfg
	if runAllowPartial {
		cfg.Orchestrator.AllowPartial = true
	}

	ledger, err := mustStore()
	if err != nil {
		return err
	}
	defer ledger.Close()

	repoDir, err := os.Getwd()
	if err != nil {
		return fatal(err)
	}
	repo := git.New(repoDir)
	if !repo.IsGitRepo(ctx) {
		return fatal(fmt.Errorf("%s is not a git repository", repoDir))
	}
	if !worker.CLIAvailable(cfg.Agent.Cmd) {
		return fatal(fmt.Errorf("agent %q not found in PATH", cfg.Agent.Cmd))
	}

	ocfg := orchestrator.ConfigFrom(cfg)
	switch {
	case ocfg.DocsRoot == "":
		ocfg.DocsRoot = repoDir
	case !filepath.IsAbs(ocfg.DocsRoot):
		ocfg.DocsRoot = filepath.Join(repoDir, ocfg.DocsRoot)
	}
	if ocfg.BaseBranch == "" {
		base, err := repo.BaseBranch(ctx)
		if err != nil {
			return fatal(fmt.Errorf("detect base branch: %w", err))
		}
		ocfg.BaseBranch = base
	}

	addr := runMetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		shutdown := serveMetrics(addr, st.log)
		defer shutdown()
	}

	w := worker.NewAgentWorker(worker.NewCLIRunner(cfg.Agent), worker.AgentConfig{
		RepoDir:    repoDir,
		BaseBranch: ocfg.BaseBranch,
		Remote:     cfg.GitHub.Remote,
		Timeout:    cfg.Agent.EffectiveTimeout(),
	}, st.log)
	machine := workflow.NewMachine(st.tracker, cfg.Workflow.SettleInterval, st.log)

	coord := orchestrator.New(st.tracker, st.gov, w, ocfg,
		orchestrator.WithLedger(ledger),
		orchestrator.WithLogger(st.log),
		orchestrator.WithMachine(machine),
		orchestrator.WithLocalBranches(w.LocalBranchExists),
	)

	report, runErr := coord.Run(ctx, ids)

	out := cmd.OutOrStdout()
	if runJSON {
		if err := printReportJSON(out, report); err != nil {
			return err
		}
	} else {
		printReport(out, report, runErr)
	}

	if code := runExitCode(report, runErr); code != exitOK {
		return &ExitError{Code: code}
	}
	return nil
}

// serveMetrics starts the metrics endpoint and returns a func that stops it.
func serveMetrics(addr string, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("metrics shutdown", zap.Error(err))
		}
	}
}
