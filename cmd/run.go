// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xkilldash9x/pageflow/internal/action"
	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/browser/cdp"
	rodsession "github.com/xkilldash9x/pageflow/internal/browser/rod"
	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/control"
	"github.com/xkilldash9x/pageflow/internal/control/httpapi"
	"github.com/xkilldash9x/pageflow/internal/control/panel"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
	"github.com/xkilldash9x/pageflow/internal/detector"
	"github.com/xkilldash9x/pageflow/internal/executor"
	"github.com/xkilldash9x/pageflow/internal/humanoid"
	"github.com/xkilldash9x/pageflow/internal/observability"
	"github.com/xkilldash9x/pageflow/internal/orchestrator"
	"github.com/xkilldash9x/pageflow/internal/store"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

const recentDecisions = 256

// sessionFactory opens the browser session a run drives.
type sessionFactory func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser.Session, error)

func defaultSessionFactory(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser.Session, error) {
	if cfg.Backend == config.BackendRod {
		s, err := rodsession.New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := cdp.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type runOptions struct {
	workflowPath string
	startURL     string
	headless     bool
	backend      string
	vars         []string
	panel        bool
	httpAddr     string
}

// apply copies the flags the user set onto cfg.
func (o runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("start-url") {
		cfg.SetBrowserStartURL(o.startURL)
	}
	if flags.Changed("headless") {
		cfg.SetBrowserHeadless(o.headless)
	}
	if flags.Changed("backend") {
		cfg.SetBrowserBackend(o.backend)
	}
	if flags.Changed("panel") {
		cfg.SetControlPanel(o.panel)
	}
	if flags.Changed("http-addr") {
		cfg.SetControlHTTPAddr(o.httpAddr)
	}
}

func newRunCmd(newSession sessionFactory, provider storeProvider) *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow against a live browser",
		Long: `Loads the workflow, opens a browser session and drives it page by page.
The run recovers from unexpected navigation and reports the page and action
it stopped at when it cannot complete.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			opts.workflowPath = args[0]
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			report, err := runWorkflow(ctx, logger, cfg, opts, newSession, provider)
			if report != nil && report.Completed {
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s completed: %s\n", report.RunID, strings.Join(report.Visited, " -> "))
			}
			return err
		},
	}

	runCmd.Flags().StringVar(&opts.startURL, "start-url", "", "URL to open before the first page (overrides the workflow's start_url)")
	runCmd.Flags().BoolVar(&opts.headless, "headless", false, "Run the browser headless")
	runCmd.Flags().StringVar(&opts.backend, "backend", config.BackendChromedp, "Browser backend: chromedp or rod")
	runCmd.Flags().StringArrayVar(&opts.vars, "var", nil, "Value for a {name} placeholder, as name=value (repeatable)")
	runCmd.Flags().BoolVar(&opts.panel, "panel", false, "Show the terminal control panel")
	runCmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "Serve the HTTP control API on this address")
	return runCmd
}

func parseVars(pairs []string) (action.MapResolver, error) {
	vars := make(action.MapResolver, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: expected name=value", pair)
		}
		vars[name] = value
	}
	return vars, nil
}

// runWorkflow wires the engine together and runs it to completion. The
// report is returned even when the run fails.
func runWorkflow(
	ctx context.Context,
	logger *zap.Logger,
	cfg *config.Config,
	opts runOptions,
	newSession sessionFactory,
	provider storeProvider,
) (*orchestrator.Report, error) {
	spec, err := workflow.Load(opts.workflowPath)
	if err != nil {
		return nil, err
	}
	resolver, err := parseVars(opts.vars)
	if err != nil {
		return nil, err
	}
	det, err := detector.New(spec, cfg.Engine().Detector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build page detector: %w", err)
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	repo, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	recent := decisionlog.NewMemory(recentDecisions)
	recorders := []decisionlog.Recorder{decisionlog.NewZap(logger), recent}
	if repo != nil {
		recorders = append(recorders, store.Recorder(repo, logger))
	}
	recorder := decisionlog.Stamp(decisionlog.Multi(recorders...), runID)

	callbacks := action.NewRegistry()
	if err := action.RegisterBuiltins(callbacks, logger); err != nil {
		return nil, err
	}

	surface := control.New()
	runner := action.NewRunner(cfg.Engine().Action, humanoid.New(cfg.Humanoid()), callbacks, logger)
	exec := executor.New(det, runner, surface, recorder, logger)

	orch, err := orchestrator.New(spec, det, exec, cfg.Engine().Orchestrator, logger,
		orchestrator.WithRecorder(recorder),
		orchestrator.WithRunID(runID),
		orchestrator.WithControl(surface),
		orchestrator.WithStartURL(cfg.Browser().StartURL),
		orchestrator.WithResolver(resolver),
	)
	if err != nil {
		return nil, err
	}

	sess, err := newSession(ctx, cfg.Browser(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("Failed to close browser session.", zap.Error(err))
		}
	}()

	if repo != nil {
		if err := repo.BeginRun(ctx, store.Run{ID: runID, Workflow: workflowName(spec, opts.workflowPath), StartedAt: time.Now()}); err != nil {
			logger.Warn("Failed to persist run start.", zap.Error(err))
		}
	}

	var (
		report *orchestrator.Report
		runErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	g.Go(func() error {
		defer stopAux()
		report, runErr = orch.Run(gctx, sess)
		return nil
	})
	if addr := cfg.Control().HTTPAddr; addr != "" {
		handlers := httpapi.NewHandlers(logger, surface, recent, runID)
		g.Go(func() error {
			return httpapi.Serve(auxCtx, addr, handlers.Router(), logger)
		})
	}
	if cfg.Control().Panel {
		g.Go(func() error {
			return panel.Run(auxCtx, panel.New(surface, recent, runID), tea.WithAltScreen())
		})
	}
	auxErr := g.Wait()

	if repo != nil {
		status, failure := runStatus(runErr)
		if err := repo.FinishRun(context.WithoutCancel(ctx), runID, status, failure); err != nil {
			logger.Warn("Failed to persist run result.", zap.Error(err))
		}
	}

	// A control surface that failed to start cancels the run; report its error.
	if auxErr != nil && !errors.Is(auxErr, context.Canceled) && (runErr == nil || errors.Is(runErr, context.Canceled)) {
		return report, auxErr
	}
	return report, runErr
}

func runStatus(err error) (status, failure string) {
	switch {
	case err == nil:
		return store.StatusCompleted, ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return store.StatusCanceled, err.Error()
	default:
		return store.StatusFailed, err.Error()
	}
}

func workflowName(spec *workflow.Spec, path string) string {
	if spec.Name != "" {
		return spec.Name
	}
	return path
}
