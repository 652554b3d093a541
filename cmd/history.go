// File: cmd/history.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
	"github.com/xkilldash9x/pageflow/internal/observability"
	"github.com/xkilldash9x/pageflow/internal/store"
)

// storeProvider creates the run repository. Tests inject their own.
type storeProvider interface {
	// Create returns the repository, or nil when persistence is disabled,
	// and a cleanup function that is always safe to call.
	Create(ctx context.Context, cfg config.Interface) (store.Repository, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the provider backed by the configured store driver.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (store.Repository, func(), error) {
	return store.Open(ctx, cfg.Store(), observability.GetLogger())
}

var errStoreDisabled = errors.New("no run store configured (set store.driver to postgres or sqlite)")

func newHistoryCmd(provider storeProvider) *cobra.Command {
	var (
		limit  int
		runID  string
		asJSON bool
	)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List persisted runs or the decision log of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runHistory(ctx, observability.GetLogger(), cfg, provider, cmd.OutOrStdout(), runID, limit, asJSON)
		},
	}

	historyCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	historyCmd.Flags().StringVar(&runID, "run", "", "Show the decisions of this run instead of the run list")
	historyCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return historyCmd
}

func runHistory(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider storeProvider, out io.Writer, runID string, limit int, asJSON bool) error {
	repo, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	if repo == nil {
		return errStoreDisabled
	}

	if runID != "" {
		entries, err := repo.Decisions(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to load decisions of run %s: %w", runID, err)
		}
		logger.Debug("Loaded decisions.", zap.String("run_id", runID), zap.Int("count", len(entries)))
		if asJSON {
			return printJSON(out, entries)
		}
		if len(entries) == 0 {
			_, err := fmt.Fprintf(out, "No decisions recorded for run %s.\n", runID)
			return err
		}
		_, err = fmt.Fprintln(out, decisionsTable(entries))
		return err
	}

	runs, err := repo.ListRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if asJSON {
		return printJSON(out, runs)
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "No runs recorded.")
		return err
	}
	_, err = fmt.Fprintln(out, runsTable(runs))
	return err
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize output to JSON: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

var headerStyle = lipgloss.NewStyle().Bold(true)

func runsTable(runs []store.Run) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle()
		}).
		Headers("RUN", "WORKFLOW", "STARTED", "DURATION", "STATUS", "FAILURE")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		t.Row(r.ID, r.Workflow, r.StartedAt.Local().Format(time.DateTime), duration, r.Status, r.Failure)
	}
	return t.Render()
}

func decisionsTable(entries []decisionlog.Entry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle()
		}).
		Headers("STEP", "PHASE", "PAGE", "EXPECTED", "CONF", "METHOD", "STRATEGY", "RESULT", "ACTION", "DETAIL")
	for _, e := range entries {
		conf := ""
		if e.Confidence > 0 {
			conf = strconv.FormatFloat(e.Confidence, 'f', 2, 64)
		}
		action := ""
		if e.ActionIndex >= 0 {
			action = strconv.Itoa(e.ActionIndex)
		}
		t.Row(strconv.Itoa(e.Step), string(e.Phase), e.PageID, e.ExpectedPageID, conf, e.Method, e.Strategy, e.Result, action, e.Detail)
	}
	return t.Render()
}
