// File: cmd/validate.go
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/detector"
	"github.com/xkilldash9x/pageflow/internal/observability"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

func newValidateCmd() *cobra.Command {
	var normalized bool

	validateCmd := &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Check a workflow file without opening a browser",
		Long: `Decodes the workflow, validates every page and action, and compiles the
page identifiers the detector will use. With --print the workflow is written
back out with all defaults applied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runValidate(observability.GetLogger(), cfg, cmd.OutOrStdout(), args[0], normalized)
		},
	}

	validateCmd.Flags().BoolVar(&normalized, "print", false, "Print the workflow with defaults applied")
	return validateCmd
}

func runValidate(logger *zap.Logger, cfg config.Interface, out io.Writer, path string, normalized bool) error {
	spec, err := workflow.Load(path)
	if err != nil {
		return err
	}
	if _, err := detector.New(spec, cfg.Engine().Detector, logger); err != nil {
		return fmt.Errorf("failed to build page detector: %w", err)
	}

	if normalized {
		data, err := workflow.Marshal(spec)
		if err != nil {
			return fmt.Errorf("failed to encode workflow: %w", err)
		}
		_, err = out.Write(data)
		return err
	}

	ids := make([]string, 0, len(spec.Pages))
	for _, p := range spec.Pages {
		ids = append(ids, p.ID)
	}
	_, err = fmt.Fprintf(out, "Workflow %q is valid: %d pages (%s)\n", workflowName(spec, path), len(spec.Pages), strings.Join(ids, " -> "))
	return err
}
