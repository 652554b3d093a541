// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/browser/browsertest"
	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/observability"
	"github.com/xkilldash9x/pageflow/internal/store"
)

const twoStepYAML = `
name: two-step
pages:
  - id: A
    primary_identifier: {type: url, pattern: "/step1$"}
    next_pages: [B]
    actions:
      - {type: input, selector: "#email", value: "{email}", typing: instant}
      - {type: click, selector: "#submit"}
  - id: B
    primary_identifier: {type: url, pattern: "/step2$"}
    actions:
      - {type: delay, duration: 0.01}
`

// fastConfigYAML shrinks every wait so a scripted run finishes in milliseconds.
const fastConfigYAML = `
logger:
  level: error
humanoid:
  enabled: false
engine:
  orchestrator:
    max_fallback_retries: 3
    retry_wait_min: 1ms
    retry_wait_max: 2ms
    poll_min: 10ms
    poll_max: 20ms
    settle_delay: 5ms
    transition_timeout: 5s
    skip_wait_timeout: 2s
  action:
    default_max_retries: 2
    delay_slice: 5ms
    element_timeout: 50ms
    retry_backoff: 1ms
    not_found_backoff: 1ms
    loading_settle: 1ms
store:
  driver: sqlite
  sqlite_path: %s
`

// resetForTest clears the package and logger state shared between commands.
func resetForTest(t *testing.T) {
	t.Helper()
	cfgFile = ""
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// testEnv is a temp directory holding a workflow, a fast config and a sqlite store.
type testEnv struct {
	dir      string
	workflow string
	config   string
	dbPath   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	resetForTest(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "runs.db")
	return &testEnv{
		dir:      dir,
		workflow: writeFile(t, dir, "flow.yaml", twoStepYAML),
		config:   writeFile(t, dir, "pageflow.yaml", fmt.Sprintf(fastConfigYAML, db)),
		dbPath:   db,
	}
}

// scriptedSession is the two-step site: clicking #submit on step1 lands on step2.
func scriptedSession() *browsertest.Session {
	sess := browsertest.New("https://x.test/step1", "Sign up")
	sess.SetElement("#email", browsertest.Visible())
	submit := browsertest.Visible()
	submit.OnClick = func(s *browsertest.Session) { s.SetURL("https://x.test/step2") }
	sess.SetElement("#submit", submit)
	return sess
}

func sessionsOf(sess *browsertest.Session) sessionFactory {
	return func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser.Session, error) {
		return sess, nil
	}
}

// execute runs a fresh command tree with args and returns its stdout.
func execute(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// runIDFrom extracts the run id from the "Run <id> completed" line.
func runIDFrom(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "Run "); ok {
			id, _, found := strings.Cut(rest, " ")
			require.True(t, found)
			return id
		}
	}
	t.Fatalf("no run id in output %q", out)
	return ""
}

// nilStoreProvider simulates a disabled store.
type nilStoreProvider struct{}

func (nilStoreProvider) Create(ctx context.Context, cfg config.Interface) (store.Repository, func(), error) {
	return nil, func() {}, nil
}

type failingStoreProvider struct{ err error }

func (p failingStoreProvider) Create(ctx context.Context, cfg config.Interface) (store.Repository, func(), error) {
	return nil, nil, p.err
}
