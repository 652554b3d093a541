// internal/browser/cdp/session_test.go
package cdp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/config"
)

func TestAllocatorOptions(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions)

	opts := AllocatorOptions(config.BrowserConfig{})
	assert.Len(t, opts, base+5)

	opts = AllocatorOptions(config.BrowserConfig{
		Headless:     true,
		WindowWidth:  1280,
		WindowHeight: 800,
		UserDataDir:  "/tmp/profile",
		Args:         []string{"--lang=en-US", "mute-audio", "--"},
	})
	// gpu, window size, user data dir and two extra flags.
	assert.Len(t, opts, base+5+5)
}

func dispatched(t *testing.T, tasks chromedp.Tasks) []*input.DispatchKeyEventParams {
	t.Helper()
	out := make([]*input.DispatchKeyEventParams, 0, len(tasks))
	for _, task := range tasks {
		p, ok := task.(*input.DispatchKeyEventParams)
		require.True(t, ok, "unexpected task %T", task)
		out = append(out, p)
	}
	return out
}

func TestChord(t *testing.T) {
	t.Run("plain enter types a carriage return", func(t *testing.T) {
		tasks, err := chord([]string{"Enter"})
		require.NoError(t, err)
		events := dispatched(t, tasks)
		require.Len(t, events, 2)
		assert.Equal(t, input.KeyDown, events[0].Type)
		assert.Equal(t, "Enter", events[0].Key)
		assert.Equal(t, "\r", events[0].Text)
		assert.Equal(t, input.KeyUp, events[1].Type)
	})

	t.Run("modifiers suppress text", func(t *testing.T) {
		tasks, err := chord(browser.SplitChord("Control+Shift+a"))
		require.NoError(t, err)
		events := dispatched(t, tasks)
		require.Len(t, events, 2)
		assert.Equal(t, input.ModifierCtrl|input.ModifierShift, events[0].Modifiers)
		assert.Equal(t, "a", events[0].Key)
		assert.Empty(t, events[0].Text)
	})

	t.Run("shift uppercases text", func(t *testing.T) {
		tasks, err := chord([]string{"Shift", "b"})
		require.NoError(t, err)
		events := dispatched(t, tasks)
		assert.Equal(t, "B", events[0].Text)
	})

	t.Run("modifiers only", func(t *testing.T) {
		_, err := chord([]string{"Control", "Alt"})
		assert.Error(t, err)
	})

	t.Run("unknown key name", func(t *testing.T) {
		_, err := chord([]string{"Hyper"})
		assert.ErrorContains(t, err, "unknown key")
	})
}

const fixturePage = `<!doctype html>
<html><head><title>Sign in</title></head>
<body>
<input id="email" name="email">
<select id="country"><option value="fr">France</option><option value="de">Germany</option></select>
<button id="go" data-role="submit" onclick="document.title='Clicked ' + document.getElementById('email').value">Go</button>
</body></html>`

// TestSessionAgainstChrome needs a local Chrome; set PAGEFLOW_CHROME_TESTS=1 to run it.
func TestSessionAgainstChrome(t *testing.T) {
	if os.Getenv("PAGEFLOW_CHROME_TESTS") == "" {
		t.Skip("set PAGEFLOW_CHROME_TESTS=1 to run against a local Chrome")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fixturePage)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s, err := New(ctx, config.BrowserConfig{Headless: true, WindowWidth: 1024, WindowHeight: 768}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Navigate(ctx, srv.URL+"/login"))
	title, err := s.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Sign in", title)

	state, err := s.ReadyState(ctx)
	require.NoError(t, err)
	assert.Equal(t, browser.ReadyStateComplete, state)

	_, err = s.Query(ctx, "#missing")
	assert.ErrorIs(t, err, browser.ErrNoSuchElement)

	require.NoError(t, s.WaitFor(ctx, "#email", browser.ConditionClickable))
	require.NoError(t, s.SendKeys(ctx, "#email", "ada@example.test"))
	st, err := s.Query(ctx, "//input[@id='email']")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.test", st.Value)

	require.NoError(t, s.SelectOption(ctx, "#country", "Germany", browser.SelectByText))
	assert.ErrorIs(t, s.SelectOption(ctx, "#country", "Spain", browser.SelectByText), browser.ErrNoSuchElement)

	role, ok, err := s.Attribute(ctx, "#go", "data-role")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "submit", role)

	require.NoError(t, s.Click(ctx, "#go"))
	title, err = s.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Clicked ada@example.test", title)

	windows, err := s.Windows(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, windows)
	require.NoError(t, s.SwitchWindow(ctx, windows[0]))
}
