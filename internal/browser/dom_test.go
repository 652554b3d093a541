// internal/browser/dom_test.go
package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElementScriptEmbedsArguments(t *testing.T) {
	script := ElementScript(`input[name="q"]`, OpAttribute, "data-id")
	assert.Contains(t, script, `"input[name=\"q\"]"`)
	assert.Contains(t, script, `["data-id"]`)
	assert.Contains(t, script, "XPathResult.FIRST_ORDERED_NODE_TYPE")

	script = ElementScript("#x", OpClick)
	assert.Contains(t, script, "const a = [];")
	assert.Contains(t, script, "el.click()")
}

func TestDecodeState(t *testing.T) {
	st, err := DecodeState("#email", []byte(`{"found":true,"value":{"visible":true,"enabled":false,"checked":false,"text":"Email","value":"ada","tagName":"input"}}`))
	require.NoError(t, err)
	assert.Equal(t, &ElementState{Visible: true, Text: "Email", Value: "ada", TagName: "input"}, st)

	_, err = DecodeState("#missing", []byte(`{"found":false}`))
	assert.ErrorIs(t, err, ErrNoSuchElement)

	_, err = DecodeState("#x", []byte(`not json`))
	assert.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestDecodeAttribute(t *testing.T) {
	v, ok, err := DecodeAttribute("#a", []byte(`{"found":true,"value":"https://example.test"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://example.test", v)

	_, ok, err = DecodeAttribute("#a", []byte(`{"found":true,"value":null}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeSelected(t *testing.T) {
	assert.NoError(t, DecodeSelected("#c", "FR", []byte(`{"found":true,"value":true}`)))
	err := DecodeSelected("#c", "XX", []byte(`{"found":true,"value":false}`))
	assert.ErrorIs(t, err, ErrNoSuchElement)
	assert.Contains(t, err.Error(), `no option "XX"`)
}

func TestPollCondition(t *testing.T) {
	t.Run("holds after a few polls", func(t *testing.T) {
		var calls atomic.Int32
		query := func(ctx context.Context, sel string) (*ElementState, error) {
			if calls.Add(1) < 3 {
				return nil, ErrNoSuchElement
			}
			return &ElementState{Visible: true, Enabled: true}, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, PollCondition(ctx, query, "#b", ConditionClickable, time.Millisecond))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("absent holds on missing element", func(t *testing.T) {
		query := func(ctx context.Context, sel string) (*ElementState, error) { return nil, ErrStaleElement }
		assert.NoError(t, PollCondition(context.Background(), query, "#b", ConditionAbsent, time.Millisecond))
	})

	t.Run("deadline becomes ErrTimeout", func(t *testing.T) {
		query := func(ctx context.Context, sel string) (*ElementState, error) { return &ElementState{}, nil }
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := PollCondition(ctx, query, "#b", ConditionVisible, 5*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("cancellation is returned as is", func(t *testing.T) {
		query := func(ctx context.Context, sel string) (*ElementState, error) { return &ElementState{}, nil }
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := PollCondition(ctx, query, "#b", ConditionVisible, time.Millisecond)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("unknown condition", func(t *testing.T) {
		assert.Error(t, PollCondition(context.Background(), nil, "#b", Condition("glowing"), time.Millisecond))
	})
}

func TestClassifyError(t *testing.T) {
	bg := context.Background()
	assert.NoError(t, ClassifyError(bg, "click", nil))

	err := ClassifyError(bg, "click", errors.New("Execution context was destroyed, most likely because of a navigation"))
	assert.ErrorIs(t, err, ErrStaleElement)

	err = ClassifyError(bg, "query", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)

	wrapped := ClassifyError(bg, "focus", ErrNoSuchElement)
	assert.ErrorIs(t, wrapped, ErrNoSuchElement)

	other := ClassifyError(bg, "navigate", errors.New("net::ERR_NAME_NOT_RESOLVED"))
	assert.False(t, IsTransient(other))
	assert.Contains(t, other.Error(), "navigate")

	ctx, cancel := context.WithCancel(bg)
	cancel()
	assert.ErrorIs(t, ClassifyError(ctx, "click", errors.New("boom")), context.Canceled)
}
