// internal/control/surface_test.go
package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGateBlocksUntilResume(t *testing.T) {
	s := New()
	require.NoError(t, s.Wait(context.Background()), "a new surface is open")

	s.Pause()
	assert.True(t, s.Paused())

	released := make(chan error, 1)
	go func() { released <- s.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	s.Resume()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resume")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	s := New()
	s.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestPauseResumeAreIdempotent(t *testing.T) {
	s := New()
	s.Resume()
	s.Pause()
	s.Pause()
	s.Resume()
	s.Resume()
	assert.False(t, s.Paused())

	assert.True(t, s.Toggle())
	assert.False(t, s.Toggle())
}

func TestSkipIsOneShot(t *testing.T) {
	s := New()
	assert.False(t, s.TakeSkip())

	s.RequestSkip()
	s.RequestSkip()
	assert.True(t, s.SkipPending())
	assert.True(t, s.TakeSkip())
	assert.False(t, s.TakeSkip())
	assert.False(t, s.SkipPending())
}

func TestConcurrentSkipIsTakenOnce(t *testing.T) {
	s := New()
	s.RequestSkip()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TakeSkip() {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, taken)
}

func TestSubscribe(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()

	s.Pause()
	assert.Equal(t, State{Paused: true}, <-ch)

	s.RequestSkip()
	assert.Equal(t, State{Paused: true, SkipPending: true}, <-ch)

	// Unread changes collapse to the latest state.
	s.Resume()
	s.TakeSkip()
	assert.Equal(t, State{}, <-ch)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	s.Pause()
	assert.Equal(t, State{Paused: true}, s.State())
}
