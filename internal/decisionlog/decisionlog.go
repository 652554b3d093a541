// internal/decisionlog/decisionlog.go
package decisionlog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase names the step of the engine that produced an entry.
type Phase string

const (
	PhaseIdentify   Phase = "identify"
	PhaseFallback   Phase = "fallback"
	PhaseResync     Phase = "resync"
	PhaseExecute    Phase = "execute"
	PhaseFault      Phase = "fault"
	PhaseRecovery   Phase = "recovery"
	PhaseTransition Phase = "transition"
	PhaseSkip       Phase = "skip"
	PhaseComplete   Phase = "complete"
	PhaseFail       Phase = "fail"
)

// Entry is one decision the engine made during a run. Fields that do not
// apply to a phase are left zero.
type Entry struct {
	RunID          string    `json:"run_id"`
	Step           int       `json:"step"`
	Phase          Phase     `json:"phase"`
	PageID         string    `json:"page_id,omitempty"`
	ExpectedPageID string    `json:"expected_page_id,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Method         string    `json:"method,omitempty"`
	Strategy       string    `json:"strategy,omitempty"`
	Result         string    `json:"result,omitempty"`
	ActionIndex    int       `json:"action_index"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

// Recorder receives decision entries. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, e Entry)

func (f RecorderFunc) Record(ctx context.Context, e Entry) { f(ctx, e) }

// Nop discards every entry.
var Nop Recorder = RecorderFunc(func(context.Context, Entry) {})

type multi []Recorder

func (m multi) Record(ctx context.Context, e Entry) {
	for _, r := range m {
		r.Record(ctx, e)
	}
}

// Multi fans entries out to every non-nil recorder in order.
func Multi(recs ...Recorder) Recorder {
	var out multi
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return Nop
	case 1:
		return out[0]
	}
	return out
}

// Stamp returns a recorder that fills RunID and At before forwarding.
func Stamp(next Recorder, runID string) Recorder {
	return RecorderFunc(func(ctx context.Context, e Entry) {
		if e.RunID == "" {
			e.RunID = runID
		}
		if e.At.IsZero() {
			e.At = time.Now().UTC()
		}
		next.Record(ctx, e)
	})
}

// ZapRecorder writes entries to a structured logger.
type ZapRecorder struct {
	logger *zap.Logger
}

// NewZap creates a recorder logging under the "decision" name.
func NewZap(logger *zap.Logger) *ZapRecorder {
	return &ZapRecorder{logger: logger.Named("decision")}
}

func (z *ZapRecorder) Record(_ context.Context, e Entry) {
	fields := []zap.Field{
		zap.String("run_id", e.RunID),
		zap.Int("step", e.Step),
		zap.String("phase", string(e.Phase)),
	}
	if e.PageID != "" {
		fields = append(fields, zap.String("page_id", e.PageID), zap.Float64("confidence", e.Confidence))
	}
	if e.ExpectedPageID != "" {
		fields = append(fields, zap.String("expected_page_id", e.ExpectedPageID))
	}
	if e.Method != "" {
		fields = append(fields, zap.String("method", e.Method))
	}
	if e.Strategy != "" {
		fields = append(fields, zap.String("strategy", e.Strategy))
	}
	if e.Result != "" {
		fields = append(fields, zap.String("result", e.Result))
	}
	if e.ActionIndex >= 0 {
		fields = append(fields, zap.Int("action_index", e.ActionIndex))
	}

	msg := "Decision recorded."
	if e.Detail != "" {
		msg = e.Detail
	}
	switch e.Phase {
	case PhaseFail:
		z.logger.Error(msg, fields...)
	case PhaseFault, PhaseRecovery, PhaseSkip:
		z.logger.Warn(msg, fields...)
	default:
		z.logger.Info(msg, fields...)
	}
}

// Memory keeps the most recent entries in a ring buffer for the control
// surfaces to display.
type Memory struct {
	mu    sync.RWMutex
	buf   []Entry
	next  int
	full  bool
	total int
}

// NewMemory creates a ring holding up to size entries.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1
	}
	return &Memory{buf: make([]Entry, size)}
}

func (m *Memory) Record(_ context.Context, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.next] = e
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	m.total++
}

// Recent returns up to limit entries, oldest first. A non-positive limit
// returns everything retained.
func (m *Memory) Recent(limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = len(m.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	start := m.next - limit
	if start < 0 {
		start += len(m.buf)
	}
	for i := 0; i < limit; i++ {
		out = append(out, m.buf[(start+i)%len(m.buf)])
	}
	return out
}

// Total is the number of entries ever recorded, including evicted ones.
func (m *Memory) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}
