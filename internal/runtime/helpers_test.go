package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/corrflow/internal/runtime/correlation"
	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
	"github.com/drblury/corrflow/internal/runtime/plan"
)

const (
	forwardRule   = "from rb_flow select src, dst, bytes insert into rb_out;"
	thresholdRule = "from rb_flow[bytes >= 50] select src, dst, bytes insert into big_flows;"
	admitted      = correlation.NamespaceSentinel
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func newTestEngine(t *testing.T) *correlation.Engine {
	t.Helper()
	engine := correlation.NewEngine(newTestLogger())
	t.Cleanup(engine.Close)
	return engine
}

func mustPlan(t *testing.T, id string, outputs map[string]string, rule string) *plan.Descriptor {
	t.Helper()
	desc, err := plan.New(id, []string{"raw"}, outputs, rule)
	require.NoError(t, err)
	return desc
}

func forwardPlan(t *testing.T, id string) *plan.Descriptor {
	return mustPlan(t, id, map[string]string{"rb_out": id + "-out"}, forwardRule)
}

func flow(src, dst string, bytes int) correlation.RawEvent {
	return correlation.RawEvent{Src: src, Dst: dst, NamespaceUUID: admitted, Bytes: bytes}
}

type recordingSink struct {
	mu   sync.Mutex
	rows []OutputRow
	err  error
}

func (s *recordingSink) Deliver(_ context.Context, row OutputRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return s.err
}

func (s *recordingSink) Rows() []OutputRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutputRow(nil), s.rows...)
}

func (s *recordingSink) waitForRows(t *testing.T, n int) []OutputRow {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Rows()) >= n }, 2*time.Second, 5*time.Millisecond)
	return s.Rows()
}

type hookRecorder struct {
	mu      sync.Mutex
	started []string
	stopped []string
	failed  []string
}

func (h *hookRecorder) hooks() PlanHooks {
	return PlanHooks{
		OnPlanStarted: func(evt PlanEvent) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.started = append(h.started, evt.PlanID)
		},
		OnPlanStopped: func(evt PlanEvent) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.stopped = append(h.stopped, evt.PlanID)
		},
		OnPlanStartFailed: func(evt PlanEvent, err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.failed = append(h.failed, evt.PlanID)
		},
	}
}

func (h *hookRecorder) counts() (started, stopped, failed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.started), len(h.stopped), len(h.failed)
}
