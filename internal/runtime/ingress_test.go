package runtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/corrflow/internal/runtime/correlation"
	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
)

func newTestIngress(t *testing.T) (*Ingress, *Registry, *recordingSink, *Metrics) {
	t.Helper()
	reg, sink := newTestRegistry(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	reg.hooks = MetricsHooks(metrics)
	return NewIngress(reg, newTestLogger(), metrics), reg, sink, metrics
}

func TestIngress_RouteFansOutToEveryRunningPlan(t *testing.T) {
	ingress, reg, sink, metrics := newTestIngress(t)
	require.NoError(t, reg.Register(forwardPlan(t, "one")))
	require.NoError(t, reg.Register(forwardPlan(t, "two")))

	require.NoError(t, ingress.Route(flow("A", "B", 10)))
	require.NoError(t, reg.Close())

	byPlan := map[string]int{}
	for _, row := range sink.Rows() {
		byPlan[row.PlanID]++
	}
	assert.Equal(t, map[string]int{"one": 1, "two": 1}, byPlan)
	// Stopping a plan drops its counters.
	assert.Empty(t, metrics.Snapshot().Plans)
}

func TestIngress_RouteWhilePlansChange(t *testing.T) {
	ingress, reg, sink, _ := newTestIngress(t)
	require.NoError(t, reg.Register(forwardPlan(t, "stable")))
	require.NoError(t, ingress.Route(flow("A", "B", 0)))

	stop := make(chan struct{})
	routeErrs := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := ingress.Route(flow("A", "B", i)); err != nil {
				routeErrs <- err
				return
			}
		}
	}()

	for i := range 40 {
		id := fmt.Sprintf("churn-%d", i%4)
		require.NoError(t, reg.Register(forwardPlan(t, id)))
		assert.Contains(t, reg.ListActive(), id)
		require.NoError(t, reg.Replace(mustPlan(t, id, map[string]string{"rb_out": id + "-big"}, forwardRule)))
		assert.Contains(t, reg.ListActive(), "stable")
		require.NoError(t, reg.Unregister(id))
	}
	close(stop)
	wg.Wait()

	select {
	case err := <-routeErrs:
		t.Fatalf("route failed: %v", err)
	default:
	}
	assert.Equal(t, []string{"stable"}, reg.ListActive())
	assert.Equal(t, 1, reg.engine.InstanceCount())
	require.Eventually(t, func() bool {
		for _, row := range sink.Rows() {
			if row.PlanID == "stable" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIngress_RouteCountsPushesPerPlan(t *testing.T) {
	ingress, reg, _, metrics := newTestIngress(t)
	require.NoError(t, reg.Register(forwardPlan(t, "one")))

	require.NoError(t, ingress.Route(flow("A", "B", 1)))
	require.NoError(t, ingress.Route(flow("A", "B", 2)))

	counters := metrics.Snapshot().Plans["one"]
	assert.Equal(t, uint64(2), counters.EventsPushed)
	assert.Zero(t, counters.PushFailures)
}

func TestIngress_RouteWithoutPlansIsNotAnError(t *testing.T) {
	ingress, _, sink, _ := newTestIngress(t)
	assert.NoError(t, ingress.Route(flow("A", "B", 1)))
	assert.Empty(t, sink.Rows())
}

func TestIngress_RouteFiltersForeignNamespaces(t *testing.T) {
	ingress, reg, sink, _ := newTestIngress(t)
	require.NoError(t, reg.Register(forwardPlan(t, "ns")))

	require.NoError(t, ingress.Route(correlation.RawEvent{Src: "X", Dst: "Y", NamespaceUUID: "22222222", Bytes: 5}))
	require.NoError(t, ingress.Route(flow("A", "B", 5)))
	require.NoError(t, reg.Close())

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0].Values[0])
}

func TestIngress_HandleMessage(t *testing.T) {
	ingress, reg, sink, _ := newTestIngress(t)
	require.NoError(t, reg.Register(forwardPlan(t, "p")))

	single := message.NewMessage(watermill.NewUUID(), []byte(`{"src":"A","dst":"B","namespace_uuid":"11111111","bytes":3}`))
	batch := message.NewMessage(watermill.NewUUID(), []byte(` [
		{"src":"C","dst":"D","namespace_uuid":"11111111","bytes":4},
		{"src":"E","dst":"F","namespace_uuid":"11111111","bytes":5}
	]`))
	require.NoError(t, ingress.HandleMessage(single))
	require.NoError(t, ingress.HandleMessage(batch))
	require.NoError(t, reg.Close())

	rows := sink.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"A", "B", 3}, rows[0].Values)
	assert.Equal(t, []any{"C", "D", 4}, rows[1].Values)
	assert.Equal(t, []any{"E", "F", 5}, rows[2].Values)
}

func TestIngress_HandleMessageRejectsGarbage(t *testing.T) {
	ingress, _, _, _ := newTestIngress(t)

	for _, payload := range []string{"", "   ", "not json", `{"bytes":"many"}`, `[1,2]`} {
		err := ingress.HandleMessage(message.NewMessage(watermill.NewUUID(), []byte(payload)))
		var unprocessable *UnprocessableEventError
		require.ErrorAs(t, err, &unprocessable, "payload %q", payload)
		assert.False(t, isRetryable(err))
	}
}

func TestIngress_HandleMessageSkipsStoppedPlans(t *testing.T) {
	ingress, reg, _, metrics := newTestIngress(t)
	require.NoError(t, reg.Register(forwardPlan(t, "p")))

	b, ok := reg.Get("p")
	require.True(t, ok)
	require.NoError(t, b.Stop())

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"src":"A","dst":"B","namespace_uuid":"11111111","bytes":3}`))
	assert.NoError(t, ingress.HandleMessage(msg))
	assert.Zero(t, metrics.Snapshot().Plans["p"].PushFailures)
}

func TestDecodeRawEvents(t *testing.T) {
	events, err := DecodeRawEvents([]byte(`{"src":"A","dst":"B","namespace_uuid":"11111111","bytes":42}`))
	require.NoError(t, err)
	assert.Equal(t, []correlation.RawEvent{flow("A", "B", 42)}, events)

	events, err = DecodeRawEvents([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = DecodeRawEvents(nil)
	assert.EqualError(t, err, "empty payload")
}

func TestUnprocessableEventError(t *testing.T) {
	err := &UnprocessableEventError{eventMessage: "{", err: errors.New("unexpected end")}
	assert.Equal(t, "unprocessable event: { error: unexpected end", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "unexpected end")
	assert.NotErrorIs(t, err, errspkg.ErrPlanNotFound)
}
