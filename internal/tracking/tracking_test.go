package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedPut struct {
	path    []string
	records []arrow.RecordBatch
}

type mockTrackingServer struct {
	flight.BaseFlightServer
	mu   sync.Mutex
	puts []capturedPut
}

func (s *mockTrackingServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	var put capturedPut
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		put.path = desc.Path
	}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		put.records = append(put.records, rec)
	}

	s.mu.Lock()
	s.puts = append(s.puts, put)
	s.mu.Unlock()
	return nil
}

func (s *mockTrackingServer) captured() []capturedPut {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capturedPut, len(s.puts))
	copy(out, s.puts)
	return out
}

func startMockServer(t *testing.T) (*mockTrackingServer, string) {
	t.Helper()
	mock := &mockTrackingServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mock)
	require.NoError(t, server.Init("localhost:0"))
	go func() { _ = server.Serve() }()
	t.Cleanup(server.Shutdown)
	return mock, server.Addr().String()
}

func TestFlightTrackerStreamsRun(t *testing.T) {
	mock, addr := startMockServer(t)

	tracker, err := NewFlightTracker(addr, "bert_pretraining", "run-01")
	require.NoError(t, err)
	defer func() { _ = tracker.Close() }()

	ctx := context.Background()
	require.NoError(t, tracker.StartRun(ctx, map[string]string{
		"learning_rate": "0.0001",
		"batch_size":    "60",
	}))
	require.NoError(t, tracker.LogMetrics(ctx, 10, map[string]float64{
		"loss":          2.5,
		"learning_rate": 1e-4,
	}))
	require.NoError(t, tracker.EndRun(ctx, "FINISHED"))

	require.Eventually(t, func() bool {
		return len(mock.captured()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	puts := mock.captured()
	require.Equal(t, []string{"bert_pretraining", "run-01", "params"}, puts[0].path)
	require.Equal(t, []string{"bert_pretraining", "run-01", "metrics"}, puts[1].path)
	require.Equal(t, []string{"bert_pretraining", "run-01", "status"}, puts[2].path)

	require.Len(t, puts[0].records, 1)
	params := puts[0].records[0]
	assert.EqualValues(t, 2, params.NumRows())
	assert.Equal(t, "batch_size", params.Column(0).(*array.String).Value(0))
	assert.Equal(t, "60", params.Column(1).(*array.String).Value(0))

	require.Len(t, puts[1].records, 1)
	metrics := puts[1].records[0]
	assert.EqualValues(t, 2, metrics.NumRows())
	assert.EqualValues(t, 10, metrics.Column(0).(*array.Int64).Value(0))
	// Keys are sorted: learning_rate before loss.
	assert.Equal(t, "learning_rate", metrics.Column(1).(*array.String).Value(0))
	assert.Equal(t, "loss", metrics.Column(1).(*array.String).Value(1))
	assert.InDelta(t, 2.5, metrics.Column(2).(*array.Float64).Value(1), 1e-12)

	status := puts[2].records[0]
	assert.Equal(t, "FINISHED", status.Column(1).(*array.String).Value(0))

	for _, put := range puts {
		for _, rec := range put.records {
			rec.Release()
		}
	}
}

func TestFlightTrackerValidation(t *testing.T) {
	_, err := NewFlightTracker("localhost:1", "", "run")
	require.Error(t, err)
	_, err = NewFlightTracker("localhost:1", "exp", "")
	require.Error(t, err)
}

// An unreachable tracking server must not fail the training loop: the
// calls are dropped and the breaker eventually opens.
func TestFlightTrackerDegradesWhenServerUnreachable(t *testing.T) {
	tracker, err := NewFlightTracker("localhost:1", "exp", "run")
	require.NoError(t, err)
	defer func() { _ = tracker.Close() }()
	tracker.timeout = 200 * time.Millisecond

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, tracker.LogMetrics(ctx, i, map[string]float64{"loss": 1.0}))
	}
	require.Equal(t, BreakerOpen, tracker.breaker.State())
}

func TestNoopTracker(t *testing.T) {
	var tr Tracker = Noop{}
	ctx := context.Background()
	require.NoError(t, tr.StartRun(ctx, nil))
	require.NoError(t, tr.LogMetrics(ctx, 1, nil))
	require.NoError(t, tr.EndRun(ctx, "FINISHED"))
	require.NoError(t, tr.Close())
}

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)
	require.Equal(t, BreakerClosed, cb.State())
	require.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	require.Equal(t, BreakerClosed, cb.State())
	cb.Failure()
	require.Equal(t, BreakerOpen, cb.State())
	require.False(t, cb.Allow())

	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow(), "timeout elapsed, probe allowed")
	require.Equal(t, BreakerHalfOpen, cb.State())

	cb.Failure()
	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.Success()
	require.Equal(t, BreakerClosed, cb.State())
	require.True(t, cb.Allow())
}
