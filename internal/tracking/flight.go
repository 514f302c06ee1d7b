package tracking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metric records are streamed to the tracking server over Arrow Flight
// DoPut, one batch per logging call. Param records mark run start/end.
var (
	metricSchema = arrow.NewSchema([]arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int64},
		{Name: "key", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
		{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	paramSchema = arrow.NewSchema([]arrow.Field{
		{Name: "key", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.BinaryTypes.String},
		{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
)

// FlightTracker streams run metadata and metrics to a tracking server
// speaking Arrow Flight. Mid-run logging failures are dropped through a
// circuit breaker rather than surfaced, so an unavailable tracking
// backend never kills a multi-day pretraining run.
type FlightTracker struct {
	client     flight.Client
	conn       *grpc.ClientConn
	breaker    *CircuitBreaker
	mem        memory.Allocator
	experiment string
	run        string
	timeout    time.Duration
}

// NewFlightTracker connects to the tracking server at addr.
func NewFlightTracker(addr, experiment, run string) (*FlightTracker, error) {
	if experiment == "" || run == "" {
		return nil, fmt.Errorf("experiment and run name must not be empty")
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect tracking server %s: %w", addr, err)
	}
	return &FlightTracker{
		client:     flight.NewClientFromConn(conn, nil),
		conn:       conn,
		breaker:    NewCircuitBreaker(5, 30*time.Second),
		mem:        memory.NewGoAllocator(),
		experiment: experiment,
		run:        run,
		timeout:    5 * time.Second,
	}, nil
}

func (t *FlightTracker) doPut(ctx context.Context, kind string, rec arrow.RecordBatch) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	stream, err := t.client.DoPut(ctx)
	if err != nil {
		return err
	}
	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{t.experiment, t.run, kind},
	})
	if err := writer.Write(rec); err != nil {
		return err
	}
	return writer.Close()
}

func (t *FlightTracker) paramRecord(params map[string]string) arrow.RecordBatch {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kb := array.NewStringBuilder(t.mem)
	defer kb.Release()
	vb := array.NewStringBuilder(t.mem)
	defer vb.Release()
	tb := array.NewInt64Builder(t.mem)
	defer tb.Release()

	now := time.Now().UnixMilli()
	for _, k := range keys {
		kb.Append(k)
		vb.Append(params[k])
		tb.Append(now)
	}

	ka, va, ta := kb.NewArray(), vb.NewArray(), tb.NewArray()
	defer ka.Release()
	defer va.Release()
	defer ta.Release()
	return array.NewRecordBatch(paramSchema, []arrow.Array{ka, va, ta}, int64(len(keys)))
}

// StartRun registers the run and its hyperparameters. Unlike metric
// logging this is fatal on failure: a run that cannot be registered
// should not silently train untracked.
func (t *FlightTracker) StartRun(ctx context.Context, params map[string]string) error {
	rec := t.paramRecord(params)
	defer rec.Release()
	if err := t.doPut(ctx, "params", rec); err != nil {
		return fmt.Errorf("start run %s/%s: %w", t.experiment, t.run, err)
	}
	log.Info().Str("experiment", t.experiment).Str("run", t.run).Msg("tracking run started")
	return nil
}

// LogMetrics streams one batch of scalar metrics. Failures are counted,
// logged, and dropped.
func (t *FlightTracker) LogMetrics(ctx context.Context, step int, metrics map[string]float64) error {
	if !t.breaker.Allow() {
		recordsDropped.Add(float64(len(metrics)))
		return nil
	}

	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb := array.NewInt64Builder(t.mem)
	defer sb.Release()
	kb := array.NewStringBuilder(t.mem)
	defer kb.Release()
	vb := array.NewFloat64Builder(t.mem)
	defer vb.Release()
	tb := array.NewInt64Builder(t.mem)
	defer tb.Release()

	now := time.Now().UnixMilli()
	for _, k := range keys {
		sb.Append(int64(step))
		kb.Append(k)
		vb.Append(metrics[k])
		tb.Append(now)
	}

	sa, ka, va, ta := sb.NewArray(), kb.NewArray(), vb.NewArray(), tb.NewArray()
	defer sa.Release()
	defer ka.Release()
	defer va.Release()
	defer ta.Release()
	rec := array.NewRecordBatch(metricSchema, []arrow.Array{sa, ka, va, ta}, int64(len(keys)))
	defer rec.Release()

	if err := t.doPut(ctx, "metrics", rec); err != nil {
		t.breaker.Failure()
		logFailures.Inc()
		recordsDropped.Add(float64(len(metrics)))
		log.Warn().Err(err).Int("step", step).Msg("dropping tracking metrics")
		return nil
	}
	t.breaker.Success()
	recordsSent.Add(float64(len(metrics)))
	return nil
}

// EndRun records the terminal status of the run.
func (t *FlightTracker) EndRun(ctx context.Context, status string) error {
	rec := t.paramRecord(map[string]string{"status": status})
	defer rec.Release()
	if err := t.doPut(ctx, "status", rec); err != nil {
		log.Warn().Err(err).Str("status", status).Msg("failed to record run status")
	}
	return nil
}

// Close tears down the connection.
func (t *FlightTracker) Close() error {
	return t.conn.Close()
}
