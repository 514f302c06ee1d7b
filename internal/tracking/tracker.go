package tracking

import "context"

// Tracker records experiment runs and their metric streams. Run setup
// failures are returned to the caller; implementations are expected to
// degrade gracefully on mid-run logging failures instead of stopping
// training.
type Tracker interface {
	// StartRun registers a new run with its hyperparameters.
	StartRun(ctx context.Context, params map[string]string) error
	// LogMetrics records scalar metrics for one optimizer step.
	LogMetrics(ctx context.Context, step int, metrics map[string]float64) error
	// EndRun marks the run finished with a terminal status.
	EndRun(ctx context.Context, status string) error
	// Close releases the underlying connection.
	Close() error
}

// Noop is the tracker used when no tracking URI is configured.
type Noop struct{}

func (Noop) StartRun(context.Context, map[string]string) error       { return nil }
func (Noop) LogMetrics(context.Context, int, map[string]float64) error { return nil }
func (Noop) EndRun(context.Context, string) error                    { return nil }
func (Noop) Close() error                                            { return nil }
