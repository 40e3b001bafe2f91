package cluster

import (
	"io"
	"log/slog"
)

// options configures a Cluster (internal only).
type options struct {
	latency        float64
	rate           float64
	verify         bool
	tolerance      float64
	failAt         int
	stallTimeout   float64
	checkpointDir  string
	initialWeights [][]float64
	logger         *slog.Logger
}

// defaultOptions returns sensible defaults: an instant,
// fast network, no verification, no failure injection, and
// in-memory checkpoints.
func defaultOptions() options {
	return options{
		latency:   0,
		rate:      1e9,
		tolerance: 0,
		failAt:    -1,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// An Option configures a Cluster.
type Option func(*options)

// WithNetwork sets the simulated network's per-message
// latency bound and transfer rate.
func WithNetwork(latency, rate float64) Option {
	return func(o *options) {
		o.latency = latency
		o.rate = rate
	}
}

// WithVerification makes the driver validate every round's
// results. A tolerance of 0 uses the default.
func WithVerification(tolerance float64) Option {
	return func(o *options) {
		o.verify = true
		o.tolerance = tolerance
	}
}

// WithFailureInjection crashes the last worker in the
// middle of round failAt (0-based), exercising stall
// detection and checkpoint recovery.
func WithFailureInjection(failAt int) Option {
	return func(o *options) {
		o.failAt = failAt
	}
}

// WithCheckpointDir persists checkpoints under dir, one
// subdirectory per worker, instead of keeping them in
// memory.
func WithCheckpointDir(dir string) Option {
	return func(o *options) {
		o.checkpointDir = dir
	}
}

// WithInitialWeights sets each worker's starting buffer.
// The default is all ones.
func WithInitialWeights(weights [][]float64) Option {
	return func(o *options) {
		o.initialWeights = weights
	}
}

// WithStallTimeout overrides the virtual-time stall
// timeout derived from the network parameters.
func WithStallTimeout(timeout float64) Option {
	return func(o *options) {
		o.stallTimeout = timeout
	}
}

// WithLogger routes cluster, driver, and worker logs to
// logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
