package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Cycle outcomes, used as the collector_cycles_total label
const (
	cycleResultSuccess       = "success"
	cycleResultUpstreamError = "upstream_error"
	cycleResultParseError    = "parse_error"
	cycleResultStoreError    = "store_error"
	cycleResultPanic         = "panic"
)

// VehicleSource returns one raw upstream response body per call
type VehicleSource interface {
	Poll(ctx context.Context) ([]byte, error)
}

// cycleError tags a failure with the step that produced it
type cycleError struct {
	result string
	err    error
}

func (e *cycleError) Error() string { return e.err.Error() }
func (e *cycleError) Unwrap() error { return e.err }

// Collector runs the poll-dedupe-write cycle on a fixed interval
type Collector struct {
	source     VehicleSource
	store      SnapshotStore
	logger     *Logger
	metrics    *MetricsCollector
	interval   time.Duration
	skipIfBusy bool

	busy     atomic.Bool
	inFlight sync.WaitGroup

	mu           sync.Mutex
	stopRun      context.CancelFunc
	cancelCycles context.CancelFunc
	runDone      chan struct{}
}

// NewCollector wires a collector. A nil metrics collector gets a private registry.
func NewCollector(source VehicleSource, store SnapshotStore, cfg CollectorConfig, logger *Logger, metrics *MetricsCollector) *Collector {
	if metrics == nil {
		metrics = NewMetricsCollector(prometheus.NewRegistry())
	}
	return &Collector{
		source:     source,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		interval:   cfg.Interval,
		skipIfBusy: cfg.SkipIfBusy,
	}
}

// CollectOnce runs one cycle. Every failure, including a panic, is logged
// and swallowed here; nothing reaches the caller.
func (c *Collector) CollectOnce(ctx context.Context) {
	ctx = WithCorrelationID(ctx, GenerateCorrelationID())
	logger := c.logger.WithContext(ctx)
	start := time.Now()

	c.metrics.CyclesInFlight.Inc()
	defer c.metrics.CyclesInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(LogFields{"panic": r}).WithStack().Error("Collection cycle panicked")
			c.metrics.RecordCycle(cycleResultPanic, time.Since(start))
		}
	}()

	result, err := c.collect(ctx)
	if err != nil {
		outcome := cycleResultUpstreamError
		var ce *cycleError
		if errors.As(err, &ce) {
			outcome = ce.result
		}
		logger.WithError(err).Error("Collection cycle failed", zap.String("result", outcome))
		c.metrics.RecordCycle(outcome, time.Since(start))
		return
	}

	c.metrics.RecordCycle(cycleResultSuccess, time.Since(start))
	c.metrics.VehiclesWritten.Set(float64(result.Count))
	logger.Info(fmt.Sprintf("Saved %d vehicles @ %s", result.Count, time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")),
		zap.Int("count", result.Count),
		zap.String("backend", result.Backend),
		zap.String("path", result.Path),
		zap.Duration("duration", time.Since(start)),
	)
}

func (c *Collector) collect(ctx context.Context) (WriteResult, error) {
	ctx, span := StartSpan(ctx, "collector.cycle")
	defer span.End()

	body, err := c.source.Poll(ctx)
	if err != nil {
		var upstreamErr *UpstreamError
		if errors.As(err, &upstreamErr) {
			c.metrics.RecordAPIError(upstreamServiceName, upstreamErr.ErrorType())
		}
		return WriteResult{}, &cycleError{result: cycleResultUpstreamError, err: fmt.Errorf("fetch vehicles: %w", err)}
	}

	vehicles, err := ParseVehicles(body)
	if err != nil {
		c.metrics.RecordAPIError(upstreamServiceName, "malformed_json")
		return WriteResult{}, &cycleError{result: cycleResultParseError, err: fmt.Errorf("parse vehicles: %w", err)}
	}
	c.metrics.RecordVehiclesFetched(len(vehicles))
	AddSpanAttributes(span, map[string]interface{}{"vehicles.count": len(vehicles)})

	result, err := c.write(ctx, vehicles)
	if err != nil {
		return WriteResult{}, &cycleError{result: cycleResultStoreError, err: fmt.Errorf("write snapshot: %w", err)}
	}

	return result, nil
}

func (c *Collector) write(ctx context.Context, vehicles []VehicleRecord) (WriteResult, error) {
	ctx, span := StartSpan(ctx, "store.write")
	defer span.End()

	start := time.Now()
	result, err := c.store.WriteSnapshot(ctx, vehicles)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordStoreOperation(c.store.Name(), status, duration)
	c.logger.LogStoreOperation(ctx, c.store.Name(), result.Path, len(vehicles), duration, err)

	return result, err
}

// Run fires one cycle immediately and then one per interval until ctx is
// cancelled. Cycles run in their own goroutines and, unless skipIfBusy is
// set, may overlap a slow predecessor. Cancelling ctx stops the ticker but
// not the cycles already started.
func (c *Collector) Run(ctx context.Context) {
	cycleCtx, cancelCycles := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancelCycles = cancelCycles
	c.mu.Unlock()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.dispatch(cycleCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dispatch(cycleCtx)
		}
	}
}

func (c *Collector) dispatch(ctx context.Context) {
	if c.skipIfBusy && !c.busy.CompareAndSwap(false, true) {
		c.metrics.TicksSkippedTotal.Inc()
		c.logger.Debug("Previous collection cycle still running, skipping tick")
		return
	}

	c.inFlight.Add(1)
	GoSafe(c.logger, "collect_once", func() {
		defer c.inFlight.Done()
		if c.skipIfBusy {
			defer c.busy.Store(false)
		}
		c.CollectOnce(ctx)
	})
}

// Start runs the scheduler in the background
func (c *Collector) Start(ctx context.Context) {
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.stopRun = stop
	c.runDone = done
	c.mu.Unlock()

	GoSafe(c.logger, "collector", func() {
		defer close(done)
		c.Run(runCtx)
	})
}

// Stop halts the scheduler and waits for in-flight cycles. If ctx expires
// first the remaining cycles are cancelled.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	stop, done := c.stopRun, c.runDone
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()

	select {
	case <-done:
	case <-ctx.Done():
		c.abortCycles()
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		c.inFlight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		c.abortCycles()
		return nil
	case <-ctx.Done():
		c.abortCycles()
		return fmt.Errorf("collection cycles still running: %w", ctx.Err())
	}
}

func (c *Collector) abortCycles() {
	c.mu.Lock()
	cancel := c.cancelCycles
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
