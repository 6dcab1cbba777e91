// Package processor runs the drain loop: it scans the spool for due records,
// claims them, sends them, and resolves every outcome as ack, reschedule or
// dead-letter. It is the only layer that makes that policy decision; lower
// layers just classify.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-eventspool/pkg/backoff"
	"github.com/zoff-tech/go-eventspool/pkg/config"
	"github.com/zoff-tech/go-eventspool/pkg/ingest"
	"github.com/zoff-tech/go-eventspool/pkg/logging"
	"github.com/zoff-tech/go-eventspool/pkg/metrics"
	"github.com/zoff-tech/go-eventspool/pkg/sender"
	"github.com/zoff-tech/go-eventspool/pkg/spool"
	"github.com/zoff-tech/go-eventspool/schema"
)

// heartbeatEvery is how many idle poll cycles pass between liveness logs.
const heartbeatEvery = 60

// Processor drives one spool partition.
type Processor struct {
	cfg    *config.Settings
	queue  *spool.Queue
	sender *sender.Sender
	tracer trace.Tracer
}

// New creates a Processor for the partition held by queue.
func New(cfg *config.Settings, queue *spool.Queue, snd *sender.Sender) *Processor {
	return &Processor{
		cfg:    cfg,
		queue:  queue,
		sender: snd,
		tracer: otel.Tracer("go-eventspool"),
	}
}

// Run executes startup (partition lock, stale-claim recovery, optional bulk
// ingest) and then drains the spool until ctx is canceled. Individual record
// failures never stop the loop; only startup failures are returned.
func (p *Processor) Run(ctx context.Context) error {
	locked, err := p.acquireLock()
	if err != nil {
		return err
	}
	if locked {
		defer func() {
			if err := p.queue.ReleaseLock(); err != nil {
				logging.Warn().Err(err).Msg("failed to release partition lock")
			}
		}()
	}

	recovered, err := p.queue.RecoverStale(p.cfg.Watcher.StaleAfter)
	if err != nil {
		return fmt.Errorf("processor: recover stale records: %w", err)
	}
	if recovered > 0 {
		logging.Info().Int("recovered", recovered).Msg("recovered stale in-flight records")
	}

	if src := p.cfg.Watcher.SourcePath; src != "" {
		p.bulkIngest(ctx, src)
	}

	p.drainLoop(ctx)

	p.sender.Close()
	logging.Info().Msg("watcher stopped")
	return nil
}

func (p *Processor) acquireLock() (bool, error) {
	err := p.queue.AcquireLock()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, spool.ErrLocked) && p.cfg.Watcher.Permissive {
		logging.Warn().Msg("partition lock unavailable, continuing in permissive mode")
		return false, nil
	}
	return false, fmt.Errorf("processor: acquire partition lock: %w", err)
}

// bulkIngest streams the NDJSON source, optimistically sending each valid
// record once and spooling anything that fails. A single record's network
// latency costs at most one send attempt.
func (p *Processor) bulkIngest(ctx context.Context, path string) {
	var sent, spooled, errored int

	readErr := ingest.ReadFile(path, func(line int, raw ingest.Record) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		normalized, err := ingest.Normalize(raw, p.cfg.Watcher.RunID, p.cfg.Watcher.PlayerID)
		if err != nil {
			errored++
			metrics.RecordsIngested.WithLabelValues("invalid").Inc()
			logging.Error().Err(err).Int("line", line).Msg("invalid source record")
			return nil
		}

		payload, err := json.Marshal(normalized)
		if err != nil {
			errored++
			metrics.RecordsIngested.WithLabelValues("invalid").Inc()
			logging.Error().Err(err).Int("line", line).Msg("failed to serialize source record")
			return nil
		}

		rec := schema.NewRecord(payload, nil,
			p.cfg.Watcher.BaseURL, p.cfg.Watcher.RunID, p.cfg.Watcher.PlayerID)

		res := p.sender.Send(ctx, rec)
		if res.Success {
			sent++
			metrics.RecordsIngested.WithLabelValues("sent").Inc()
			metrics.RecordsSent.Inc()
			return nil
		}

		// Any failure lands in the spool; the drain loop owns retries from
		// here, including dead-lettering permanent failures.
		rec.Attempt = 1
		rec.LastError = res.Message
		if res.RetryAfter != nil {
			rec.NextAttemptAt = *res.RetryAfter
		} else {
			rec.NextAttemptAt = time.Now().UTC().Add(p.computeDelay(0))
		}
		if _, err := p.queue.Enqueue(rec); err != nil {
			errored++
			metrics.RecordsIngested.WithLabelValues("error").Inc()
			logging.Error().Err(err).Int("line", line).Msg("failed to spool source record")
			return nil
		}
		spooled++
		metrics.RecordsIngested.WithLabelValues("spooled").Inc()
		return nil
	})
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		errored++
		logging.Error().Err(readErr).Str("path", path).Msg("bulk ingest aborted")
	}

	logging.Info().
		Str("path", path).
		Int("sent", sent).
		Int("spooled", spooled).
		Int("errored", errored).
		Msg("bulk ingest complete")
}

func (p *Processor) drainLoop(ctx context.Context) {
	idleCycles := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed := p.drainOnce(ctx)
		if processed > 0 {
			idleCycles = 0
			continue
		}

		idleCycles++
		if idleCycles%heartbeatEvery == 0 {
			logging.Info().
				Int("idle_cycles", idleCycles).
				Msg("watcher idle, spool empty")
		}
		if !sleepCtx(ctx, p.cfg.Watcher.PollInterval) {
			return
		}
	}
}

// drainOnce processes one bounded batch of due records and reports how many
// it attempted. The batch cap keeps one backlog from starving lock fairness.
func (p *Processor) drainOnce(ctx context.Context) int {
	due, err := p.queue.ListDue(time.Now().UTC())
	if err != nil {
		logging.Error().Err(err).Msg("failed to scan spool")
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	if len(due) > p.cfg.Watcher.BatchSize {
		due = due[:p.cfg.Watcher.BatchSize]
	}

	processed := 0
	for _, h := range due {
		if ctx.Err() != nil {
			return processed
		}

		inFlight, err := p.queue.Claim(h)
		if err != nil {
			if errors.Is(err, spool.ErrAlreadyClaimed) {
				// Raced by another process; expected under lock violations.
				continue
			}
			logging.Warn().Err(err).Str("record_id", h.Record.ID).Msg("failed to claim record")
			continue
		}

		p.deliver(ctx, inFlight)
		processed++
	}
	return processed
}

// deliver sends one claimed record and resolves the outcome.
func (p *Processor) deliver(ctx context.Context, h *spool.Handle) {
	rec := h.Record

	ctx, span := p.tracer.Start(ctx, "DeliverSpoolRecord", trace.WithAttributes(
		attribute.String("record.id", rec.ID),
		attribute.String("record.run_id", rec.RunID),
		attribute.String("record.player_id", rec.PlayerID),
		attribute.Int("record.attempt", rec.Attempt),
		attribute.String("record.created_at", rec.CreatedAt.String()),
	))
	defer span.End()

	// Inject the trace context into the outbound headers.
	if rec.Headers == nil {
		rec.Headers = map[string]string{}
	}
	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.MapCarrier(rec.Headers))

	res := p.sender.Send(ctx, rec)
	switch {
	case res.Success:
		if err := p.queue.Delete(h); err != nil {
			logging.Error().Err(err).Str("record_id", rec.ID).Msg("failed to delete sent record")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		metrics.RecordsSent.Inc()
		logging.Info().
			Str("record_id", rec.ID).
			Int("attempt", rec.Attempt).
			Msg("record sent")

	case res.Retriable:
		nextAttempt := time.Now().UTC().Add(p.computeDelay(rec.Attempt))
		if res.RetryAfter != nil {
			// The server's hint wins outright; no extra backoff on top.
			nextAttempt = *res.RetryAfter
		}
		released, err := p.queue.ReleaseForRetry(h, nextAttempt, res.Message)
		if err != nil {
			logging.Error().Err(err).Str("record_id", rec.ID).Msg("failed to reschedule record")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		metrics.RecordsRetried.Inc()
		logging.Warn().
			Str("record_id", rec.ID).
			Int("attempt", released.Record.Attempt).
			Time("next_attempt_at", nextAttempt).
			Str("reason", res.Message).
			Msg("record rescheduled")

	default:
		reason := res.Message
		if reason == "" {
			reason = fmt.Sprintf("permanent failure (http %d)", res.StatusCode)
		}
		if _, err := p.queue.MoveToDead(h, reason); err != nil {
			logging.Error().Err(err).Str("record_id", rec.ID).Msg("failed to dead-letter record")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetStatus(codes.Error, reason)
	}
}

func (p *Processor) computeDelay(attempt int) time.Duration {
	return backoff.Compute(attempt, p.cfg.Backoff.Base, p.cfg.Backoff.Max, p.cfg.Backoff.Jitter)
}

// sleepCtx sleeps for d or until ctx is canceled, reporting false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
