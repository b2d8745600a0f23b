// Package dispatch drives one client request across the eligible channels.
//
// Candidates are tried in the evaluator's order until one produces a
// successful terminal chunk. A candidate may fail over only while nothing has
// reached the caller: once a chunk has been forwarded the invocation is
// committed and a later ERROR becomes the caller's terminal chunk.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"onegate/internal/channel"
	"onegate/internal/core"
	"onegate/internal/outcomes"
)

// DefaultAttemptTimeout bounds a single backend invocation.
const DefaultAttemptTimeout = 240 * time.Second

// Config tunes the failover loop.
type Config struct {
	// MaxAttempts caps the candidates tried per request. 0 tries them all.
	MaxAttempts int

	// AttemptTimeout bounds each invocation. An attempt that runs out of time
	// counts as a transient failure.
	AttemptTimeout time.Duration
}

// EmitFunc delivers one chunk to the caller. A non-nil error means the
// caller can no longer receive output.
type EmitFunc func(core.Chunk) error

// Dispatcher owns the channel registry and routes requests across it.
type Dispatcher struct {
	registry  *channel.Registry
	evaluator *channel.Evaluator
	recorder  outcomes.Recorder
	cfg       Config
}

// New creates a dispatcher. A nil recorder disables the outcome log.
func New(registry *channel.Registry, evaluator *channel.Evaluator, recorder outcomes.Recorder, cfg Config) *Dispatcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if recorder == nil {
		recorder = &outcomes.NoopLogger{}
	}
	return &Dispatcher{
		registry:  registry,
		evaluator: evaluator,
		recorder:  recorder,
		cfg:       cfg,
	}
}

func (d *Dispatcher) Registry() *channel.Registry   { return d.registry }
func (d *Dispatcher) Evaluator() *channel.Evaluator { return d.evaluator }

// Handle validates req and streams the reply of the first channel that
// succeeds to emit.
//
// With req.Stream set, chunks are forwarded as they arrive. Otherwise the
// reply is buffered and emit is called exactly once with a single terminal
// chunk carrying the whole text.
//
// Errors returned before anything was emitted are *core.GatewayError. After a
// commit Handle returns nil, or the caller's error (emit failure or context
// cancellation).
func (d *Dispatcher) Handle(ctx context.Context, req *core.Request, emit EmitFunc) error {
	norm, err := core.Normalize(req, d.registry)
	if err != nil {
		requestsTotal.WithLabelValues(statusRejected).Inc()
		return err
	}

	candidates, err := d.evaluator.Eligible(ctx, norm, d.registry.List())
	if err != nil {
		requestsTotal.WithLabelValues(statusRejected).Inc()
		return err
	}
	if d.cfg.MaxAttempts > 0 && len(candidates) > d.cfg.MaxAttempts {
		candidates = candidates[:d.cfg.MaxAttempts]
	}

	var (
		lastChannel    string
		lastDiagnostic string
	)
	for i, ch := range candidates {
		if err := ctx.Err(); err != nil {
			requestsTotal.WithLabelValues(statusCanceled).Inc()
			return err
		}
		if i > 0 {
			failoversTotal.Inc()
			slog.Info("failing over",
				"request_id", core.GetRequestID(ctx),
				"from", lastChannel,
				"to", ch.Name(),
				"attempt", i+1,
			)
		}

		res := d.attempt(ctx, norm, ch, i+1, emit)
		switch {
		case res.callerErr != nil:
			requestsTotal.WithLabelValues(statusCanceled).Inc()
			return res.callerErr
		case res.done:
			if res.success {
				requestsTotal.WithLabelValues(statusSuccess).Inc()
			} else {
				requestsTotal.WithLabelValues(statusFailed).Inc()
			}
			return nil
		}
		lastChannel, lastDiagnostic = ch.Name(), res.diagnostic
	}

	requestsTotal.WithLabelValues(statusFailed).Inc()
	return core.NewAllChannelsFailedError(lastChannel, lastDiagnostic, nil)
}

// Complete runs req without streaming and returns its terminal chunk.
func (d *Dispatcher) Complete(ctx context.Context, req *core.Request) (core.Chunk, error) {
	buffered := *req
	buffered.Stream = false

	var out core.Chunk
	err := d.Handle(ctx, &buffered, func(c core.Chunk) error {
		out = c
		return nil
	})
	return out, err
}

type attemptResult struct {
	// done means the caller received a terminal chunk from this attempt.
	done    bool
	success bool

	// diagnostic explains a failure that allows failover.
	diagnostic string

	// callerErr is set when the caller went away.
	callerErr error
}

func (d *Dispatcher) attempt(ctx context.Context, req *core.Request, ch *channel.Channel, n int, emit EmitFunc) attemptResult {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	stream, err := ch.Query(attemptCtx, req)
	if err != nil {
		// Query only fails while waiting for a serialized channel or on a
		// channel closed by a reload. The backend was never invoked, so the
		// channel's health is untouched.
		if ctx.Err() != nil {
			return attemptResult{callerErr: ctx.Err()}
		}
		reason := "busy"
		if errors.Is(err, channel.ErrClosed) {
			reason = "closed"
		}
		attemptsTotal.WithLabelValues(ch.Name(), reason).Inc()
		slog.Info("channel unavailable, skipping",
			"reason", reason,
			"request_id", core.GetRequestID(ctx),
			"channel", ch.Name(),
			"attempt", n,
		)
		return attemptResult{diagnostic: fmt.Sprintf("[%s] %v", ch.Name(), err)}
	}
	defer stream.Close()

	var (
		committed bool
		id        int64
		text      strings.Builder
	)
	for {
		chunk, err := stream.Recv()
		if ctx.Err() != nil {
			return attemptResult{callerErr: ctx.Err()}
		}
		if err != nil {
			chunk = d.brokenStreamChunk(attemptCtx, ch, id, err)
		}
		id = chunk.ID

		if !chunk.FinishReason.Terminal() {
			if !req.Stream {
				text.WriteString(chunk.NormalMessage)
				continue
			}
			if err := emit(chunk); err != nil {
				return attemptResult{callerErr: err}
			}
			committed = true
			continue
		}

		success := chunk.FinishReason.Success()
		var diag string
		if !success {
			diag = chunk.NormalMessage
			if !committed {
				d.record(ctx, req, ch, n, start, chunk.FinishReason, diag, false)
				return attemptResult{diagnostic: diag}
			}
		}
		if !req.Stream {
			chunk.NormalMessage = text.String() + chunk.NormalMessage
		}

		d.record(ctx, req, ch, n, start, chunk.FinishReason, diag, true)
		if err := emit(chunk); err != nil {
			return attemptResult{callerErr: err}
		}
		return attemptResult{done: true, success: success}
	}
}

// brokenStreamChunk turns a stream that ended without a terminal chunk, or
// failed to deliver one, into an ERROR chunk.
func (d *Dispatcher) brokenStreamChunk(attemptCtx context.Context, ch *channel.Channel, id int64, err error) core.Chunk {
	switch {
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		err = &core.BackendError{
			Kind:     core.BackendTimeout,
			Provider: ch.Name(),
			Message:  "attempt exceeded " + d.cfg.AttemptTimeout.String(),
			Err:      context.DeadlineExceeded,
		}
	case errors.Is(err, io.EOF):
		err = &core.BackendError{Kind: core.BackendFailure, Provider: ch.Name(), Message: "stream ended without a terminal chunk"}
	}
	return core.ErrorChunk(id, core.ClassifyBackendError(ch.Name(), 0, err))
}

func (d *Dispatcher) record(ctx context.Context, req *core.Request, ch *channel.Channel, n int, start time.Time, reason core.FinishReason, diagnostic string, committed bool) {
	latency := time.Since(start)
	success := reason.Success()

	d.evaluator.RecordOutcome(ch, success, latency, diagnostic)

	result := "success"
	if !success {
		result = "failure"
		slog.Warn("channel attempt failed",
			"request_id", core.GetRequestID(ctx),
			"channel", ch.Name(),
			"attempt", n,
			"committed", committed,
			"error", diagnostic,
		)
	}
	attemptsTotal.WithLabelValues(ch.Name(), result).Inc()
	attemptDuration.WithLabelValues(ch.Name()).Observe(latency.Seconds())

	d.recorder.Write(&outcomes.Entry{
		ID:           uuid.NewString(),
		RequestID:    core.GetRequestID(ctx),
		Timestamp:    start.UTC(),
		Channel:      ch.Name(),
		AdapterType:  ch.AdapterType(),
		Model:        req.Model,
		Stream:       req.Stream,
		Attempt:      n,
		Success:      success,
		FinishReason: string(reason),
		LatencyMs:    latency.Milliseconds(),
		Diagnostic:   diagnostic,
		Committed:    committed,
	})
}

// AddChannel registers a new channel.
func (d *Dispatcher) AddChannel(ch *channel.Channel) error {
	return d.registry.Add(ch)
}

// ReplaceChannel swaps in a rebuilt channel. Its health starts over and the
// displaced channel is closed once its in-flight requests finish.
func (d *Dispatcher) ReplaceChannel(ch *channel.Channel) {
	old := d.registry.Replace(ch)
	if old == nil || old == ch {
		return
	}
	d.forget(old.Name())
	closeChannel(old)
}

// RemoveChannel unregisters a channel, drops its health and closes it.
func (d *Dispatcher) RemoveChannel(name string) bool {
	old := d.registry.Remove(name)
	if old == nil {
		return false
	}
	d.forget(name)
	closeChannel(old)
	return true
}

// ReloadChannels replaces the whole channel set. Health survives for
// channels that keep their name and adapter type. Channels that are not part
// of the new set are closed.
func (d *Dispatcher) ReloadChannels(channels []*channel.Channel) error {
	previous := d.registry.List()

	removed, err := d.registry.Reload(channels)
	if err != nil {
		return err
	}
	for _, name := range removed {
		d.forget(name)
	}

	kept := make(map[*channel.Channel]bool, len(channels))
	types := make(map[string]string, len(channels))
	for _, ch := range channels {
		kept[ch] = true
		types[ch.Name()] = ch.AdapterType()
	}
	for _, old := range previous {
		if t, ok := types[old.Name()]; ok && t != old.AdapterType() {
			d.forget(old.Name())
		}
		if !kept[old] {
			closeChannel(old)
		}
	}

	slog.Info("channels reloaded", "total", len(channels), "removed", removed)
	return nil
}

// Close closes every registered channel. Used on shutdown.
func (d *Dispatcher) Close() {
	for _, ch := range d.registry.List() {
		closeChannel(ch)
	}
}

func (d *Dispatcher) forget(name string) {
	d.evaluator.Forget(name)
	channelExcluded.DeleteLabelValues(name)
}

func closeChannel(ch *channel.Channel) {
	if err := ch.Close(); err != nil {
		slog.Warn("failed to close channel", "channel", ch.Name(), "error", err)
	}
}
