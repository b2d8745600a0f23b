// Package channel holds configured backend channels, their health evaluator,
// and the background prober that keeps health current.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"onegate/internal/adapters"
	"onegate/internal/core"
)

// ErrBusy is returned when a serialized channel stayed occupied until the
// caller's context ended. Nothing was sent to the backend.
var ErrBusy = errors.New("channel busy")

// ErrClosed is returned when the channel was closed by a reload or removal
// after a request picked it.
var ErrClosed = errors.New("channel closed")

// Spec is the load-time definition of a channel.
type Spec struct {
	ID          string
	Name        string
	AdapterType string
	Priority    int
	Enabled     bool
	Config      map[string]any
}

// Channel is one configured instance of an adapter type. It exclusively owns
// its adapter, and with it any backend session the adapter keeps.
type Channel struct {
	id          string
	name        string
	adapterType string
	priority    int
	descriptor  core.Descriptor
	config      map[string]any
	enabled     atomic.Bool

	adapter core.Adapter

	// sem serializes access for adapters that are not concurrency-safe.
	// nil when the adapter declares itself safe.
	sem chan struct{}

	mu       sync.Mutex
	inflight int
	closing  bool
	closed   bool
}

// New builds a channel through the adapter factory. The opaque config is
// copied and handed to the adapter builder unmodified.
func New(spec Spec, factory *adapters.Factory) (*Channel, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("channel name is required")
	}
	desc, ok := factory.Descriptor(spec.AdapterType)
	if !ok {
		return nil, fmt.Errorf("channel %q: unknown adapter type: %s", name, spec.AdapterType)
	}

	cfg := maps.Clone(spec.Config)
	if cfg == nil {
		cfg = map[string]any{}
	}
	adapter, err := factory.Create(spec.AdapterType, maps.Clone(cfg))
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", name, err)
	}

	return newChannel(spec, name, desc, cfg, adapter), nil
}

// NewWithAdapter wraps an already-built adapter. Used by tests and by callers
// that construct adapters outside the factory.
func NewWithAdapter(spec Spec, adapter core.Adapter) *Channel {
	return newChannel(spec, strings.TrimSpace(spec.Name), adapter.Descriptor(), maps.Clone(spec.Config), adapter)
}

func newChannel(spec Spec, name string, desc core.Descriptor, cfg map[string]any, adapter core.Adapter) *Channel {
	id := spec.ID
	if id == "" {
		id = name
	}
	adapterType := spec.AdapterType
	if adapterType == "" {
		adapterType = desc.Name
	}
	c := &Channel{
		id:          id,
		name:        name,
		adapterType: adapterType,
		priority:    spec.Priority,
		descriptor:  desc,
		config:      cfg,
		adapter:     adapter,
	}
	c.enabled.Store(spec.Enabled)
	if !desc.ConcurrentSafe {
		c.sem = make(chan struct{}, 1)
	}
	return c
}

func (c *Channel) ID() string                  { return c.id }
func (c *Channel) Name() string                { return c.name }
func (c *Channel) AdapterType() string         { return c.adapterType }
func (c *Channel) Priority() int               { return c.priority }
func (c *Channel) Descriptor() core.Descriptor { return c.descriptor }
func (c *Channel) Enabled() bool               { return c.enabled.Load() }

// SetEnabled toggles the channel without rebuilding it.
func (c *Channel) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Config returns a copy of the channel's opaque adapter config.
func (c *Channel) Config() map[string]any {
	return maps.Clone(c.config)
}

// Serves reports whether the channel's adapter lists model.
func (c *Channel) Serves(model string) bool {
	return c.descriptor.SupportsModel(model)
}

// Capable reports whether the adapter can honor the request's options.
// Streaming is not required: a non-streaming adapter answers with one
// terminal chunk, which is a valid stream.
func (c *Channel) Capable(req *core.Request) bool {
	if req.RequiresFunctionCall() && !c.descriptor.FunctionCall {
		return false
	}
	return true
}

// Query invokes the adapter. For adapters that are not concurrency-safe the
// channel lock is held until the returned stream is closed; waiting for it
// honors ctx and fails with ErrBusy. A closed channel fails with ErrClosed.
func (c *Channel) Query(ctx context.Context, req *core.Request) (core.Stream, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &lockedStream{Stream: c.adapter.Query(ctx, req), release: release}, nil
}

// Test runs the adapter's live round trip under the channel lock. A non-nil
// error means the round trip never ran and says nothing about health.
func (c *Channel) Test(ctx context.Context) (bool, string, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return false, "", err
	}
	defer release()
	ok, detail := c.adapter.Test(ctx)
	return ok, detail, nil
}

// Close releases the adapter's backend resources once every query stream and
// test in flight has finished. The channel must not be used afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closing = true
	idle := c.inflight == 0 && !c.closed
	if idle {
		c.closed = true
	}
	c.mu.Unlock()

	if !idle {
		return nil
	}
	return c.closeAdapter()
}

func (c *Channel) closeAdapter() error {
	if closer, ok := c.adapter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// acquire takes the channel lock, when there is one, and counts the caller as
// in flight until release is called.
func (c *Channel) acquire(ctx context.Context) (func(), error) {
	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
		}
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if c.sem != nil {
			<-c.sem
		}
		return nil, ErrClosed
	}
	c.inflight++
	c.mu.Unlock()

	var once sync.Once
	return func() { once.Do(c.release) }, nil
}

func (c *Channel) release() {
	c.mu.Lock()
	c.inflight--
	last := c.closing && c.inflight == 0 && !c.closed
	if last {
		c.closed = true
	}
	c.mu.Unlock()

	if c.sem != nil {
		<-c.sem
	}
	if last {
		if err := c.closeAdapter(); err != nil {
			slog.Warn("failed to close channel adapter", "channel", c.name, "error", err)
		}
	}
}

// lockedStream releases the channel lock once the consumer closes it.
type lockedStream struct {
	core.Stream
	release func()
}

func (s *lockedStream) Close() error {
	defer s.release()
	return s.Stream.Close()
}
