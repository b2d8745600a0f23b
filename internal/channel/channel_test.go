package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onegate/internal/adapters"
	"onegate/internal/core"
)

// fakeAdapter answers every query with a fixed reply and every probe with testOK.
type fakeAdapter struct {
	desc core.Descriptor

	mu      sync.Mutex
	testOK  bool
	detail  string
	queries int
	tests   int
	closed  int
}

func (f *fakeAdapter) Descriptor() core.Descriptor { return f.desc }

func (f *fakeAdapter) Test(ctx context.Context) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tests++
	return f.testOK, f.detail
}

func (f *fakeAdapter) Query(ctx context.Context, req *core.Request) core.Stream {
	f.mu.Lock()
	f.queries++
	f.mu.Unlock()
	return core.NewSliceStream(core.Chunk{ID: 1, FinishReason: core.FinishStop, NormalMessage: "ok"})
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeAdapter) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeAdapter) setTest(ok bool, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.testOK, f.detail = ok, detail
}

func descriptor(name string, fc, concurrentSafe bool, models ...string) core.Descriptor {
	return core.Descriptor{
		Name:            name,
		SupportedModels: models,
		FunctionCall:    fc,
		MultiRound:      true,
		ConcurrentSafe:  concurrentSafe,
	}
}

func newTestChannel(name string, priority int, desc core.Descriptor) (*Channel, *fakeAdapter) {
	a := &fakeAdapter{desc: desc, testOK: true}
	ch := NewWithAdapter(Spec{Name: name, Priority: priority, Enabled: true}, a)
	return ch, a
}

func TestNew(t *testing.T) {
	var received map[string]any
	factory := adapters.NewFactory().MustAdd(adapters.Registration{
		Descriptor: descriptor("mock", false, true, "m1"),
		New: func(cfg map[string]any) (core.Adapter, error) {
			if cfg["fail"] == true {
				return nil, errors.New("bad config")
			}
			received = cfg
			return &fakeAdapter{desc: descriptor("mock", false, true, "m1")}, nil
		},
	})

	t.Run("builds through factory", func(t *testing.T) {
		cfg := map[string]any{"api-key": "k"}
		ch, err := New(Spec{Name: " primary ", AdapterType: "mock", Priority: 2, Enabled: true, Config: cfg}, factory)
		require.NoError(t, err)

		assert.Equal(t, "primary", ch.Name())
		assert.Equal(t, "primary", ch.ID())
		assert.Equal(t, "mock", ch.AdapterType())
		assert.Equal(t, 2, ch.Priority())
		assert.True(t, ch.Enabled())
		assert.Equal(t, map[string]any{"api-key": "k"}, received)

		cfg["api-key"] = "changed"
		assert.Equal(t, "k", ch.Config()["api-key"], "channel keeps its own copy of the config")
	})

	t.Run("unknown adapter type", func(t *testing.T) {
		_, err := New(Spec{Name: "x", AdapterType: "nope"}, factory)
		require.EqualError(t, err, `channel "x": unknown adapter type: nope`)
	})

	t.Run("builder error", func(t *testing.T) {
		_, err := New(Spec{Name: "x", AdapterType: "mock", Config: map[string]any{"fail": true}}, factory)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad config")
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := New(Spec{AdapterType: "mock"}, factory)
		require.EqualError(t, err, "channel name is required")
	})
}

func TestChannel_Capable(t *testing.T) {
	plain, _ := newTestChannel("plain", 0, descriptor("plain", false, true, "m"))
	fc, _ := newTestChannel("fc", 0, descriptor("fc", true, true, "m"))

	withFunctions := &core.Request{Model: "m", Options: core.Options{Functions: []core.Function{{Name: "f"}}}}
	streaming := &core.Request{Model: "m", Options: core.Options{Stream: true}}

	assert.False(t, plain.Capable(withFunctions))
	assert.True(t, fc.Capable(withFunctions))
	assert.True(t, plain.Capable(streaming), "non-streaming adapters still answer stream requests")
}

func TestChannel_SerializesUnsafeAdapter(t *testing.T) {
	ch, _ := newTestChannel("web", 0, descriptor("web", false, false, "m"))
	req := &core.Request{Model: "m"}

	first, err := ch.Query(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.Query(ctx, req)
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, _, err = ch.Test(ctx)
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "double close must not release twice")

	second, err := ch.Query(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestChannel_SafeAdapterRunsConcurrently(t *testing.T) {
	ch, a := newTestChannel("api", 0, descriptor("api", true, true, "m"))

	var streams []core.Stream
	for i := 0; i < 3; i++ {
		s, err := ch.Query(context.Background(), &core.Request{Model: "m"})
		require.NoError(t, err)
		streams = append(streams, s)
	}
	for _, s := range streams {
		require.NoError(t, s.Close())
	}
	assert.Equal(t, 3, a.queries)
}

func TestChannel_CloseWaitsForInFlight(t *testing.T) {
	tests := []struct {
		name           string
		concurrentSafe bool
	}{
		{name: "serialized", concurrentSafe: false},
		{name: "concurrent", concurrentSafe: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, a := newTestChannel("c", 0, descriptor("c", false, tt.concurrentSafe, "m"))

			stream, err := ch.Query(context.Background(), &core.Request{Model: "m"})
			require.NoError(t, err)

			require.NoError(t, ch.Close())
			assert.Equal(t, 0, a.closeCount(), "adapter stays open while a stream is in flight")

			require.NoError(t, stream.Close())
			assert.Equal(t, 1, a.closeCount())

			require.NoError(t, ch.Close())
			assert.Equal(t, 1, a.closeCount(), "adapter is closed once")
		})
	}
}

func TestChannel_CloseIdle(t *testing.T) {
	ch, a := newTestChannel("c", 0, descriptor("c", false, false, "m"))

	ok, _, err := ch.Test(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ch.Close())
	assert.Equal(t, 1, a.closeCount())
}

func TestChannel_QueryAfterClose(t *testing.T) {
	ch, a := newTestChannel("c", 0, descriptor("c", false, false, "m"))
	require.NoError(t, ch.Close())

	_, err := ch.Query(context.Background(), &core.Request{Model: "m"})
	require.ErrorIs(t, err, ErrClosed)
	_, _, err = ch.Test(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, 0, a.queries, "closed adapter must not open a new session")
	assert.Equal(t, 1, a.closeCount())

	// the serialized lock is free again
	ch2, _ := newTestChannel("d", 0, descriptor("d", false, false, "m"))
	stream, err := ch2.Query(context.Background(), &core.Request{Model: "m"})
	require.NoError(t, err)
	require.NoError(t, ch2.Close())
	require.NoError(t, stream.Close())
	_, err = ch2.Query(context.Background(), &core.Request{Model: "m"})
	require.ErrorIs(t, err, ErrClosed)
}
