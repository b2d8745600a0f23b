package outcomes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore collects written batches.
type memoryStore struct {
	mu      sync.Mutex
	entries []*Entry
	batches int
	flushed bool
	closed  bool
	failing bool
}

func (s *memoryStore) WriteBatch(_ context.Context, entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	if s.failing {
		return errors.New("disk full")
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memoryStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestLogger_FlushOnClose(t *testing.T) {
	store := &memoryStore{}
	l := NewLogger(store, Config{Enabled: true, BufferSize: 10, FlushInterval: time.Hour})

	for i := 0; i < 5; i++ {
		l.Write(&Entry{ID: string(rune('a' + i)), Channel: "c"})
	}
	l.Write(nil)

	require.NoError(t, l.Close())
	assert.Equal(t, 5, store.count())
	assert.True(t, store.flushed)
	assert.True(t, store.closed)

	require.NoError(t, l.Close(), "Close is idempotent")
	l.Write(&Entry{ID: "late"})
	assert.Equal(t, 5, store.count(), "writes after close are ignored")
}

func TestLogger_PeriodicFlush(t *testing.T) {
	store := &memoryStore{}
	l := NewLogger(store, Config{Enabled: true, BufferSize: 10, FlushInterval: 10 * time.Millisecond})
	defer l.Close()

	l.Write(&Entry{ID: "1"})
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLogger_ThresholdFlush(t *testing.T) {
	store := &memoryStore{}
	l := NewLogger(store, Config{Enabled: true, BufferSize: BatchFlushThreshold * 2, FlushInterval: time.Hour})
	defer l.Close()

	for i := 0; i < BatchFlushThreshold; i++ {
		l.Write(&Entry{ID: "x"})
	}
	require.Eventually(t, func() bool { return store.count() == BatchFlushThreshold }, time.Second, 5*time.Millisecond)
}

func TestLogger_DropsWhenFull(t *testing.T) {
	// The flush loop is blocked on a full store for the duration of the test.
	block := make(chan struct{})
	store := &blockingStore{release: block}
	l := NewLogger(store, Config{Enabled: true, BufferSize: 1, FlushInterval: time.Hour})

	for i := 0; i < BatchFlushThreshold+10; i++ {
		l.Write(&Entry{ID: "x"})
	}
	assert.Positive(t, l.Dropped())

	close(block)
	require.NoError(t, l.Close())
}

type blockingStore struct {
	memoryStore
	release chan struct{}
}

func (s *blockingStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	<-s.release
	return s.memoryStore.WriteBatch(ctx, entries)
}

func TestLogger_StoreErrorsAreLogged(t *testing.T) {
	store := &memoryStore{failing: true}
	l := NewLogger(store, Config{Enabled: true, BufferSize: 10, FlushInterval: time.Hour})
	l.Write(&Entry{ID: "1"})
	require.NoError(t, l.Close())
	assert.Equal(t, 1, store.batches)
	assert.Zero(t, store.count())
}

func TestNoopLogger(t *testing.T) {
	var r Recorder = &NoopLogger{}
	r.Write(&Entry{ID: "1"})
	assert.False(t, r.Config().Enabled)
	assert.NoError(t, r.Close())
}
