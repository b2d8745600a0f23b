package core

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
)

// maxCorrelationID bounds the invocation-scoped correlation token.
const maxCorrelationID = 1_000_000_000

// NewCorrelationID returns a random invocation-scoped id. It is advisory:
// consumers correlate by stream, never by id alone.
func NewCorrelationID() int64 {
	return rand.Int64N(maxCorrelationID + 1)
}

// ErrorChunk builds the terminal chunk an adapter yields instead of raising.
func ErrorChunk(id int64, err *BackendError) Chunk {
	return Chunk{ID: id, FinishReason: FinishError, NormalMessage: err.Error()}
}

// sliceStream replays a fixed list of chunks.
type sliceStream struct {
	chunks []Chunk
	pos    int
}

// NewSliceStream returns a Stream over already-computed chunks. Non-streaming
// adapters use it to yield their single terminal chunk.
func NewSliceStream(chunks ...Chunk) Stream {
	return &sliceStream{chunks: chunks}
}

func (s *sliceStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

// Emit pushes one chunk to the consumer. It returns false when the consumer
// has gone away and the producer should stop and clean up.
type Emit func(Chunk) bool

// producerStream is a bounded-channel stream driven by a producer goroutine.
type producerStream struct {
	ch     chan Chunk
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewProducerStream runs produce in its own goroutine and exposes its output
// as a Stream. The channel buffer provides backpressure.
//
// Close cancels the producer's context and blocks until produce has returned,
// so any teardown the producer defers has completed when Close returns.
func NewProducerStream(ctx context.Context, buffer int, produce func(ctx context.Context, emit Emit)) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &producerStream{
		ch:     make(chan Chunk, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.ch)
		produce(ctx, func(c Chunk) bool {
			select {
			case s.ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	return s
}

func (s *producerStream) Recv() (Chunk, error) {
	c, ok := <-s.ch
	if !ok {
		return Chunk{}, io.EOF
	}
	return c, nil
}

func (s *producerStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		// drain so a producer blocked on send observes cancellation
		for range s.ch {
		}
		<-s.done
	})
	return nil
}
