// Package core defines the core interfaces and types for the LLM gateway.
package core

import (
	"context"
	"io"
	"slices"
)

// Descriptor is the static capability metadata of an adapter type.
// It never changes at runtime.
type Descriptor struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	SupportedModels []string `json:"supported_models"`

	FunctionCall bool `json:"function_call_supported"`
	Stream       bool `json:"stream_mode_supported"`
	MultiRound   bool `json:"multi_round_supported"`

	// ConcurrentSafe is false when the backend session cannot serve two
	// prompts at once; the owning channel serializes queries in that case.
	ConcurrentSafe bool `json:"concurrent_safe"`

	// ConfigComment documents the configuration keys the adapter reads.
	ConfigComment string `json:"config_comment,omitempty"`
}

// SupportsModel reports whether model is in the closed list of supported models.
func (d Descriptor) SupportsModel(model string) bool {
	return slices.Contains(d.SupportedModels, model)
}

// Stream is a lazy, finite, non-restartable sequence of chunks.
//
// Recv returns io.EOF after the terminal chunk has been delivered. Close must
// be called exactly once by the consumer, even after io.EOF; it releases any
// backend resources still held by the producer.
type Stream interface {
	Recv() (Chunk, error)
	io.Closer
}

// Adapter is the contract every backend integration implements.
// One Adapter value is bound to exactly one channel configuration.
type Adapter interface {
	// Descriptor returns the adapter type's static capabilities.
	Descriptor() Descriptor

	// Test performs a minimal live round trip against the backend.
	// It never returns an error: failures are reported as (false, detail).
	Test(ctx context.Context) (bool, string)

	// Query submits the conversation and returns the reply sequence.
	// Backend failures surface as a terminal FinishError chunk, never as a panic.
	Query(ctx context.Context, req *Request) Stream
}
