package core

import "encoding/json"

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return true
	}
	return false
}

// FunctionCall is a structured call produced by a model (or replayed in history).
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Function describes a callable function offered to the model.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Message represents a single turn in the conversation.
// Order of messages in a request is significant.
type Message struct {
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// Options carries the per-request knobs that influence routing and generation.
type Options struct {
	Stream       bool            `json:"stream,omitempty"`
	Functions    []Function      `json:"functions,omitempty"`
	FunctionCall json.RawMessage `json:"function_call,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	MaxTokens    *int            `json:"max_tokens,omitempty"`
}

// RequiresFunctionCall reports whether the request must be served by an
// adapter that supports function calling.
func (o Options) RequiresFunctionCall() bool {
	return len(o.Functions) > 0
}

// Request is the normalized chat-completion request every adapter speaks.
// It must not be mutated once handed to the dispatcher.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Options
}

// IsMultiRound reports whether the conversation contains more than one turn.
func (r *Request) IsMultiRound() bool {
	return len(r.Messages) > 1
}

// FinishReason tells whether a chunk ends the sequence and why.
type FinishReason string

const (
	FinishNone         FinishReason = ""
	FinishStop         FinishReason = "stop"
	FinishFunctionCall FinishReason = "function_call"
	FinishLength       FinishReason = "length"
	FinishError        FinishReason = "error"
)

// Terminal reports whether the chunk carrying this reason ends the sequence.
func (f FinishReason) Terminal() bool {
	return f != FinishNone
}

// Success reports whether the reason is a successful completion.
func (f FinishReason) Success() bool {
	switch f {
	case FinishStop, FinishFunctionCall, FinishLength:
		return true
	}
	return false
}

// Chunk is one element of the reply sequence produced by Adapter.Query.
//
// Every chunk of a single invocation carries the same ID. Non-terminal chunks
// have FinishReason == FinishNone; exactly one terminal chunk ends the stream.
type Chunk struct {
	ID            int64         `json:"id"`
	FinishReason  FinishReason  `json:"finish_reason"`
	NormalMessage string        `json:"normal_message,omitempty"`
	FunctionCall  *FunctionCall `json:"function_call,omitempty"`
}

// Model represents a single model in the models list
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

// ModelsResponse represents the response from the /v1/models endpoint
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
