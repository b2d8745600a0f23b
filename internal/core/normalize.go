package core

import (
	"fmt"
	"strings"
)

// ModelLookup answers whether any registered channel serves a model.
type ModelLookup interface {
	Supports(model string) bool
}

// Normalize validates req and returns a detached copy safe to hand to
// adapters. The caller's request is never modified.
func Normalize(req *Request, models ModelLookup) (*Request, error) {
	if req == nil {
		return nil, NewInvalidRequestError("request body is required", nil)
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, NewInvalidRequestError("model is required", nil)
	}
	if len(req.Messages) == 0 {
		return nil, NewInvalidRequestError("messages must not be empty", nil)
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return nil, NewInvalidRequestError(fmt.Sprintf("messages[%d]: unknown role %q", i, m.Role), nil)
		}
	}
	for i, f := range req.Functions {
		if strings.TrimSpace(f.Name) == "" {
			return nil, NewInvalidRequestError(fmt.Sprintf("functions[%d]: name is required", i), nil)
		}
	}
	if models != nil && !models.Supports(model) {
		return nil, NewInvalidRequestError("unsupported model: "+model, nil)
	}

	out := &Request{
		Model:    model,
		Messages: make([]Message, len(req.Messages)),
		Options:  req.Options,
	}
	copy(out.Messages, req.Messages)
	if len(req.Functions) > 0 {
		out.Functions = make([]Function, len(req.Functions))
		copy(out.Functions, req.Functions)
	}
	return out, nil
}

// FlattenPrompt renders a conversation as a single prompt for backends that
// only accept one turn: one "role: content" line per message, in order,
// followed by an "assistant: " cue.
func FlattenPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString(string(RoleAssistant))
	b.WriteString(": ")
	return b.String()
}
