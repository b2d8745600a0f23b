package server

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"

	"onegate/internal/core"
)

// chatRequest is the OpenAI-compatible request body. Tools are accepted as
// an alias for functions.
type chatRequest struct {
	core.Request
	Tools      []chatTool      `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
}

type chatTool struct {
	Type     string        `json:"type"`
	Function core.Function `json:"function"`
}

// toCore folds tools into the legacy functions fields.
func (r *chatRequest) toCore() *core.Request {
	req := r.Request
	for _, t := range r.Tools {
		if t.Type == "" || t.Type == "function" {
			req.Functions = append(req.Functions, t.Function)
		}
	}
	if len(req.FunctionCall) == 0 && len(r.ToolChoice) > 0 {
		req.FunctionCall = toolChoiceToFunctionCall(r.ToolChoice)
	}
	return &req
}

// toolChoiceToFunctionCall maps "auto"/"none"/"required" through unchanged
// and {"type":"function","function":{"name":X}} to {"name":X}.
func toolChoiceToFunctionCall(choice json.RawMessage) json.RawMessage {
	parsed := gjson.ParseBytes(choice)
	if parsed.Type == gjson.String {
		return choice
	}
	if name := parsed.Get("function.name").Str; name != "" {
		out, _ := json.Marshal(map[string]string{"name": name})
		return out
	}
	return nil
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatMessage struct {
	Role         core.Role          `json:"role,omitempty"`
	Content      *string            `json:"content,omitempty"`
	FunctionCall *core.FunctionCall `json:"function_call,omitempty"`
}

func completionID(chunk core.Chunk) string {
	return "chatcmpl-" + strconv.FormatInt(chunk.ID, 10)
}

// completionResponse renders a buffered reply as a chat.completion object.
func completionResponse(model string, created int64, chunk core.Chunk) chatResponse {
	content := chunk.NormalMessage
	reason := string(chunk.FinishReason)
	msg := &chatMessage{Role: core.RoleAssistant, Content: &content, FunctionCall: chunk.FunctionCall}
	if chunk.FunctionCall != nil && content == "" {
		msg.Content = nil
	}
	return chatResponse{
		ID:      completionID(chunk),
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []chatChoice{{Index: 0, Message: msg, FinishReason: &reason}},
	}
}
