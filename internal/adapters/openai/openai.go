// Package openai adapts the OpenAI Chat Completions API, including streaming
// and function calling, to the gateway's adapter contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"onegate/internal/adapters"
	"onegate/internal/core"
	"onegate/internal/pkg/httpclient"
)

const (
	providerName     = "openai"
	defaultTestModel = "gpt-4o-mini"
	streamBuffer     = 16
)

// Config is decoded from the channel's adapter config.
type Config struct {
	APIKey     string        `mapstructure:"api-key"`
	BaseURL    string        `mapstructure:"base-url"`
	TestModel  string        `mapstructure:"test-model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max-retries"`
}

var descriptor = core.Descriptor{
	Name:            providerName,
	Description:     "OpenAI Chat Completions API (or any compatible endpoint).",
	SupportedModels: []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo", "gpt-4o", "gpt-4o-mini"},
	FunctionCall:    true,
	Stream:          true,
	MultiRound:      true,
	ConcurrentSafe:  true,
	ConfigComment: `api-key: OpenAI API key
base-url: API root for compatible endpoints (default https://api.openai.com/v1)
test-model: model used by health probes (default ` + defaultTestModel + `)
timeout: per-request timeout, e.g. 240s
max-retries: SDK retries on 429/5xx (default 0)`,
}

// Registration provides factory registration for the OpenAI adapter.
var Registration = adapters.Registration{
	Descriptor: descriptor,
	New:        New,
}

// Adapter implements core.Adapter for OpenAI.
type Adapter struct {
	client     openai.Client
	httpClient *http.Client
	testModel  string
}

// New builds an adapter from a channel's raw configuration.
func New(raw map[string]any) (core.Adapter, error) {
	var cfg Config
	if err := adapters.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: api-key is required")
	}
	if cfg.TestModel == "" {
		cfg.TestModel = defaultTestModel
	}

	httpClient := httpclient.NewHTTPClient(httpclient.WithTimeout(cfg.Timeout))
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Adapter{client: openai.NewClient(opts...), httpClient: httpClient, testModel: cfg.TestModel}, nil
}

// Close releases pooled connections.
func (a *Adapter) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

// Descriptor returns the adapter's static capabilities.
func (a *Adapter) Descriptor() core.Descriptor {
	return descriptor
}

// Test asks for a one-token completion.
func (a *Adapter) Test(ctx context.Context) (bool, string) {
	_, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     a.testModel,
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage("Hello")},
		MaxTokens: openai.Int(1),
	})
	if err != nil {
		return false, classify(err).Error()
	}
	return true, ""
}

// Query streams when the request asks for it, otherwise yields one terminal chunk.
func (a *Adapter) Query(ctx context.Context, req *core.Request) core.Stream {
	id := core.NewCorrelationID()
	params := buildParams(req)

	return core.NewProducerStream(ctx, streamBuffer, func(ctx context.Context, emit core.Emit) {
		if req.Stream {
			a.stream(ctx, id, params, emit)
			return
		}
		a.complete(ctx, id, params, emit)
	})
}

func (a *Adapter) complete(ctx context.Context, id int64, params openai.ChatCompletionNewParams, emit core.Emit) {
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		emit(core.ErrorChunk(id, classify(err)))
		return
	}
	if len(resp.Choices) == 0 {
		emit(core.ErrorChunk(id, &core.BackendError{Kind: core.BackendFailure, Provider: providerName, Message: "no choices returned"}))
		return
	}

	choice := resp.Choices[0]
	chunk := core.Chunk{ID: id, NormalMessage: choice.Message.Content}
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		chunk.FunctionCall = &core.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
	}
	chunk.FinishReason = finishReason(choice.FinishReason, chunk.FunctionCall != nil)
	if chunk.FinishReason == core.FinishError {
		chunk.NormalMessage = (&core.BackendError{Kind: core.BackendFailure, Provider: providerName, Message: "finish reason " + choice.FinishReason}).Error()
	}
	emit(chunk)
}

// toolCall accumulates streamed tool call fragments.
type toolCall struct{ name, args string }

func (a *Adapter) stream(ctx context.Context, id int64, params openai.ChatCompletionNewParams, emit core.Emit) {
	s := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer s.Close()

	var calls []*toolCall
	for s.Next() {
		for _, ch := range s.Current().Choices {
			if ch.Delta.Content != "" {
				if !emit(core.Chunk{ID: id, NormalMessage: ch.Delta.Content}) {
					return
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				for int(tc.Index) >= len(calls) {
					calls = append(calls, &toolCall{})
				}
				c := calls[tc.Index]
				if tc.Function.Name != "" {
					c.name = tc.Function.Name
				}
				c.args += tc.Function.Arguments
			}
			if ch.FinishReason == "" {
				continue
			}

			terminal := core.Chunk{ID: id, FinishReason: finishReason(ch.FinishReason, len(calls) > 0)}
			switch terminal.FinishReason {
			case core.FinishFunctionCall:
				terminal.FunctionCall = &core.FunctionCall{Name: calls[0].name, Arguments: calls[0].args}
			case core.FinishError:
				terminal.NormalMessage = (&core.BackendError{Kind: core.BackendFailure, Provider: providerName, Message: "finish reason " + ch.FinishReason}).Error()
			}
			emit(terminal)
			return
		}
	}

	if err := s.Err(); err != nil {
		emit(core.ErrorChunk(id, classify(err)))
		return
	}
	emit(core.ErrorChunk(id, &core.BackendError{Kind: core.BackendFailure, Provider: providerName, Message: "stream ended without finish reason"}))
}

func finishReason(reason string, hasCall bool) core.FinishReason {
	switch reason {
	case "stop":
		if hasCall {
			return core.FinishFunctionCall
		}
		return core.FinishStop
	case "tool_calls", "function_call":
		if !hasCall {
			return core.FinishError
		}
		return core.FinishFunctionCall
	case "length":
		return core.FinishLength
	default:
		return core.FinishError
	}
}

func classify(err error) *core.BackendError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return core.ClassifyBackendError(providerName, apiErr.StatusCode, err)
	}
	return core.ClassifyBackendError(providerName, 0, err)
}

func buildParams(req *core.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: buildMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if len(req.Functions) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Functions))
	for i, f := range req.Functions {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        f.Name,
				Description: openai.String(f.Description),
				Parameters:  f.Parameters,
			},
		}
	}
	params.Tools = tools
	if choice, ok := toolChoice(req.FunctionCall); ok {
		params.ToolChoice = choice
	}
	return params
}

// toolChoice maps the legacy function_call option ("none", "auto" or
// {"name": ...}) to the tools API.
func toolChoice(raw json.RawMessage) (openai.ChatCompletionToolChoiceOptionUnionParam, bool) {
	if len(raw) == 0 {
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, false
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(mode)}, true
	}
	var named struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Name != "" {
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: named.Name},
			},
		}, true
	}
	return openai.ChatCompletionToolChoiceOptionUnionParam{}, false
}

// buildMessages converts the conversation. Assistant function calls become
// tool calls with synthetic ids; the following function message answers the
// most recent call of the same name.
func buildMessages(msgs []core.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	pending := map[string]string{}

	for i, m := range msgs {
		switch m.Role {
		case core.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case core.RoleAssistant:
			if m.FunctionCall == nil {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			callID := "call_" + strconv.Itoa(i)
			pending[m.FunctionCall.Name] = callID
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role: "assistant",
				ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
					ID:   callID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      m.FunctionCall.Name,
						Arguments: m.FunctionCall.Arguments,
					},
				}},
			}})
		case core.RoleFunction:
			if callID, ok := pending[m.Name]; ok {
				out = append(out, openai.ToolMessage(m.Content, callID))
				delete(pending, m.Name)
				continue
			}
			out = append(out, openai.UserMessage(m.Name+" returned: "+m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
