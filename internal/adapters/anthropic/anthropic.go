// Package anthropic adapts the Anthropic Messages API to the gateway's
// adapter contract. Replies are returned whole; function calls map to tools.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"onegate/internal/adapters"
	"onegate/internal/core"
	"onegate/internal/pkg/httpclient"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
	defaultTestModel = "claude-3-haiku-20240307"
)

// modelAliases maps gateway model names to Anthropic model ids.
var modelAliases = map[string]string{
	"claude-3-opus":   "claude-3-opus-20240229",
	"claude-3-sonnet": "claude-3-sonnet-20240229",
	"claude-3-haiku":  "claude-3-haiku-20240307",
}

// Config is decoded from the channel's adapter config.
type Config struct {
	APIKey     string        `mapstructure:"api-key"`
	BaseURL    string        `mapstructure:"base-url"`
	MaxTokens  int64         `mapstructure:"max-tokens"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max-retries"`
}

var descriptor = core.Descriptor{
	Name:            providerName,
	Description:     "Anthropic Messages API.",
	SupportedModels: []string{"claude-3-opus", "claude-3-sonnet", "claude-3-haiku"},
	FunctionCall:    true,
	Stream:          false,
	MultiRound:      true,
	ConcurrentSafe:  true,
	ConfigComment: `api-key: Anthropic API key
base-url: API root (default https://api.anthropic.com)
max-tokens: reply budget when the request sets none (default 4096)
timeout: per-request timeout, e.g. 240s
max-retries: SDK retries on 429/5xx (default 0)`,
}

// Registration provides factory registration for the Anthropic adapter.
var Registration = adapters.Registration{
	Descriptor: descriptor,
	New:        New,
}

// Adapter implements core.Adapter for Anthropic.
type Adapter struct {
	client     anthropic.Client
	httpClient *http.Client
	maxTokens  int64
}

// New builds an adapter from a channel's raw configuration.
func New(raw map[string]any) (core.Adapter, error) {
	var cfg Config
	if err := adapters.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic: api-key is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
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

	return &Adapter{client: anthropic.NewClient(opts...), httpClient: httpClient, maxTokens: cfg.MaxTokens}, nil
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

// Test sends a one-token message.
func (a *Adapter) Test(ctx context.Context) (bool, string) {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(defaultTestModel),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("Hello"))},
	})
	if err != nil {
		return false, classify(err).Error()
	}
	return true, ""
}

// Query yields exactly one terminal chunk.
func (a *Adapter) Query(ctx context.Context, req *core.Request) core.Stream {
	id := core.NewCorrelationID()
	params := a.buildParams(req)

	return core.NewProducerStream(ctx, 1, func(ctx context.Context, emit core.Emit) {
		resp, err := a.client.Messages.New(ctx, params)
		if err != nil {
			emit(core.ErrorChunk(id, classify(err)))
			return
		}
		emit(responseChunk(id, resp))
	})
}

func responseChunk(id int64, resp *anthropic.Message) core.Chunk {
	chunk := core.Chunk{ID: id}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			if chunk.FunctionCall != nil {
				continue
			}
			tu := block.AsToolUse()
			args, err := json.Marshal(tu.Input)
			if err != nil {
				args = []byte("{}")
			}
			chunk.FunctionCall = &core.FunctionCall{Name: tu.Name, Arguments: string(args)}
		}
	}
	chunk.NormalMessage = text.String()

	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		chunk.FinishReason = core.FinishFunctionCall
	case anthropic.StopReasonMaxTokens:
		chunk.FinishReason = core.FinishLength
	default:
		chunk.FinishReason = core.FinishStop
	}
	if chunk.FinishReason == core.FinishFunctionCall && chunk.FunctionCall == nil {
		return core.ErrorChunk(id, &core.BackendError{Kind: core.BackendFailure, Provider: providerName, Message: "tool_use stop without tool call"})
	}
	return chunk
}

func classify(err error) *core.BackendError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return core.ClassifyBackendError(providerName, apiErr.StatusCode, err)
	}
	return core.ClassifyBackendError(providerName, 0, err)
}

func (a *Adapter) buildParams(req *core.Request) anthropic.MessageNewParams {
	model := req.Model
	if alias, ok := modelAliases[model]; ok {
		model = alias
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem && m.Content != "" {
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	if len(req.Functions) > 0 {
		params.Tools = buildTools(req.Functions)
	}
	return params
}

// buildMessages converts the conversation. System messages travel separately;
// function results answer the latest tool_use of the same name.
func buildMessages(msgs []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	pending := map[string]string{}

	for i, m := range msgs {
		switch m.Role {
		case core.RoleSystem:
			continue
		case core.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			if m.FunctionCall != nil {
				toolID := "toolu_" + strconv.Itoa(i)
				pending[m.FunctionCall.Name] = toolID
				var input any = map[string]any{}
				if m.FunctionCall.Arguments != "" {
					if err := json.Unmarshal([]byte(m.FunctionCall.Arguments), &input); err != nil {
						input = m.FunctionCall.Arguments
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(toolID, input, m.FunctionCall.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case core.RoleFunction:
			if toolID, ok := pending[m.Name]; ok {
				delete(pending, m.Name)
				out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(toolID, m.Content, false)))
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Name+" returned: "+m.Content)))
		default:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	return out
}

func buildTools(functions []core.Function) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(functions))
	for i, f := range functions {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := f.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := f.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}

		tools[i] = anthropic.ToolUnionParamOfTool(schema, f.Name)
		if f.Description != "" && tools[i].OfTool != nil {
			tools[i].OfTool.Description = anthropic.String(f.Description)
		}
	}
	return tools
}
