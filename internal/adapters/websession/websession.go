// Package websession drives a logged-in web chat session as a backend.
//
// Each query opens a fresh chat in the session, sends the whole
// conversation flattened into one prompt, reads the answer and deletes the
// chat again. The session itself cannot serve two prompts at once.
package websession

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"onegate/internal/adapters"
	"onegate/internal/core"
	"onegate/internal/pkg/httpclient"
)

const (
	providerName     = "websession"
	defaultBaseURL   = "https://claude.ai/api"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	probeMessage     = "Hello, Claude!"
	cleanupTimeout   = 30 * time.Second

	emptyAnswerMessage = "Error in getting response"
)

// Config is decoded from the channel's adapter config.
type Config struct {
	Cookie     string        `mapstructure:"cookie"`
	UserAgent  string        `mapstructure:"user-agent"`
	OrgID      string        `mapstructure:"org-id"`
	BaseURL    string        `mapstructure:"base-url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max-retries"`
}

var descriptor = core.Descriptor{
	Name:            providerName,
	Description:     "Use a logged-in web chat session (cookie + organization id) as a backend.",
	SupportedModels: []string{"gpt-3.5-turbo", "gpt-4", "claude-3-opus"},
	FunctionCall:    false,
	Stream:          false,
	MultiRound:      true,
	ConcurrentSafe:  false,
	ConfigComment: `cookie: full Cookie header of a logged-in browser session
user-agent: browser User-Agent the cookie was issued to
org-id: organization id of the account
base-url: API root (default ` + defaultBaseURL + `)
timeout: per-request timeout, e.g. 240s
max-retries: retries of rate-limited or overloaded calls (default 0)`,
}

// Registration provides factory registration for the web session adapter.
var Registration = adapters.Registration{
	Descriptor: descriptor,
	New:        New,
}

// Adapter implements core.Adapter over a SessionClient.
type Adapter struct {
	cfg        Config
	newSession func(Config) SessionClient

	mu      sync.Mutex
	session SessionClient
}

// New builds an adapter from a channel's raw configuration.
func New(raw map[string]any) (core.Adapter, error) {
	var cfg Config
	if err := adapters.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return NewWithSession(cfg, newHTTPSession)
}

// NewWithSession builds an adapter whose session is produced by newSession on
// first use.
func NewWithSession(cfg Config, newSession func(Config) SessionClient) (*Adapter, error) {
	if strings.TrimSpace(cfg.Cookie) == "" {
		return nil, fmt.Errorf("websession: cookie is required")
	}
	if strings.TrimSpace(cfg.OrgID) == "" {
		return nil, fmt.Errorf("websession: org-id is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = httpclient.DefaultTimeout
	}
	return &Adapter{cfg: cfg, newSession: newSession}, nil
}

// Descriptor returns the adapter's static capabilities.
func (a *Adapter) Descriptor() core.Descriptor {
	return descriptor
}

// sessionClient returns the lazily created session.
func (a *Adapter) sessionClient() SessionClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		a.session = a.newSession(a.cfg)
	}
	return a.session
}

// Test creates a chat, sends a greeting and removes the chat again. The
// round trip succeeding is enough; the answer itself is not inspected.
func (a *Adapter) Test(ctx context.Context) (bool, string) {
	if _, err := a.converse(ctx, "", probeMessage); err != nil {
		return false, core.ClassifyBackendError(providerName, 0, err).Error()
	}
	return true, ""
}

// Close drops the session. A later call opens a new one.
func (a *Adapter) Close() error {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()

	if closer, ok := session.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Query yields a single terminal chunk: STOP with the answer, or ERROR.
func (a *Adapter) Query(ctx context.Context, req *core.Request) core.Stream {
	id := core.NewCorrelationID()
	prompt := core.FlattenPrompt(req.Messages)

	return core.NewProducerStream(ctx, 1, func(ctx context.Context, emit core.Emit) {
		answer, err := a.converse(ctx, req.Model, prompt)
		if err == nil && strings.TrimSpace(answer) == "" {
			err = &core.BackendError{Kind: core.BackendFailure, Provider: providerName, Message: emptyAnswerMessage}
		}
		if err != nil {
			emit(core.ErrorChunk(id, core.ClassifyBackendError(providerName, 0, err)))
			return
		}
		emit(core.Chunk{ID: id, FinishReason: core.FinishStop, NormalMessage: answer})
	})
}

// converse runs one chat lifecycle. The chat is deleted before converse
// returns on every path where it was created.
func (a *Adapter) converse(ctx context.Context, model, prompt string) (string, error) {
	session := a.sessionClient()

	chatID, err := session.CreateChat(ctx)
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	defer a.deleteChat(ctx, session, chatID)

	answer, err := session.SendMessage(ctx, chatID, model, prompt)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return answer, nil
}

// deleteChat survives cancellation of the query context so an abandoned
// request still removes its chat.
func (a *Adapter) deleteChat(ctx context.Context, session SessionClient, chatID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := session.DeleteChat(ctx, chatID); err != nil {
		slog.Warn("failed to delete chat", "adapter", providerName, "chat_id", chatID, "error", err)
	}
}
