package websession

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"onegate/internal/pkg/httpclient"
	"onegate/internal/pkg/llmclient"
)

// SessionClient is the backend conversation API the adapter drives.
// Every chat created with CreateChat must be removed with DeleteChat.
type SessionClient interface {
	CreateChat(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, chatID, model, prompt string) (string, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// httpSession speaks the web session REST protocol:
//
//	POST   {base}/organizations/{org}/chats
//	POST   {base}/organizations/{org}/chats/{id}/messages
//	DELETE {base}/organizations/{org}/chats/{id}
type httpSession struct {
	client *llmclient.Client
	cfg    Config
}

func newHTTPSession(cfg Config) SessionClient {
	s := &httpSession{cfg: cfg}
	clientCfg := llmclient.DefaultConfig(providerName, strings.TrimRight(cfg.BaseURL, "/"))
	clientCfg.MaxRetries = cfg.MaxRetries
	s.client = llmclient.NewWithHTTPClient(
		httpclient.NewHTTPClient(httpclient.WithTimeout(cfg.Timeout)),
		clientCfg,
		s.setHeaders,
	)
	return s
}

func (s *httpSession) setHeaders(req *http.Request) {
	req.Header.Set("Cookie", s.cfg.Cookie)
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Accept-Encoding", "br, gzip")
}

// Close drops pooled connections so a retired session holds no sockets.
func (s *httpSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *httpSession) chatsPath() string {
	return "/organizations/" + url.PathEscape(s.cfg.OrgID) + "/chats"
}

func (s *httpSession) CreateChat(ctx context.Context) (string, error) {
	id := uuid.NewString()
	var created struct {
		UUID string `json:"uuid"`
	}
	err := s.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: s.chatsPath(),
		Body:     map[string]string{"uuid": id, "name": ""},
	}, &created)
	if err != nil {
		return "", err
	}
	if created.UUID != "" {
		return created.UUID, nil
	}
	return id, nil
}

type messageBody struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model,omitempty"`
	Timezone string `json:"timezone"`
}

func (s *httpSession) SendMessage(ctx context.Context, chatID, model, prompt string) (string, error) {
	resp, err := s.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: s.chatsPath() + "/" + url.PathEscape(chatID) + "/messages",
		Body:     messageBody{Prompt: prompt, Model: model, Timezone: "UTC"},
	})
	if err != nil {
		return "", err
	}
	return parseCompletion(resp.Body)
}

func (s *httpSession) DeleteChat(ctx context.Context, chatID string) error {
	return s.client.Do(ctx, llmclient.Request{
		Method:   http.MethodDelete,
		Endpoint: s.chatsPath() + "/" + url.PathEscape(chatID),
	}, nil)
}

// parseCompletion accepts either a single JSON object or an event stream of
// "data:" lines, each carrying a completion fragment.
func parseCompletion(body []byte) (string, error) {
	if !bytes.Contains(body, []byte("data:")) {
		return completionText(gjson.ParseBytes(body)), nil
	}

	var b strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" || line == "[DONE]" || !gjson.Valid(line) {
			continue
		}
		event := gjson.Parse(line)
		if msg := event.Get("error.message"); msg.Exists() {
			return "", fmt.Errorf("%s", msg.Str)
		}
		b.WriteString(completionText(event))
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read event stream: %w", err)
	}
	return b.String(), nil
}

func completionText(v gjson.Result) string {
	for _, path := range []string{"completion", "content", "text"} {
		if r := v.Get(path); r.Type == gjson.String {
			return r.Str
		}
	}
	return ""
}
