package admin

import (
	"onegate/internal/channel"
)

// OverviewResponse is the JSON response for GET /admin/overview.
type OverviewResponse struct {
	Channels         int    `json:"channels"`
	EnabledChannels  int    `json:"enabled_channels"`
	ExcludedChannels int    `json:"excluded_channels"`
	Models           int    `json:"models"`
	Adapters         int    `json:"adapters"`
	Uptime           string `json:"uptime"`
	Version          string `json:"version"`
	GoVersion        string `json:"go_version"`
}

// ChannelView is one channel as reported by the admin API.
type ChannelView struct {
	Name         string         `json:"name"`
	AdapterType  string         `json:"adapter_type"`
	Priority     int            `json:"priority"`
	Enabled      bool           `json:"enabled"`
	Models       []string       `json:"models"`
	FunctionCall bool           `json:"supports_function_call"`
	Stream       bool           `json:"supports_stream"`
	Health       channel.Health `json:"health"`
}

// TestResult is the JSON response for POST /admin/channels/:name/test.
type TestResult struct {
	Channel string         `json:"channel"`
	OK      bool           `json:"ok"`
	Detail  string         `json:"detail,omitempty"`
	Health  channel.Health `json:"health"`
}
