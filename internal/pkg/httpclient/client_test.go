package httpclient

import (
	"testing"
	"time"
)

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", DefaultTimeout},
		{"seconds", "30", 30 * time.Second},
		{"duration", "2m", 2 * time.Minute},
		{"garbage", "soon", DefaultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HTTP_TIMEOUT", tt.value)
			if got := DefaultConfig().Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithTimeout(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT", "")

	cfg := WithTimeout(5 * time.Second)
	if cfg.Timeout != 5*time.Second || cfg.ResponseHeaderTimeout != 5*time.Second {
		t.Errorf("unexpected timeouts: %v / %v", cfg.Timeout, cfg.ResponseHeaderTimeout)
	}

	if got := WithTimeout(0).Timeout; got != DefaultTimeout {
		t.Errorf("zero timeout should keep default, got %v", got)
	}
}

func TestNewHTTPClient(t *testing.T) {
	c := NewHTTPClient(WithTimeout(7 * time.Second))
	if c.Timeout != 7*time.Second {
		t.Errorf("Timeout = %v", c.Timeout)
	}
	if c.Transport == nil {
		t.Error("expected a transport")
	}
}
