package websocket

import (
	"fmt"
	"net/url"
	"time"

	"github.com/trickstertwo/xlog"
)

// Subprotocol identifies the frame format spoken by this package.
const Subprotocol = "xtrack.v1"

// Config for the WebSocket client transport.
type Config struct {
	URL   string
	Token string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	Logger *xlog.Logger
}

// Defaults returns a Config with production-safe timeouts and no URL.
func Defaults() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("config: url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: handshake_timeout must be > 0, got %v", c.HandshakeTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("config: write_timeout must be > 0, got %v", c.WriteTimeout)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("config: ping_interval must be >= 0, got %v", c.PingInterval)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":               c.URL,
		"token":             c.Token,
		"handshake_timeout": c.HandshakeTimeout,
		"write_timeout":     c.WriteTimeout,
		"ping_interval":     c.PingInterval,
		"logger":            c.Logger,
	}
}

// ConfigFromMap converts cfg into Config, filling defaults.
func ConfigFromMap(cfg map[string]any) Config {
	d := Defaults()

	getString := func(k string) string {
		v, _ := cfg[k].(string)
		return v
	}
	getDur := func(k string, def time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return def
	}

	c := Config{
		URL:              getString("url"),
		Token:            getString("token"),
		HandshakeTimeout: getDur("handshake_timeout", d.HandshakeTimeout),
		WriteTimeout:     getDur("write_timeout", d.WriteTimeout),
		PingInterval:     getDur("ping_interval", d.PingInterval),
	}
	c.Logger, _ = cfg["logger"].(*xlog.Logger)
	return c
}
