package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/trickstertwo/xlog"
)

// Config for the Redis Streams transport and responder.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Streams
	RequestStream string
	ReplyStream   string

	// Consumer group (responder)
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery (responder crash recovery)
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration

	Logger *xlog.Logger
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xtrack"
	}
	consumer := fmt.Sprintf("xtrack-%s-%d", hostname, os.Getpid())

	return Config{
		Addr:          "127.0.0.1:6379",
		RequestStream: "xtrack:requests",
		ReplyStream:   replyStreamFor(consumer),
		Group:         "xtrack",
		Consumer:      consumer,
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

func replyStreamFor(consumer string) string { return "xtrack:replies:" + consumer }

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.RequestStream == "" {
		return fmt.Errorf("config: request_stream required")
	}
	if c.ReplyStream == "" {
		return fmt.Errorf("config: reply_stream required")
	}
	if c.ReplyStream == c.RequestStream {
		return fmt.Errorf("config: reply_stream must differ from request_stream")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// toMap converts typed Config into the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"request_stream":     c.RequestStream,
		"reply_stream":       c.ReplyStream,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
		"logger":             c.Logger,
	}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	d := Defaults()

	getString := func(k, def string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return def
	}
	getInt := func(k string, def int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return def
	}
	getInt64 := func(k string, def int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return def
	}
	getBool := func(k string, def bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return def
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
		Addr:          getString("addr", d.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		RequestStream: getString("request_stream", d.RequestStream),

		Group:       getString("group", d.Group),
		Consumer:    getString("consumer", d.Consumer),
		Concurrency: getInt("concurrency", d.Concurrency),
		BatchSize:   getInt("batch_size", d.BatchSize),
		Block:       getDur("block", d.Block),
		AutoCreate:  getBool("auto_create", d.AutoCreate),

		AutoDeleteOnAck: getBool("auto_delete_on_ack", false),
		DeadLetter:      getString("dead_letter", ""),
		MaxLenApprox:    getInt64("max_len_approx", 0),

		ClaimMinIdle:  getDur("claim_min_idle", 0),
		ClaimBatch:    getInt("claim_batch", d.ClaimBatch),
		ClaimInterval: getDur("claim_interval", d.ClaimInterval),
	}
	// The reply stream follows the consumer name unless set explicitly.
	c.ReplyStream = getString("reply_stream", replyStreamFor(c.Consumer))
	c.Logger, _ = cfg["logger"].(*xlog.Logger)
	return c
}
