package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/trickstertwo/xlog"
)

// Metadata keys; the correlation id uses watermill's own key.
const (
	metaName    = "xtrack_name"
	metaCodec   = "xtrack_codec"
	metaReplyTo = "xtrack_reply_to"
	metaCode    = "xtrack_code"
	metaError   = "xtrack_error"
)

const DefaultRequestTopic = "xtrack.requests"

// Config for the watermill transport and responder.
type Config struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	RequestTopic string
	// ReplyTopic receives this client's responses. It must be unique per
	// client; the default is derived from a fresh UUID.
	ReplyTopic string

	Logger *xlog.Logger
}

func Defaults() Config {
	return Config{
		RequestTopic: DefaultRequestTopic,
		ReplyTopic:   "xtrack.replies." + watermill.NewShortUUID(),
	}
}

func (c Config) Validate() error {
	if c.Publisher == nil {
		return fmt.Errorf("config: publisher required")
	}
	if c.Subscriber == nil {
		return fmt.Errorf("config: subscriber required")
	}
	if c.RequestTopic == "" {
		return fmt.Errorf("config: request_topic required")
	}
	if c.ReplyTopic == "" {
		return fmt.Errorf("config: reply_topic required")
	}
	if c.ReplyTopic == c.RequestTopic {
		return fmt.Errorf("config: reply_topic must differ from request_topic")
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"publisher":     c.Publisher,
		"subscriber":    c.Subscriber,
		"request_topic": c.RequestTopic,
		"reply_topic":   c.ReplyTopic,
		"logger":        c.Logger,
	}
}

// ConfigFromMap converts cfg into Config, filling defaults.
func ConfigFromMap(cfg map[string]any) Config {
	d := Defaults()

	getString := func(k, def string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return def
	}

	c := Config{
		RequestTopic: getString("request_topic", d.RequestTopic),
		ReplyTopic:   getString("reply_topic", d.ReplyTopic),
	}
	c.Publisher, _ = cfg["publisher"].(message.Publisher)
	c.Subscriber, _ = cfg["subscriber"].(message.Subscriber)
	c.Logger, _ = cfg["logger"].(*xlog.Logger)
	return c
}
