package notifier

import (
	"time"

	kit "fxalert/internal/transport"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	ParseMode     string
	// OpsChatID receives operator alerts from the log sink. 0 disables them.
	OpsChatID int64
}

// Kind labels a message for metrics and bus events.
type Kind string

const (
	KindAlert         Kind = "alert"
	KindGroupAlert    Kind = "group_alert"
	KindChannelAlert  Kind = "channel_alert"
	KindDigest        Kind = "digest"
	KindChannelDigest Kind = "channel_digest"
	KindOps           Kind = "ops"
)

type Message struct {
	Kind   Kind
	Target kit.ChatTarget
	Text   string
	// Photo is an optional chart; PhotoCaption is sent with it.
	Photo        []byte
	PhotoCaption string
	// Key is the dedup fingerprint, carried for logs and events only.
	Key string
}

// DeliveryEvent is published on the bus after each delivery attempt chain.
type DeliveryEvent struct {
	Kind     Kind          `json:"kind"`
	ChatID   int64         `json:"chat_id"`
	Key      string        `json:"key,omitempty"`
	Attempts int           `json:"attempts"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}
