package notifier

import "time"

// Config controls the async dispatch pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// DispatchEvent is emitted on the event bus for dispatch lifecycle events.
// Keep it small; subscribers may log or serialize it.
type DispatchEvent struct {
	Kind       string    `json:"kind"`
	ChatID     int64     `json:"chat_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
