package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Chores    ChoresConfig    `json:"chores"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via the CHOREBOT_TOKEN env var
	// (or a .env file) instead, so config files stay committable.
	Token string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the heartbeat loop.
//
// All durations are Go duration strings (e.g. "30s", "1m").
type SchedulerConfig struct {
	// Heartbeat is the tick interval. Default "30s".
	Heartbeat string `json:"heartbeat,omitempty"`
	// Timezone is the IANA zone for recurrence math. Default: process local.
	Timezone string `json:"timezone,omitempty"`
	// RetainVerified is how long completed occurrences stay queryable before
	// pruning. Default "168h" (a week).
	RetainVerified string `json:"retain_verified,omitempty"`
}

// ChoresConfig controls the reminder/verification behavior.
type ChoresConfig struct {
	// Peers are the user ids allowed to confirm or reject completions.
	// Empty means anyone except the claim's owner may verify.
	Peers []int64 `json:"peers,omitempty"`
	// SelfVerify lets a chore's owner verify their own completion. Off by
	// default: verification is supposed to be a second pair of eyes.
	SelfVerify bool `json:"self_verify,omitempty"`
	// ConfirmChatID is the default chat for verification requests when a
	// definition doesn't name one. 0 = same chat as the reminder.
	ConfirmChatID int64 `json:"confirm_chat_id,omitempty"`
	// DefaultPauseHours is the /pause window when no argument is given. Default 24.
	DefaultPauseHours int `json:"default_pause_hours,omitempty"`

	// Delay overrides, Go duration strings. All default to "1h".
	PostponeDelay string `json:"postpone_delay,omitempty"`
	FollowUpDelay string `json:"follow_up_delay,omitempty"`
	RenotifyEvery string `json:"renotify_every,omitempty"`
}

// NotifierConfig controls the async dispatch pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chorebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
