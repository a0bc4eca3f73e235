package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"chorebot/internal/chore"
	"chorebot/internal/config"
	"chorebot/internal/notifier"
	"chorebot/internal/scheduler"
	"chorebot/internal/storage"
)

// tokenEnvVar supplies the bot token when the config file leaves it empty.
const tokenEnvVar = "CHOREBOT_TOKEN"

func resolveToken(cfg *config.Config) (string, error) {
	if t := strings.TrimSpace(cfg.Telegram.Token); t != "" {
		return t, nil
	}
	if t := strings.TrimSpace(os.Getenv(tokenEnvVar)); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("no bot token: set telegram.token or %s", tokenEnvVar)
}

func mapDelays(cfg *config.Config) (chore.Delays, error) {
	postpone, err := config.ParseDurationField("chores.postpone_delay", cfg.Chores.PostponeDelay)
	if err != nil {
		return chore.Delays{}, err
	}
	followUp, err := config.ParseDurationField("chores.follow_up_delay", cfg.Chores.FollowUpDelay)
	if err != nil {
		return chore.Delays{}, err
	}
	renotify, err := config.ParseDurationField("chores.renotify_every", cfg.Chores.RenotifyEvery)
	if err != nil {
		return chore.Delays{}, err
	}
	return chore.Delays{Postpone: postpone, FollowUp: followUp, Renotify: renotify}.WithDefaults(), nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	heartbeat, err := config.ParseDurationOrDefault("scheduler.heartbeat", cfg.Scheduler.Heartbeat, 60*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	retain, err := config.ParseDurationOrDefault("scheduler.retain_verified", cfg.Scheduler.RetainVerified, 7*24*time.Hour)
	if err != nil {
		return scheduler.Config{}, err
	}
	delays, err := mapDelays(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Heartbeat:      heartbeat,
		Timezone:       cfg.Scheduler.Timezone,
		Delays:         delays,
		RetainVerified: retain,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.NotifierConfig{}
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	s := config.StorageConfig{}
	if cfg.Storage != nil {
		s = *cfg.Storage
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := s.Driver
	if strings.TrimSpace(driver) == "" {
		driver = "sqlite"
	}
	return storage.Config{
		Driver:      driver,
		Path:        s.Path,
		BusyTimeout: busy,
	}, nil
}

func defaultPause(cfg *config.Config) time.Duration {
	h := cfg.Chores.DefaultPauseHours
	if h <= 0 {
		h = 24
	}
	return time.Duration(h) * time.Hour
}
