package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chorebot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.heartbeat", strings.TrimSpace(newCfg.Scheduler.Heartbeat)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Chores, newCfg.Chores) {
		changed = append(changed, "chores")
		attrs = append(attrs,
			logx.Int("chores.peer_count", len(newCfg.Chores.Peers)),
			logx.Bool("chores.self_verify", newCfg.Chores.SelfVerify),
			logx.Int("chores.default_pause_hours", newCfg.Chores.DefaultPauseHours),
		)
	}

	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.queue_size", nN.QueueSize),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS.Driver != nS.Driver || (oS.Path != "") != (nS.Path != "") || oS.BusyTimeout != nS.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
