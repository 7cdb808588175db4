package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "automsg/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging. Secrets (tokens, DSNs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.Commands != nt.Commands ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.commands", nt.Commands),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs, logx.String("transport.driver", newCfg.Transport.Driver))
	}

	oldSt, newSt := oldCfg.Status, newCfg.Status
	oldSt.Token, newSt.Token = "", ""
	if oldSt != newSt || (oldCfg.Status.Token != "") != (newCfg.Status.Token != "") {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newSt.Enabled),
			logx.String("status.addr", newSt.Addr),
			logx.Bool("status.pprof", newSt.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.AutoMessages, newCfg.AutoMessages) {
		changed = append(changed, "auto_messages")
		attrs = append(attrs, logx.String("auto_messages.settle_delay", newCfg.AutoMessages.SettleDelay))
	}

	ob, nb := derefBroadcast(oldCfg.Broadcast), derefBroadcast(newCfg.Broadcast)
	if ob != nb {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.workers", nb.Workers),
			logx.Int("broadcast.rate_per_sec", nb.RatePerSec),
			logx.Int("broadcast.retry_max", nb.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations) {
		changed = append(changed, "destinations")
		attrs = append(attrs, logx.Int("destinations.count", len(newCfg.Destinations)))
	}

	if messagesHash(oldCfg.Messages) != messagesHash(newCfg.Messages) {
		changed = append(changed, "messages")
		attrs = append(attrs, logx.Int("messages.count", len(newCfg.Messages)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefBroadcast(b *BroadcastConfig) BroadcastConfig {
	if b == nil {
		return BroadcastConfig{}
	}
	return *b
}

// messagesHash ignores whitespace and key order inside each entry.
func messagesHash(raw []json.RawMessage) uint64 {
	h := fnv.New64a()
	for _, r := range raw {
		b := []byte(r)
		var v any
		if json.Unmarshal(r, &v) == nil {
			if c, err := json.Marshal(v); err == nil {
				b = c
			}
		}
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
