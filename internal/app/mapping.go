package app

import (
	"strconv"
	"strings"
	"time"

	"automsg/internal/broadcast"
	"automsg/internal/config"
	"automsg/internal/observability/status"
	"automsg/internal/storage"
	"automsg/internal/transport"
	"automsg/pkg/logx"
)

// mapLogConfig converts the logging section. The chat sink target comes from
// telegram.group_log; an unparsable or empty value leaves the sink idle.
func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if to, ok := groupLogTarget(cfg); ok {
		lc.Chat.Target = to
	} else {
		lc.Chat.Enabled = false
	}
	return lc
}

func groupLogTarget(cfg *config.Config) (transport.ChatTarget, bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return transport.ChatTarget{}, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return transport.ChatTarget{}, false
	}
	return transport.ChatTarget{ChatID: id, ThreadID: cfg.Logging.Telegram.ThreadID}, true
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	if b == nil {
		b = &config.BroadcastConfig{}
	}
	retryBase, err := config.ParseDurationOrDefault("broadcast.retry_base", b.RetryBase, broadcast.DefaultRetryBase)
	if err != nil {
		return broadcast.Config{}, err
	}
	jobTTL, err := config.ParseDurationOrDefault("broadcast.job_ttl", b.JobTTL, broadcast.DefaultJobTTL)
	if err != nil {
		return broadcast.Config{}, err
	}
	retryMax := b.RetryMax
	if retryMax == 0 {
		retryMax = broadcast.DefaultRetryMax
	}
	return broadcast.Config{
		Workers:    b.Workers,
		QueueSize:  b.QueueSize,
		RatePerSec: b.RatePerSec,
		RetryMax:   retryMax,
		RetryBase:  retryBase,
		JobTTL:     jobTTL,
		Silent:     b.Silent,
	}, nil
}

func mapDestinations(cfg *config.Config) map[string]transport.ChatTarget {
	out := make(map[string]transport.ChatTarget, len(cfg.Destinations))
	for name, d := range cfg.Destinations {
		out[name] = transport.ChatTarget{ChatID: d.ChatID, ThreadID: d.ThreadID}
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			path = "./automsg.db"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{Driver: driver, Path: path, DSN: sc.DSN}, true, nil
	}
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	read, err := config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 5*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 40*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, 60*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		addr = status.DefaultAddr
	}
	return status.Config{
		Enabled:       sc.Enabled,
		Addr:          addr,
		Token:         sc.Token,
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
