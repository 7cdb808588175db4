package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks everything except the message definitions, which are
// decoded leniently at rebuild time. It is used both at startup and as the
// hot-reload validator, so a bad edit keeps the previous config running.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)); d {
	case "", "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken))
		}
	case "log":
	default:
		add(fmt.Errorf("transport.driver: unknown %q (want telegram or log)", cfg.Transport.Driver))
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"auto_messages.settle_delay", cfg.AutoMessages.SettleDelay},
		{"auto_messages.source_timeout", cfg.AutoMessages.SourceTimeout},
		{"status.read_timeout", cfg.Status.ReadTimeout},
		{"status.write_timeout", cfg.Status.WriteTimeout},
		{"status.idle_timeout", cfg.Status.IdleTimeout},
	}
	if b := cfg.Broadcast; b != nil {
		durations = append(durations,
			struct{ path, raw string }{"broadcast.retry_base", b.RetryBase},
			struct{ path, raw string }{"broadcast.job_ttl", b.JobTTL},
		)
		if b.Workers < 0 || b.QueueSize < 0 || b.RatePerSec < 0 || b.RetryMax < 0 {
			add(errors.New("broadcast: workers, queue_size, rate_per_sec and retry_max must be >= 0"))
		}
	}
	for _, d := range durations {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	for name, dest := range cfg.Destinations {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t\n") {
			add(fmt.Errorf("destinations: invalid name %q", name))
		}
		if dest.ChatID == 0 {
			add(fmt.Errorf("destinations.%s.chat_id is required", name))
		}
		if dest.ThreadID < 0 {
			add(fmt.Errorf("destinations.%s.thread_id must be >= 0", name))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required when storage.driver=sqlite"))
			}
			_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
			add(err)
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				add(errors.New("storage.dsn is required when storage.driver=postgres"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
	}

	if cfg.Status.Enabled {
		add(validateStatusAddr(cfg.Status))
	}
	return errors.Join(errs...)
}

func validateStatusAddr(sc StatusConfig) error {
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("status.addr: %w", err)
	}
	if isLoopback(host) || sc.AllowInsecure || strings.TrimSpace(sc.Token) != "" {
		return nil
	}
	return fmt.Errorf("status.addr %q is not loopback: set status.token or status.allow_insecure", addr)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
