package app

import (
	"fmt"
	"strings"
	"time"

	"automsg/internal/config"
	"automsg/internal/storage"
	"automsg/internal/transport"
	"automsg/internal/transport/logsink"
	telegram "automsg/internal/transport/telegram/adapter"
	"automsg/pkg/logx"
)

// openTransport builds the configured adapter. It logs through a boot
// console logger because the log service needs the adapter for its chat sink.
func openTransport(cfg *config.Config) (transport.Adapter, error) {
	switch d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)); d {
	case "log":
		return logsink.New(logx.NewConsole("INFO").With(logx.String("comp", "logsink"))), nil
	case "", "telegram":
		pollTimeout, err := cfg.PollTimeout(10 * time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
			Commands:    cfg.Telegram.Commands,
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))
	return st, nil
}
