package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"automsg/internal/app"
	"automsg/internal/config"
	"automsg/pkg/logx"
	"automsg/pkg/systemd"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("automsg", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", "./automsg.yaml", "path to config file (.yaml, .json or .jsonc)")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the config (missing file is fine)")
	check := fs.Bool("check", false, "validate the config, print the group report and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "env file:", err)
		return 1
	}

	wrote, err := config.EnsureDefault(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if wrote {
		fmt.Fprintln(os.Stderr, "wrote default config to", *cfgPath)
	}

	if *check {
		if _, err := app.Check(context.Background(), *cfgPath, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "config check failed:", err)
			return 1
		}
		return 0
	}

	notify := systemd.NewNotifier(logx.NewConsole("INFO").With(logx.String("comp", "systemd")))
	a, err := app.NewApp(*cfgPath, app.WithReloadHook(func(reason string) {
		// The initial reload happens before READY=1.
		if reason != "start" {
			notify.Reloaded()
		}
	}))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return 1
	}
	notify.Ready()
	go notify.Watchdog(ctx)

	reason := app.StopUnknown
	code := 0
loop:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := a.Reload("SIGHUP"); err != nil {
					fmt.Fprintln(os.Stderr, "reload:", err)
				}
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
				break loop
			default:
				reason = app.StopSIGINT
				break loop
			}
		case <-a.Done():
			reason = app.StopFatalError
			if err := a.Err(); err != nil {
				fmt.Fprintln(os.Stderr, "fatal:", err)
			}
			code = 1
			break loop
		}
	}

	notify.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return code
}
