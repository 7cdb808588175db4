package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Commands enables the long-poll loop. Send-only deployments leave it off
	// so several instances can share one bot token.
	Commands bool
}
