// Package logsink is a transport.Adapter that only logs what it would send.
// It backs transport.driver=log, used for dry runs and local development.
package logsink

import (
	"context"
	"sync/atomic"

	"automsg/internal/transport"
	"automsg/pkg/logx"
)

type Adapter struct {
	log  logx.Logger
	seq  atomic.Int64
	sent atomic.Uint64
}

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error                                { return nil }

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	a.sent.Add(1)
	a.log.Info("send",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.String("text", text),
	)
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: int(a.seq.Add(1))}, nil
}

// Sent reports how many messages went through the sink.
func (a *Adapter) Sent() uint64 { return a.sent.Load() }
