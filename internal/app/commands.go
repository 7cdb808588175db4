package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"automsg/internal/transport"
	"automsg/pkg/logx"
)

type request struct {
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Logger  logx.Logger
}

// handlerFunc returns the reply text; an empty reply sends nothing.
type handlerFunc func(ctx context.Context, req *request) (string, error)

type middleware func(next handlerFunc) handlerFunc

func chain(h handlerFunc, m ...middleware) handlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func mwTimeout(d time.Duration) middleware {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, req *request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func mwPanicRecover() middleware {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, req *request) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func mwRequestLog() middleware {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, req *request) (string, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []logx.Field{
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int("thread_id", req.Chat.ThreadID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				req.Logger.Info("command ok", fields...)
			}
			return reply, err
		}
	}
}

type command struct {
	Name    string
	Help    string
	Handler handlerFunc
}

// commandRouter handles owner-only bot commands from adapter updates.
type commandRouter struct {
	log     logx.Logger
	adapter transport.Adapter
	timeout time.Duration

	mu     sync.RWMutex
	owners []int64
	cmds   map[string]handlerFunc
	help   []command
}

func newCommandRouter(log logx.Logger, adapter transport.Adapter, owners []int64) *commandRouter {
	return &commandRouter{
		log:     log,
		adapter: adapter,
		timeout: 15 * time.Second,
		owners:  slices.Clone(owners),
		cmds:    map[string]handlerFunc{},
	}
}

func (r *commandRouter) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *commandRouter) Register(cmds ...command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		r.cmds[c.Name] = chain(c.Handler, mwPanicRecover(), mwRequestLog(), mwTimeout(r.timeout))
		r.help = append(r.help, c)
	}
	sort.Slice(r.help, func(i, j int) bool { return r.help[i].Name < r.help[j].Name })
}

func (r *commandRouter) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("commands:")
	for _, c := range r.help {
		b.WriteString("\n/")
		b.WriteString(c.Name)
		b.WriteString(" - ")
		b.WriteString(c.Help)
	}
	return b.String()
}

// DispatchLoop routes updates until ctx is done or updates is closed.
// Commands run inline; each is bounded by the router timeout.
func (r *commandRouter) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	r.log.Info("command dispatcher started")
	defer r.log.Info("command dispatcher stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *commandRouter) route(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	owner := slices.Contains(r.owners, msg.FromID)
	h := r.cmds[name]
	r.mu.RUnlock()

	if name == "help" && h == nil {
		h = func(context.Context, *request) (string, error) { return r.helpText(), nil }
	}
	if h == nil {
		return
	}
	if !owner {
		r.log.Debug("command from non-owner ignored", logx.Int64("from_id", msg.FromID), logx.String("cmd", name))
		return
	}

	req := &request{
		Chat:    to,
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		Logger:  r.log.With(logx.String("cmd", name)),
	}
	reply, err := h(ctx, req)
	if err != nil {
		reply = "error: " + err.Error()
	}
	if reply == "" {
		return
	}
	if _, err := r.adapter.SendText(ctx, to, reply, &transport.SendOptions{DisablePreview: true}); err != nil {
		r.log.Warn("command reply failed", logx.String("cmd", name), logx.Err(err))
	}
}

// parseCommand splits "/name@bot arg1 arg2" into its parts.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), parts[1:], true
}
