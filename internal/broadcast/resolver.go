package broadcast

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"automsg/internal/transport"
)

// ErrUnknownDestination is returned for ids that are neither configured
// names nor literal chat ids.
var ErrUnknownDestination = errors.New("unknown destination")

// Resolver maps destination ids used by message groups to chat targets.
//
// Lookup order: a configured name, then a literal "<chat_id>" or
// "<chat_id>/<thread_id>".
type Resolver struct {
	mu    sync.RWMutex
	named map[string]transport.ChatTarget
}

func NewResolver(named map[string]transport.ChatTarget) *Resolver {
	r := &Resolver{}
	r.Set(named)
	return r
}

// Set replaces the named destinations.
func (r *Resolver) Set(named map[string]transport.ChatTarget) {
	cp := make(map[string]transport.ChatTarget, len(named))
	for k, v := range named {
		cp[strings.TrimSpace(k)] = v
	}
	r.mu.Lock()
	r.named = cp
	r.mu.Unlock()
}

func (r *Resolver) Resolve(dest string) (transport.ChatTarget, error) {
	dest = strings.TrimSpace(dest)
	r.mu.RLock()
	t, ok := r.named[dest]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	return parseLiteral(dest)
}

// Names returns the configured destination names.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.named))
	for k := range r.named {
		out = append(out, k)
	}
	return out
}

func parseLiteral(dest string) (transport.ChatTarget, error) {
	chat, thread, hasThread := strings.Cut(dest, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return transport.ChatTarget{}, fmt.Errorf("%w: %q", ErrUnknownDestination, dest)
	}
	t := transport.ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid < 0 {
			return transport.ChatTarget{}, fmt.Errorf("%w: bad thread in %q", ErrUnknownDestination, dest)
		}
		t.ThreadID = tid
	}
	return t, nil
}
