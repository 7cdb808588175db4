package broadcast

import (
	"context"
	"time"

	"automsg/internal/eventbus"
	"automsg/internal/transport"
	"automsg/pkg/logx"
)

func (s *Service) worker(ctx context.Context, idx int) {
	s.log.Debug("worker started", logx.Int("worker", idx))
	defer s.log.Debug("worker stopped", logx.Int("worker", idx))
	for {
		// Stop wins over queued work.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.exec(ctx, j)
		}
	}
}

func (s *Service) exec(ctx context.Context, j job) {
	s.update(j.id, func(st *JobStatus) {
		st.State = JobRunning
		st.StartedAt = time.Now()
	})

	attempts, err := s.send(ctx, j)

	now := time.Now()
	if err == nil {
		s.sent.Add(1)
		s.update(j.id, func(st *JobStatus) {
			st.State = JobSent
			st.Attempts = attempts
			st.DoneAt = now
		})
		return
	}

	s.failed.Add(1)
	s.update(j.id, func(st *JobStatus) {
		st.State = JobFailed
		st.Attempts = attempts
		st.Err = err.Error()
		st.DoneAt = now
	})
	s.log.Warn("broadcast send failed",
		logx.String("job", j.id),
		logx.String("destination", j.dest),
		logx.Int64("chat_id", j.to.ChatID),
		logx.Int("thread_id", j.to.ThreadID),
		logx.Int("attempts", attempts),
		logx.Err(err),
	)
	eventbus.Publish(s.bus, eventbus.TypeBroadcastFailed, FailedEvent{
		JobID:       j.id,
		Destination: j.dest,
		Text:        j.text,
		Attempts:    attempts,
		Err:         err.Error(),
	})
}

// send waits on the shared limiter before every attempt and backs off
// linearly between attempts.
func (s *Service) send(ctx context.Context, j job) (int, error) {
	s.mu.Lock()
	lim := s.limiter
	retry := s.cfg.RetryMax
	base := s.cfg.RetryBase
	opt := &transport.SendOptions{DisablePreview: true, Silent: s.cfg.Silent}
	s.mu.Unlock()

	var last error
	for attempt := 1; attempt <= retry+1; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return attempt - 1, err
		}
		_, err := s.adapter.SendText(ctx, j.to, j.text, opt)
		if err == nil {
			return attempt, nil
		}
		last = err
		if attempt > retry {
			return attempt, last
		}
		delay := time.Duration(attempt) * base
		s.log.Debug("broadcast send retry scheduled",
			logx.String("job", j.id),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
	return retry + 1, last
}
