package broadcast

import (
	"time"

	"automsg/internal/transport"
)

// Config controls the send pipeline. Zero values take the defaults below.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
	JobTTL     time.Duration
	Silent     bool
}

const (
	DefaultWorkers    = 2
	DefaultQueueSize  = 256
	DefaultRatePerSec = 10
	DefaultRetryMax   = 2
	DefaultRetryBase  = time.Second
	DefaultJobTTL     = time.Hour

	// statusMax bounds retained job statuses regardless of TTL.
	statusMax = 500
	// statusHardMax makes Enqueue prune inline when the ticker falls behind.
	statusHardMax = 2 * statusMax

	defaultPruneEvery = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.JobTTL <= 0 {
		c.JobTTL = DefaultJobTTL
	}
	return c
}

type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobSent    JobState = "sent"
	JobFailed  JobState = "failed"
	JobDropped JobState = "dropped"
)

// JobStatus tracks one send of one text to one destination.
type JobStatus struct {
	ID          string               `json:"id"`
	Destination string               `json:"destination"`
	Target      transport.ChatTarget `json:"target"`
	State       JobState             `json:"state"`
	Attempts    int                  `json:"attempts"`
	Err         string               `json:"err,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   time.Time            `json:"started_at,omitempty"`
	DoneAt      time.Time            `json:"done_at,omitempty"`
}

// FailedEvent is published on the event bus when a job ends failed or dropped.
type FailedEvent struct {
	JobID       string
	Destination string
	Text        string
	Attempts    int
	Err         string
}

// Stats are cumulative counters since New.
type Stats struct {
	Queued   uint64 `json:"queued"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
}

type job struct {
	id   string
	dest string
	to   transport.ChatTarget
	text string
}
