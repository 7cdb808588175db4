// Package broadcast is the delivery side of auto messages.
//
// A destination id from a message group is resolved to a chat target, queued
// as a job and sent by a small worker pool under a shared rate limit.
// Broadcast never blocks the caller: a full queue, an unknown destination or
// a stopped service drops the job, logs it and publishes a
// broadcast.failed event.
package broadcast
