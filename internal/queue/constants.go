package queue

import "time"

const (
	// TickInterval is how often the scheduler attempts to drain partitions.
	TickInterval = 50 * time.Millisecond
	// CleanupInterval is how often stale tickets and wait samples are reaped.
	CleanupInterval = 20 * time.Second
	// MaxQueueAge kills any ticket queued longer than this.
	MaxQueueAge = 5 * time.Minute
	// WaitTimeInterval is the EMA refresh cadence.
	WaitTimeInterval = 3 * time.Second

	// TokensPunishmentFactor weights a ticket's deadline by its token cost, in
	// milliseconds per token.
	TokensPunishmentFactor = 2

	// UserConcurrencyLimit caps queued tickets per identity.
	UserConcurrencyLimit = 1
	// LoadThreshold is the queue depth past which non-streaming enqueues are
	// refused and heartbeat padding starts growing.
	LoadThreshold = 50

	// HeartbeatInterval is the SSE keepalive cadence while queued. A client
	// that stops reading is noticed within one interval, at the next failed
	// flush.
	HeartbeatInterval = 5 * time.Second
	// JoinTimeout bounds the initial join-comment flush.
	JoinTimeout = 5 * time.Second

	// PaddingMinBytes and PaddingMaxBytes bound heartbeat comment padding.
	PaddingMinBytes = 16
	PaddingMaxBytes = 8192
	// PayloadScaleFactor scales padding growth above LoadThreshold.
	PayloadScaleFactor = 1
)

const (
	alphaHistorical = 0.2
	alphaCurrent    = 0.3
)
