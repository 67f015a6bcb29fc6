// Package queue holds waiting requests in per-family partitions and dispatches
// them with a cost-weighted earliest-deadline-first scan whenever the family's
// key pool has a free key. It also produces the wait estimates and heartbeat
// padding the streaming surface reports while clients wait.
package queue

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openmux/llm-relay/internal/models"
)

var (
	// ErrTooManyRequests rejects an identity that already has its limit of
	// queued tickets.
	ErrTooManyRequests = errors.New("queue: identity already has a queued request")
	// ErrStreamingRequired rejects non-streaming enqueues while the queue is
	// above the load threshold.
	ErrStreamingRequired = errors.New("queue: load too high for non-streaming requests, enable streaming")
	// ErrQueueTimeout is delivered to tickets killed by the reaper.
	ErrQueueTimeout = errors.New("queue: request spent too long in queue")
	// ErrClosed rejects enqueues after shutdown.
	ErrClosed = errors.New("queue: closed")
)

// Ticket is one queued request. The queue owns the scheduling fields; the
// caller owns everything the callbacks need.
type Ticket struct {
	ID       string
	Identity string
	Family   models.Family

	PromptTokens int64
	OutputTokens int64
	Streaming    bool

	// StartTime is the first enqueue, driving the reaper and wait accounting.
	StartTime time.Time
	// RetryCount is how many times the ticket went back after a failed attempt.
	RetryCount int

	// Dispatch runs on its own goroutine when the ticket is selected.
	Dispatch func(*Ticket)
	// Kill delivers a terminal error to a ticket that never dispatched.
	Kill func(*Ticket, error)

	// enqueuedAt drives deadline priority. Reenqueue resets it so retries
	// compete as fresh arrivals instead of jumping the partition.
	enqueuedAt int64
}

// deadline is the EDF sort key: arrival plus a light token-cost penalty.
func (t *Ticket) deadline() int64 {
	return t.enqueuedAt + TokensPunishmentFactor*(t.PromptTokens+t.OutputTokens)
}

// LockoutSource is the key pool view the scheduler needs.
type LockoutSource interface {
	GetLockoutPeriod(f models.Family) time.Duration
}

type waitSample struct {
	takenAtMS int64
	wait      time.Duration
}

type familyStats struct {
	historicalEMA float64
	currentEMA    float64
}

// Metrics receives scheduling events. Implementations must not block.
type Metrics interface {
	TicketEnqueued(f models.Family, depth int)
	TicketDequeued(f models.Family, wait time.Duration, retries int)
	TicketKilled(f models.Family)
	EnqueueRejected(reason string)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) TicketEnqueued(models.Family, int)                {}
func (NopMetrics) TicketDequeued(models.Family, time.Duration, int) {}
func (NopMetrics) TicketKilled(models.Family)                       {}
func (NopMetrics) EnqueueRejected(string)                           {}

// Config tunes a Queue.
type Config struct {
	UserConcurrencyLimit int
	LoadThreshold        int
	Log                  *slog.Logger
	Metrics              Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.UserConcurrencyLimit <= 0 {
		cfg.UserConcurrencyLimit = UserConcurrencyLimit
	}
	if cfg.LoadThreshold <= 0 {
		cfg.LoadThreshold = LoadThreshold
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	return cfg
}

// Queue is the partitioned scheduler. One instance serves every family.
type Queue struct {
	cfg     Config
	lockout LockoutSource
	log     *slog.Logger

	mu            sync.Mutex
	partitions    map[models.Family][]*Ticket
	byID          map[string]*Ticket
	identityCount map[string]int
	waitSamples   map[models.Family][]waitSample
	stats         map[models.Family]*familyStats
	closed        bool

	nowMS func() int64

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a stopped queue; Start launches the loops.
func New(lockout LockoutSource, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:           cfg,
		lockout:       lockout,
		log:           cfg.Log,
		partitions:    make(map[models.Family][]*Ticket),
		byID:          make(map[string]*Ticket),
		identityCount: make(map[string]int),
		waitSamples:   make(map[models.Family][]waitSample),
		stats:         make(map[models.Family]*familyStats),
		nowMS:         func() int64 { return time.Now().UnixMilli() },
		done:          make(chan struct{}),
	}
}

// Start launches the scheduler, reaper, and EMA loops.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Close stops the loops and kills everything still queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()

	for _, t := range q.drainAll() {
		if t.Kill != nil {
			t.Kill(t, ErrClosed)
		}
	}
}

func (q *Queue) run() {
	defer q.wg.Done()

	tick := time.NewTicker(TickInterval)
	cleanup := time.NewTicker(CleanupInterval)
	ema := time.NewTicker(WaitTimeInterval)
	defer tick.Stop()
	defer cleanup.Stop()
	defer ema.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-tick.C:
			q.dispatchReady()
		case <-cleanup.C:
			q.reap()
		case <-ema.C:
			q.refreshEstimates()
		}
	}
}

// Enqueue admits a ticket and returns its position within the family
// partition, 1-based, for the join comment.
func (q *Queue) Enqueue(t *Ticket) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}
	if q.identityCount[t.Identity] >= q.cfg.UserConcurrencyLimit {
		q.cfg.Metrics.EnqueueRejected("concurrency")
		return 0, ErrTooManyRequests
	}
	if !t.Streaming && q.loadLocked() >= q.cfg.LoadThreshold {
		q.cfg.Metrics.EnqueueRejected("load")
		return 0, ErrStreamingRequired
	}

	now := q.nowMS()
	if t.StartTime.IsZero() {
		t.StartTime = time.UnixMilli(now)
	}
	t.enqueuedAt = now

	q.partitions[t.Family] = append(q.partitions[t.Family], t)
	q.byID[t.ID] = t
	q.identityCount[t.Identity]++
	depth := len(q.partitions[t.Family])
	q.cfg.Metrics.TicketEnqueued(t.Family, depth)
	return depth, nil
}

// Reenqueue puts a ticket back after a failed attempt. The caller reverts its
// request mutations first; scheduling state resets so the retry competes as a
// fresh arrival while StartTime keeps the reaper honest.
func (q *Queue) Reenqueue(t *Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	t.RetryCount++
	t.enqueuedAt = q.nowMS()
	q.partitions[t.Family] = append(q.partitions[t.Family], t)
	q.byID[t.ID] = t
	q.identityCount[t.Identity]++
	q.cfg.Metrics.TicketEnqueued(t.Family, len(q.partitions[t.Family]))
	return nil
}

// Remove drops a still-queued ticket, e.g. on client abort. It reports whether
// the ticket was found; a false return means the ticket already dispatched.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return false
	}
	q.removeLocked(t)
	return true
}

// Position returns the ticket's 1-based rank in its partition by deadline, or
// 0 when it is no longer queued.
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return 0
	}
	pos := 1
	for _, other := range q.partitions[t.Family] {
		if other != t && other.deadline() < t.deadline() {
			pos++
		}
	}
	return pos
}

// Load is the total number of queued tickets across families.
func (q *Queue) Load() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked()
}

// Depth is the number of queued tickets in one family.
func (q *Queue) Depth(f models.Family) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.partitions[f])
}

// EstimatedWait blends historical and current EMAs for the family.
func (q *Queue) EstimatedWait(f models.Family) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.stats[f]
	if !ok {
		return 0
	}
	return time.Duration((s.historicalEMA + s.currentEMA) / 2 * float64(time.Millisecond))
}

func (q *Queue) loadLocked() int {
	return len(q.byID)
}

func (q *Queue) removeLocked(t *Ticket) {
	part := q.partitions[t.Family]
	for i, other := range part {
		if other == t {
			q.partitions[t.Family] = append(part[:i], part[i+1:]...)
			break
		}
	}
	delete(q.byID, t.ID)
	if q.identityCount[t.Identity] <= 1 {
		delete(q.identityCount, t.Identity)
	} else {
		q.identityCount[t.Identity]--
	}
}

// dispatchReady pops at most one ticket per family whose pool has a free key.
func (q *Queue) dispatchReady() {
	var ready []*Ticket

	q.mu.Lock()
	for family, part := range q.partitions {
		if len(part) == 0 {
			continue
		}
		if q.lockout.GetLockoutPeriod(family) != 0 {
			continue
		}

		best := part[0]
		for _, t := range part[1:] {
			if t.deadline() < best.deadline() {
				best = t
			}
		}
		q.removeLocked(best)

		// Measured from the first enqueue, so a re-enqueued ticket's earlier
		// waiting still counts toward the estimates.
		wait := time.Duration(q.nowMS()-best.StartTime.UnixMilli()) * time.Millisecond
		q.waitSamples[family] = append(q.waitSamples[family], waitSample{takenAtMS: q.nowMS(), wait: wait})
		q.cfg.Metrics.TicketDequeued(family, wait, best.RetryCount)
		ready = append(ready, best)
	}
	q.mu.Unlock()

	for _, t := range ready {
		go t.Dispatch(t)
	}
}

// reap kills tickets past MaxQueueAge and prunes old wait samples.
func (q *Queue) reap() {
	cutoff := q.nowMS() - MaxQueueAge.Milliseconds()

	var expired []*Ticket
	q.mu.Lock()
	for _, t := range q.byID {
		if t.StartTime.UnixMilli() < cutoff {
			expired = append(expired, t)
		}
	}
	for _, t := range expired {
		q.removeLocked(t)
		q.cfg.Metrics.TicketKilled(t.Family)
	}
	for family, samples := range q.waitSamples {
		kept := samples[:0]
		for _, s := range samples {
			if s.takenAtMS >= cutoff {
				kept = append(kept, s)
			}
		}
		q.waitSamples[family] = kept
	}
	q.mu.Unlock()

	for _, t := range expired {
		q.log.Warn("killing stale queued request",
			slog.String("ticket", t.ID),
			slog.String("family", string(t.Family)),
			slog.Int("retries", t.RetryCount),
		)
		if t.Kill != nil {
			t.Kill(t, ErrQueueTimeout)
		}
	}
}

// refreshEstimates advances both EMAs for every family with history or queued
// tickets.
func (q *Queue) refreshEstimates() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowMS()
	cutoff := now - MaxQueueAge.Milliseconds()

	families := make(map[models.Family]bool)
	for f := range q.waitSamples {
		families[f] = true
	}
	for f := range q.partitions {
		families[f] = true
	}

	for f := range families {
		s := q.stats[f]
		if s == nil {
			s = &familyStats{}
			q.stats[f] = s
		}

		var sum float64
		var n int
		for _, sample := range q.waitSamples[f] {
			if sample.takenAtMS >= cutoff {
				sum += float64(sample.wait.Milliseconds())
				n++
			}
		}
		if n > 0 {
			s.historicalEMA = alphaHistorical*(sum/float64(n)) + (1-alphaHistorical)*s.historicalEMA
		}

		var longest float64
		for _, t := range q.partitions[f] {
			if w := float64(now - t.StartTime.UnixMilli()); w > longest {
				longest = w
			}
		}
		s.currentEMA = alphaCurrent*longest + (1-alphaCurrent)*s.currentEMA
	}
}

func (q *Queue) drainAll() []*Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Ticket, 0, len(q.byID))
	for _, t := range q.byID {
		out = append(out, t)
	}
	q.partitions = make(map[models.Family][]*Ticket)
	q.byID = make(map[string]*Ticket)
	q.identityCount = make(map[string]int)
	return out
}
