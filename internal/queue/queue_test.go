package queue

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openmux/llm-relay/internal/models"
)

type fakeLockout struct {
	mu      sync.Mutex
	periods map[models.Family]time.Duration
}

func (f *fakeLockout) GetLockoutPeriod(fam models.Family) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.periods[fam]
}

func newTestQueue(lock *fakeLockout) *Queue {
	if lock == nil {
		lock = &fakeLockout{periods: map[models.Family]time.Duration{}}
	}
	q := New(lock, Config{})
	q.nowMS = func() int64 { return 1_000_000 }
	return q
}

func ticket(id, identity string, fam models.Family, dispatch func(*Ticket)) *Ticket {
	if dispatch == nil {
		dispatch = func(*Ticket) {}
	}
	return &Ticket{ID: id, Identity: identity, Family: fam, Streaming: true, Dispatch: dispatch}
}

func TestEnqueueIdentityLimit(t *testing.T) {
	q := newTestQueue(nil)

	if _, err := q.Enqueue(ticket("a", "user1", models.Claude, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ticket("b", "user1", models.Claude, nil)); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("err = %v, want ErrTooManyRequests", err)
	}
	if _, err := q.Enqueue(ticket("c", "user2", models.Claude, nil)); err != nil {
		t.Errorf("second identity rejected: %v", err)
	}

	// Removal frees the slot.
	if !q.Remove("a") {
		t.Fatal("remove failed")
	}
	if _, err := q.Enqueue(ticket("d", "user1", models.Claude, nil)); err != nil {
		t.Errorf("identity not freed after remove: %v", err)
	}
}

func TestEnqueueLoadThresholdRejectsNonStreaming(t *testing.T) {
	q := New(&fakeLockout{periods: map[models.Family]time.Duration{}}, Config{LoadThreshold: 2})
	q.nowMS = func() int64 { return 0 }

	for i, id := range []string{"a", "b"} {
		tk := ticket(id, id, models.GPT4o, nil)
		tk.Identity = id
		if _, err := q.Enqueue(tk); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	blocked := ticket("c", "c", models.GPT4o, nil)
	blocked.Streaming = false
	if _, err := q.Enqueue(blocked); !errors.Is(err, ErrStreamingRequired) {
		t.Errorf("err = %v, want ErrStreamingRequired", err)
	}

	streaming := ticket("d", "d", models.GPT4o, nil)
	if _, err := q.Enqueue(streaming); err != nil {
		t.Errorf("streaming enqueue above threshold rejected: %v", err)
	}
}

func TestDispatchPicksCheapestDeadline(t *testing.T) {
	lock := &fakeLockout{periods: map[models.Family]time.Duration{}}
	q := newTestQueue(lock)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 4)
	dispatch := func(tk *Ticket) {
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		done <- struct{}{}
	}

	big := ticket("big", "u1", models.Claude, dispatch)
	big.PromptTokens = 10000
	small := ticket("small", "u2", models.Claude, dispatch)
	small.PromptTokens = 10

	if _, err := q.Enqueue(big); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(small); err != nil {
		t.Fatal(err)
	}

	q.dispatchReady()
	<-done
	q.dispatchReady()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "small" || order[1] != "big" {
		t.Errorf("dispatch order = %v, want [small big]", order)
	}
}

func TestDispatchRespectsLockoutPerFamily(t *testing.T) {
	lock := &fakeLockout{periods: map[models.Family]time.Duration{
		models.Claude: 2 * time.Second,
	}}
	q := newTestQueue(lock)

	dispatched := make(chan string, 2)
	dispatch := func(tk *Ticket) { dispatched <- tk.ID }

	if _, err := q.Enqueue(ticket("locked", "u1", models.Claude, dispatch)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ticket("free", "u2", models.GPT4o, dispatch)); err != nil {
		t.Fatal(err)
	}

	q.dispatchReady()

	select {
	case id := <-dispatched:
		if id != "free" {
			t.Errorf("dispatched %q, want free", id)
		}
	case <-time.After(time.Second):
		t.Fatal("unlocked family not dispatched")
	}
	if q.Depth(models.Claude) != 1 {
		t.Errorf("locked family drained, depth = %d", q.Depth(models.Claude))
	}

	lock.mu.Lock()
	lock.periods[models.Claude] = 0
	lock.mu.Unlock()
	q.dispatchReady()
	select {
	case id := <-dispatched:
		if id != "locked" {
			t.Errorf("dispatched %q, want locked", id)
		}
	case <-time.After(time.Second):
		t.Fatal("family not dispatched after lockout cleared")
	}
}

func TestReenqueueResetsPriorityKeepsStartTime(t *testing.T) {
	q := newTestQueue(nil)
	now := int64(1_000_000)
	q.nowMS = func() int64 { return now }

	tk := ticket("r", "u1", models.Claude, nil)
	if _, err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}
	start := tk.StartTime
	firstDeadline := tk.deadline()

	q.Remove("r")
	now += 30_000
	if err := q.Reenqueue(tk); err != nil {
		t.Fatal(err)
	}

	if tk.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", tk.RetryCount)
	}
	if tk.StartTime != start {
		t.Error("StartTime changed on reenqueue")
	}
	if tk.deadline() <= firstDeadline {
		t.Error("deadline not reset on reenqueue")
	}
}

func TestReapKillsStaleTickets(t *testing.T) {
	q := newTestQueue(nil)
	now := int64(10_000_000)
	q.nowMS = func() int64 { return now }

	killed := make(chan error, 1)
	tk := ticket("old", "u1", models.Claude, nil)
	tk.Kill = func(_ *Ticket, err error) { killed <- err }

	if _, err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	now += MaxQueueAge.Milliseconds() + 1000
	q.reap()

	select {
	case err := <-killed:
		if !errors.Is(err, ErrQueueTimeout) {
			t.Errorf("kill error = %v, want ErrQueueTimeout", err)
		}
	default:
		t.Fatal("stale ticket not killed")
	}
	if q.Load() != 0 {
		t.Errorf("load = %d after reap", q.Load())
	}
}

func TestEstimatedWaitTracksSamples(t *testing.T) {
	q := newTestQueue(nil)
	now := int64(1_000_000)
	q.nowMS = func() int64 { return now }

	q.mu.Lock()
	q.waitSamples[models.Claude] = []waitSample{
		{takenAtMS: now, wait: 4 * time.Second},
		{takenAtMS: now, wait: 6 * time.Second},
	}
	q.mu.Unlock()

	q.refreshEstimates()
	first := q.EstimatedWait(models.Claude)
	if first <= 0 {
		t.Fatalf("estimate = %v, want > 0", first)
	}

	q.refreshEstimates()
	second := q.EstimatedWait(models.Claude)
	if second <= first {
		t.Errorf("estimate did not grow toward sample mean: %v then %v", first, second)
	}
	if second > 6*time.Second {
		t.Errorf("estimate overshot samples: %v", second)
	}
}

func TestWaitSampleSpansReenqueue(t *testing.T) {
	q := newTestQueue(nil)
	now := int64(1_000_000)
	q.nowMS = func() int64 { return now }

	tk := ticket("w", "u1", models.Claude, nil)
	if _, err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	// A failed attempt: 30s until it comes back, then 10s more in queue.
	q.Remove("w")
	now += 30_000
	if err := q.Reenqueue(tk); err != nil {
		t.Fatal(err)
	}
	now += 10_000

	q.dispatchReady()

	q.mu.Lock()
	samples := q.waitSamples[models.Claude]
	q.mu.Unlock()
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(samples))
	}
	if want := 40 * time.Second; samples[0].wait != want {
		t.Errorf("recorded wait = %v, want %v measured from the first enqueue", samples[0].wait, want)
	}
}

// While a ticket older than the current estimate stays queued, the estimate
// keeps climbing toward its age. A failed attempt in the middle must not make
// the estimate collapse.
func TestEstimatedWaitGrowsWhileTicketWaits(t *testing.T) {
	lock := &fakeLockout{periods: map[models.Family]time.Duration{
		models.Claude: time.Minute,
	}}
	q := newTestQueue(lock)
	now := int64(1_000_000)
	q.nowMS = func() int64 { return now }

	tk := ticket("stuck", "u1", models.Claude, nil)
	if _, err := q.Enqueue(tk); err != nil {
		t.Fatal(err)
	}

	var prev time.Duration
	for i := 0; i < 20; i++ {
		now += WaitTimeInterval.Milliseconds()
		if i == 10 {
			q.Remove("stuck")
			if err := q.Reenqueue(tk); err != nil {
				t.Fatal(err)
			}
		}
		q.refreshEstimates()

		est := q.EstimatedWait(models.Claude)
		age := time.Duration(now-tk.StartTime.UnixMilli()) * time.Millisecond
		if age > est && est < prev {
			t.Fatalf("estimate dropped from %v to %v while a ticket aged %v is still queued", prev, est, age)
		}
		prev = est
	}
	if prev <= 0 {
		t.Fatal("estimate never grew above zero")
	}
}

func TestPositionOrdersByDeadline(t *testing.T) {
	q := newTestQueue(nil)

	cheap := ticket("cheap", "u1", models.Claude, nil)
	costly := ticket("costly", "u2", models.Claude, nil)
	costly.PromptTokens = 100000

	if _, err := q.Enqueue(costly); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(cheap); err != nil {
		t.Fatal(err)
	}

	if pos := q.Position("cheap"); pos != 1 {
		t.Errorf("cheap position = %d, want 1", pos)
	}
	if pos := q.Position("costly"); pos != 2 {
		t.Errorf("costly position = %d, want 2", pos)
	}
	if pos := q.Position("missing"); pos != 0 {
		t.Errorf("missing position = %d, want 0", pos)
	}
}

func TestHeartbeatPayload(t *testing.T) {
	small := HeartbeatPayload(0, LoadThreshold)
	if !bytes.HasPrefix(small, []byte(": ")) || !bytes.HasSuffix(small, []byte("\n\n")) {
		t.Errorf("bad framing: %q", small)
	}
	if got := len(small) - 4; got != PaddingMinBytes {
		t.Errorf("padding = %d, want %d", got, PaddingMinBytes)
	}

	grown := HeartbeatPayload(LoadThreshold+20, LoadThreshold)
	if len(grown) <= len(small) {
		t.Error("padding did not grow with load")
	}

	capped := HeartbeatPayload(LoadThreshold+10000, LoadThreshold)
	if got := len(capped) - 4; got != PaddingMaxBytes {
		t.Errorf("capped padding = %d, want %d", got, PaddingMaxBytes)
	}
}
