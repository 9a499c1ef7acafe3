// Package longpoll is component I: the blocking getUpdates semantics —
// cursor, soft/hard timeouts, wakeup on new updates, and conflict detection
// with webhook mode. Grounded on the teacher's generational wait-channel
// idiom in internal/infra/telegram/connection/con_manager.go (WaitOnline's
// "snapshot the current channel, select on it, recheck you woke on the
// current generation" pattern), adapted here from connection-state waiting
// to update-availability waiting, and scoped per Client instead of global.
package longpoll

import (
	"context"
	"sync"
	"time"

	"botapigateway/internal/gateway/tqueue"
	"botapigateway/internal/infra/clock"
)

const (
	// HardCap is the absolute maximum a parked getUpdates may block, per §4.I.
	HardCap = 50 * time.Second
	// LongPollMaxDelay caps the hard timeout after the first wakeup, per §4.I.
	LongPollMaxDelay = 2 * time.Second
	// LongPollWaitAfter coalesces bursts after the first wakeup, per §4.I.
	LongPollWaitAfter = 400 * time.Millisecond

	antiHammerWindow      = 3 * time.Second
	antiHammerTightWindow = 500 * time.Millisecond
	forcedShortTimeout    = 3 * time.Second
	forcedShortLimit      = 1
)

// ConflictError is returned to a parked getUpdates when webhook mode takes
// over, or to setWebhook when it must wait on the parked poll — both per
// §8 property 7.
type ConflictError struct{ Reason string }

func (e *ConflictError) Error() string { return "Conflict: " + e.Reason }

// Coordinator is one Client's long-poll state: the cursor, wakeup channel,
// and anti-hammer memory.
type Coordinator struct {
	queueID string
	store   *tqueue.TQueue

	mu           sync.Mutex
	waitCh       chan struct{} // closed to wake every parked getUpdates; swapped on each wakeup
	webhookOwned bool          // true once a webhook is active; parked calls fail with ConflictError
	closed       error         // non-nil once the Client has closed; parked calls fail with this

	lastOffset int64
	lastPollAt time.Time
}

// New creates a Coordinator bound to queueID (the TQueue bucket this
// Client's updates live in).
func New(queueID string, store *tqueue.TQueue) *Coordinator {
	ch := make(chan struct{})
	return &Coordinator{queueID: queueID, store: store, waitCh: ch}
}

// NotifyLongPoll wakes every parked getUpdates — the Emitter (component H)
// calls this whenever a push lands and webhook mode is not active.
func (c *Coordinator) NotifyLongPoll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakeLocked()
}

func (c *Coordinator) wakeLocked() {
	old := c.waitCh
	c.waitCh = make(chan struct{})
	close(old)
}

// EnterWebhookMode fails every currently-parked getUpdates with "Conflict:
// terminated by setWebhook request" and marks the coordinator so that any
// future getUpdates call fails immediately, per §4.I / §8 property 7.
func (c *Coordinator) EnterWebhookMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webhookOwned = true
	c.wakeLocked()
}

// ExitWebhookMode clears the conflict flag (webhook deleted / replaced by
// nothing), letting getUpdates resume normal operation.
func (c *Coordinator) ExitWebhookMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webhookOwned = false
}

// HasParkedWaiter is a conservative check for a blocked getUpdates call.
// The coordinator does not count parked calls, and the current wait channel
// is never closed while it is current, so this returns true even when no
// call is parked.
func (c *Coordinator) HasParkedWaiter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.waitCh:
		return false
	default:
		return true // a non-empty wait channel with nobody guaranteed blocked is still a safe upper bound
	}
}

// Close fails any parked getUpdates with the Close FSM's error (§4.K) and
// makes every future call fail the same way.
func (c *Coordinator) Close(closingErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = closingErr
	c.wakeLocked()
}

// Request is one getUpdates call's parameters, already validated by the
// dispatcher (component D).
type Request struct {
	Offset  int64
	Limit   int
	Timeout time.Duration
}

// Poll implements getUpdates{offset, limit, timeout} end to end: it applies
// the offset<0 truncation, the anti-hammer debounce, short-polls if
// updates are already available, and otherwise parks until a wakeup, the
// hard cap, webhook takeover, or Client close — whichever comes first.
func (c *Coordinator) Poll(ctx context.Context, req Request) ([]tqueue.Entry, error) {
	if err := c.applyOffset(req.Offset); err != nil {
		return nil, err
	}

	req = c.antiHammer(req)

	startSeq := c.cursorSeq(req.Offset)
	entries, err := c.store.Get(c.queueID, startSeq, req.Limit)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 || req.Timeout <= 0 {
		c.recordPoll(req.Offset)
		return entries, nil
	}

	return c.park(ctx, req, startSeq)
}

func (c *Coordinator) applyOffset(offset int64) error {
	if offset >= 0 {
		return nil
	}
	return c.store.Truncate(c.queueID, int(-offset))
}

func (c *Coordinator) cursorSeq(offset int64) uint64 {
	if offset <= 0 {
		head, _ := c.store.Head(c.queueID)
		return head
	}
	return uint64(offset)
}

// antiHammer enforces §4.I's successive-identical-offset throttle: within
// 3s, force timeout=3s; within 0.5s, force limit=1.
func (c *Coordinator) antiHammer(req Request) Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := clock.Monotonic()
	if req.Offset == c.lastOffset && !c.lastPollAt.IsZero() {
		since := now.Sub(c.lastPollAt)
		if since < antiHammerTightWindow {
			req.Limit = forcedShortLimit
		}
		if since < antiHammerWindow && req.Timeout > forcedShortTimeout {
			req.Timeout = forcedShortTimeout
		}
	}
	return req
}

func (c *Coordinator) recordPoll(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastOffset = offset
	c.lastPollAt = clock.Monotonic()
}

func (c *Coordinator) park(ctx context.Context, req Request, startSeq uint64) ([]tqueue.Entry, error) {
	hardTimeout := req.Timeout
	if hardTimeout > HardCap {
		hardTimeout = HardCap
	}
	deadline := clock.Monotonic().Add(hardTimeout)

	for {
		c.mu.Lock()
		if c.closed != nil {
			err := c.closed
			c.mu.Unlock()
			return nil, err
		}
		if c.webhookOwned {
			c.mu.Unlock()
			return nil, &ConflictError{Reason: "terminated by setWebhook request"}
		}
		ch := c.waitCh
		c.mu.Unlock()

		remaining := deadline.Sub(clock.Monotonic())
		if remaining <= 0 {
			c.recordPoll(req.Offset)
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			c.recordPoll(req.Offset)
			return nil, nil
		case <-ch:
			timer.Stop()
		}

		entries, err := c.store.Get(c.queueID, startSeq, req.Limit)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			c.recordPoll(req.Offset)
			return entries, nil
		}

		// Coalesce bursts: wait a little longer for more pushes to land
		// before handing back a half-empty read, per §4.I's
		// LONG_POLL_WAIT_AFTER rule, capped to LongPollMaxDelay overall.
		if clock.Monotonic().Add(LongPollWaitAfter).Before(deadline) {
			deadline = clock.Monotonic().Add(LongPollMaxDelay)
		}
	}
}
