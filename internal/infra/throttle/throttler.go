// Package throttle is a general-purpose rate limiter and retry helper used
// wherever this gateway needs to pace calls against an external resource: a
// token bucket (rate + burst) drives admission, and Do layers an optional
// exponential backoff-with-jitter retry loop on top. Server-provided wait
// hints (retry_after, FLOOD_WAIT, or this gateway's own AdmissionError) are
// recognized through pluggable WaitExtractors; a StopRetryer error short-
// circuits the retry loop immediately. The throttler is safe for concurrent
// use; Start/Stop are idempotent.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// burstMultiplier is the default burst size, expressed as a multiple of
// rate: by default the bucket can absorb a brief spike of up to 2*rate
// calls before falling back to steady-state pacing.
const burstMultiplier = 2

// WaitExtractor inspects an error and, if it recognizes the shape, returns
// how long to wait before retrying. Extractors run in registration order;
// the first one that recognizes the error wins.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer is implemented by errors that must abort the retry loop
// immediately instead of being retried.
type StopRetryer interface {
	StopRetry() bool
}

// Option configures a Throttler at construction time.
type Option func(*Throttler)

// WithMaxRetries bounds the number of retries Do will attempt after the
// first failure. n <= 0 means unlimited.
func WithMaxRetries(n int) Option {
	return func(t *Throttler) { t.maxRetries = n }
}

// WithBurst overrides the token bucket's capacity. burst <= 0 falls back to
// rate*burstMultiplier.
func WithBurst(burst int) Option {
	return func(t *Throttler) { t.burst = burst }
}

// WithWaitExtractors registers the WaitExtractor chain Do consults when a
// call fails.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		if len(extractors) == 0 {
			return
		}
		cloned := make([]WaitExtractor, len(extractors))
		copy(cloned, extractors)
		t.waitExtractors = append(t.waitExtractors, cloned...)
	}
}

// WithRandom overrides the jitter source; used by tests that need
// deterministic backoff delays.
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// ErrNotStarted is returned by Do if Start has not yet been called.
var ErrNotStarted = errors.New("throttle: Start must be called before Do")

// Throttler is a token bucket (rate calls/sec, given burst capacity) plus an
// exponential-backoff-with-jitter retry strategy. The zero value is not
// usable; construct with New.
type Throttler struct {
	rate  int
	burst int

	tokens chan struct{}

	waitExtractors []WaitExtractor
	maxRetries     int

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	rootCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	randomFn func() float64
}

// New creates a Throttler admitting rate calls/sec, with a default burst of
// 2*rate (minimum 1). Call Start before the first Do.
func New(rate int, opts ...Option) *Throttler {
	if rate <= 0 {
		rate = 1
	}

	t := &Throttler{
		rate:       rate,
		burst:      rate * burstMultiplier,
		maxRetries: -1,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.burst <= 0 {
		t.burst = rate * burstMultiplier
	}
	if t.burst < 1 {
		t.burst = 1
	}

	if t.randomFn == nil {
		t.randomFn = rand.Float64
	}

	return t
}

// Start allocates the token channel, pre-fills it to burst capacity, and
// launches the refill goroutine. Idempotent; a nil ctx becomes
// context.Background().
func (t *Throttler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	t.startOnce.Do(func() {
		t.rootCtx, t.cancel = context.WithCancel(ctx)
		t.tokens = make(chan struct{}, t.burst)
		for range t.burst {
			t.tokens <- struct{}{}
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.refillLoop()
		}()
	})
}

// Stop cancels the refill goroutine and waits for it to exit. Idempotent.
func (t *Throttler) Stop() {
	if !t.isStarted() {
		return
	}
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
}

// SetMaxRetries changes the retry limit after construction. n <= 0 means
// unlimited.
func (t *Throttler) SetMaxRetries(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxRetries = n
}

// Do runs fn under the token bucket and retry strategy:
//  1. wait for a token (respecting ctx and Stop);
//  2. call fn;
//  3. on error: a StopRetryer aborts immediately; a canceled/expired ctx
//     aborts; a WaitExtractor match waits that long and retries without
//     counting against maxRetries; otherwise sleep an exponential
//     backoff-with-jitter delay and retry, up to maxRetries.
//
// Returns nil on success, or the last error once the strategy is exhausted.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	root := t.rootContext()
	if root == nil {
		return ErrNotStarted
	}
	maxRetries := t.currentMaxRetries()

	attempt := 0
	for {
		if err := t.takeToken(ctx, root); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := t.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasWait:
			if wErr := t.wait(ctx, root, waitDur); wErr != nil {
				return wErr
			}
			continue
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", maxRetries, callErr)
		}

		sleep := t.expBackoff(attempt)
		attempt++
		if wErr := t.wait(ctx, root, sleep); wErr != nil {
			return wErr
		}
	}
}

func (t *Throttler) rootContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx
}

func (t *Throttler) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx != nil
}

func (t *Throttler) currentMaxRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRetries
}

// takeToken blocks until a token is available or ctx/rootCtx is done.
func (t *Throttler) takeToken(ctx, rootCtx context.Context) error {
	tokenCh := t.tokenChannel()
	if tokenCh == nil {
		return ErrNotStarted
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rootCtx.Done():
		return context.Canceled
	case <-tokenCh:
		return nil
	}
}

func (t *Throttler) tokenChannel() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens
}

// refillLoop adds one token every 1/rate, never exceeding burst capacity.
func (t *Throttler) refillLoop() {
	rootCtx := t.rootContext()
	if rootCtx == nil {
		return
	}

	interval := time.Second / time.Duration(t.rate)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			return
		case <-ticker.C:
			select {
			case t.tokens <- struct{}{}:
			default:
			}
		}
	}
}

func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

func (t *Throttler) wait(ctx, rootCtx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer stopTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rootCtx.Done():
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

// expBackoff returns 2^attempt seconds, capped at 60s, scaled by jitter in
// [0.85, 1.15).
func (t *Throttler) expBackoff(attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		maxSeconds  = 60.0
		basePower   = 2.0
	)

	base := math.Pow(basePower, float64(attempt))
	if base > maxSeconds {
		base = maxSeconds
	}

	jitter := t.random()*jitterRange + jitterMin
	seconds := base * jitter
	return time.Duration(seconds * float64(time.Second))
}

func (t *Throttler) random() float64 {
	if t.randomFn == nil {
		return rand.Float64()
	}
	return t.randomFn()
}

func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
