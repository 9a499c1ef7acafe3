// Package flood is component L: per-request admission control and the
// per-upload-size pacing token bucket described in spec §4.L, plus the
// Closing Error construction shared with the Authorization FSM (component
// K). The per-upload pacing (PaceUpload, below) runs one
// internal/infra/throttle.Throttler per upload-size bucket, reusing its
// token bucket directly instead of re-deriving one; the per-chat send
// throttle and admission counters are grounded on the golang.org/x/time/rate
// usage in the teacher's bot_sender.go.
package flood

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"botapigateway/internal/infra/clock"
	"botapigateway/internal/infra/throttle"
)

// Counters tracks the admission inputs of §4.L: active request count and
// in-flight upload bytes/count for one bot. An in-process implementation is
// the default; Redis-backed sharing across gateway processes is described
// in SPEC_FULL.md's DOMAIN STACK table and implemented by RedisCounters
// (same package, redis.go) behind the same interface.
type Counters interface {
	ActiveRequests() int
	IncActiveRequests()
	DecActiveRequests()

	ActiveUploadBytes() int64
	ActiveUploadCount() int
	BeginUpload(bytes int64)
	EndUpload(bytes int64)
}

// MemCounters is the single-process default Counters implementation.
type MemCounters struct {
	mu           sync.Mutex
	requests     int
	uploadBytes  int64
	uploadCount  int
}

func NewMemCounters() *MemCounters { return &MemCounters{} }

func (c *MemCounters) ActiveRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func (c *MemCounters) IncActiveRequests() {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
}

func (c *MemCounters) DecActiveRequests() {
	c.mu.Lock()
	if c.requests > 0 {
		c.requests--
	}
	c.mu.Unlock()
}

func (c *MemCounters) ActiveUploadBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploadBytes
}

func (c *MemCounters) ActiveUploadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploadCount
}

func (c *MemCounters) BeginUpload(bytes int64) {
	c.mu.Lock()
	c.uploadBytes += bytes
	c.uploadCount++
	c.mu.Unlock()
}

func (c *MemCounters) EndUpload(bytes int64) {
	c.mu.Lock()
	c.uploadBytes -= bytes
	if c.uploadBytes < 0 {
		c.uploadBytes = 0
	}
	if c.uploadCount > 0 {
		c.uploadCount--
	}
	c.mu.Unlock()
}

const (
	maxActiveUploadBytes = 4 << 30 // 4 GiB, §4.L
	admissionGracePeriod = 60 * time.Second
	uploadPacingFloor    = 100_000 // bytes; below this, no per-size pacing
	uploadPacingMinDelay = 200 * time.Millisecond
	uploadPacingMaxDelay = 900 * time.Millisecond
	uploadPacingMaxWait  = 5 * time.Second
)

// AdmissionError is returned by Admit when the request must be rejected
// with a synthetic Retry-After (§4.L); RetryAfter is always > 0.
type AdmissionError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *AdmissionError) Error() string { return e.Reason }

// Limiter is the per-bot flood/resource limiter, component L.
type Limiter struct {
	started          time.Time
	counters         Counters
	updatesPerMinute int
	chatSendLimiters sync.Map // chatID int64 -> *rate.Limiter
	chatSendRate     rate.Limit
	uploadThrottlers sync.Map // size bucket int64 -> *throttle.Throttler
}

// New creates a Limiter. updatesPerMinute feeds the admission formulas in
// §4.L; chatSendPerSecond seeds the per-chat send rate.Limiter.
func New(counters Counters, updatesPerMinute int, chatSendPerSecond float64) *Limiter {
	return &Limiter{
		started:          clock.Monotonic(),
		counters:         counters,
		updatesPerMinute: updatesPerMinute,
		chatSendRate:     rate.Limit(chatSendPerSecond),
	}
}

// IsLocalMethod reports whether method bypasses admission per §4.D: close,
// logout, getMe, getUpdates, setWebhook, deleteWebhook, getWebhookInfo.
func IsLocalMethod(method string) bool {
	switch method {
	case "close", "logout", "getMe", "getUpdates", "setWebhook", "deleteWebhook", "getWebhookInfo":
		return true
	default:
		return false
	}
}

// Admit runs the §4.L per-request admission checks. hasFiles/uploadBytes
// describe the query being admitted; pass 0/false for non-upload queries.
func (l *Limiter) Admit(method string, hasFiles bool, uploadBytes int64) error {
	if IsLocalMethod(method) {
		return nil
	}
	if clock.Monotonic().Sub(l.started) < admissionGracePeriod {
		return nil
	}

	if l.counters.ActiveRequests() > 500+l.updatesPerMinute {
		return &AdmissionError{RetryAfter: 60 * time.Second, Reason: "flood: too many active requests"}
	}
	if hasFiles {
		if l.counters.ActiveUploadBytes() > maxActiveUploadBytes {
			return &AdmissionError{RetryAfter: 60 * time.Second, Reason: "flood: too many active upload bytes"}
		}
		if l.counters.ActiveUploadCount() > 100+l.updatesPerMinute/5 {
			return &AdmissionError{RetryAfter: 60 * time.Second, Reason: "flood: too many active uploads"}
		}
	}
	return nil
}

// PaceUpload implements the per-upload-size pacing of §4.L: for uploads
// >= 100000 bytes, the minimum delay between two sends of the same size
// bucket is clamp(size*1e-7, 0.2s, 0.9s). Each size bucket gets its own
// throttle.Throttler (rate derived from that delay, burst 1, started
// lazily on first use), so pacing is the same token-bucket admission
// throttle.Do runs everywhere else in this codebase, not a bespoke
// reimplementation. It blocks until the bucket's token is granted and
// returns nil; if no token is granted within 5 seconds, it returns an
// AdmissionError.
func (l *Limiter) PaceUpload(size int64) error {
	if size < uploadPacingFloor {
		return nil
	}

	delay := time.Duration(float64(size) * 1e-7 * float64(time.Second))
	if delay < uploadPacingMinDelay {
		delay = uploadPacingMinDelay
	}
	if delay > uploadPacingMaxDelay {
		delay = uploadPacingMaxDelay
	}

	th := l.uploadThrottlerFor(size, delay)

	ctx, cancel := context.WithTimeout(context.Background(), uploadPacingMaxWait)
	defer cancel()

	if err := th.Do(ctx, func() error { return nil }); err != nil {
		return &AdmissionError{RetryAfter: 60 * time.Second, Reason: "flood: upload pacing slot too far away"}
	}
	return nil
}

// uploadThrottlerFor returns (creating and starting if necessary) the
// Throttler for size's bucket. rate is delay inverted and rounded to the
// nearest whole call/sec (minimum 1); burst is fixed at 1 so token grants
// are spaced by 1/rps (a 0.7s delay gives 1s, a 0.6s delay gives 0.5s)
// rather than allowing a burst of queued uploads through at once.
func (l *Limiter) uploadThrottlerFor(size int64, delay time.Duration) *throttle.Throttler {
	bucketKey := sizeBucket(size)
	rps := int(math.Round(float64(time.Second) / float64(delay)))
	if rps < 1 {
		rps = 1
	}

	raw, loaded := l.uploadThrottlers.LoadOrStore(bucketKey, throttle.New(rps, throttle.WithBurst(1)))
	th := raw.(*throttle.Throttler)
	if !loaded {
		th.Start(context.Background())
	}
	return th
}

// sizeBucket rounds size down to a coarse bucket so near-identical upload
// sizes share the same pacing slot, mirroring the per-file-size token
// buckets described in §4.L.
func sizeBucket(size int64) int64 {
	const bucketWidth = 1 << 18 // 256 KiB
	return size / bucketWidth
}

// ChatSendLimiter returns the per-chat send rate.Limiter for chatID,
// creating it on first use (§4.F's per-chat send throttle).
func (l *Limiter) ChatSendLimiter(chatID int64) *rate.Limiter {
	raw, _ := l.chatSendLimiters.LoadOrStore(chatID, rate.NewLimiter(l.chatSendRate, int(math.Max(1, float64(l.chatSendRate)))))
	return raw.(*rate.Limiter)
}

// ClosingReason enumerates the Closing Error variants of §4.L.
type ClosingReason int

const (
	ClosingInvalidAPIID ClosingReason = iota
	ClosingRetryScheduled
	ClosingLoggedOutTQueueCleared
	ClosingPlainLogout
	ClosingClosing
)

// ClosingError is the deterministic error every query receives once the
// Close FSM enters Closing/LoggingOut (§4.K, §8 property 9).
type ClosingError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *ClosingError) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

// NewClosingError builds the §4.L mapping. nextAuthorizationAt is only
// meaningful for ClosingRetryScheduled.
func NewClosingError(reason ClosingReason, nextAuthorizationAt time.Time) *ClosingError {
	switch reason {
	case ClosingInvalidAPIID:
		return &ClosingError{Code: 401, Message: "Unauthorized: invalid api-id/api-hash"}
	case ClosingRetryScheduled:
		retryAfter := nextAuthorizationAt.Sub(clock.Now())
		if retryAfter < 0 {
			retryAfter = 0
		}
		retryAfter += time.Second
		return &ClosingError{
			Code:       429,
			Message:    fmt.Sprintf("Too Many Requests: retry after %d", int(retryAfter.Seconds())),
			RetryAfter: retryAfter,
		}
	case ClosingLoggedOutTQueueCleared:
		return &ClosingError{Code: 400, Message: "Logged out"}
	case ClosingPlainLogout:
		return &ClosingError{Code: 401, Message: "Unauthorized"}
	case ClosingClosing:
		return &ClosingError{Code: 500, Message: "Internal Server Error: restart"}
	default:
		return &ClosingError{Code: 500, Message: "Internal Server Error: restart"}
	}
}
