// Package cmdqueue is component C: the FIFO of HTTP queries awaiting
// dispatch while the Client isn't ready yet. It is gated by the
// Authorization FSM (component K) — nothing drains it until Ready, and its
// contents run in strict FIFO order once Ready, per spec §5's
// "Authorization-gate" ordering guarantee. Grounded on the teacher's
// ordered bring-up idiom in internal/app/runner.go, where services only
// start once earlier ones have logged their own readiness.
package cmdqueue

import "sync"

// Job is one parked HTTP query waiting for authorization.
type Job func()

// Queue is a single-Client FIFO; not safe for use by more than one Client.
type Queue struct {
	mu    sync.Mutex
	ready bool
	jobs  []Job
}

// New creates a queue gated shut (not ready).
func New() *Queue {
	return &Queue{}
}

// Enqueue appends job to the queue. If the queue is already Ready, job runs
// immediately instead of being buffered — draining never reorders work that
// arrives after the gate opened.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	if !q.ready {
		q.jobs = append(q.jobs, job)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	job()
}

// Open flips the gate and runs every buffered job in FIFO order. Safe to
// call more than once; a call while the queue is already open has no effect.
func (q *Queue) Open() {
	q.mu.Lock()
	if q.ready {
		q.mu.Unlock()
		return
	}
	q.ready = true
	jobs := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	for _, job := range jobs {
		job()
	}
}

// Close re-gates the queue (e.g. on a transient disconnect) so subsequent
// Enqueue calls buffer again instead of running immediately.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = false
}

// Len reports the number of buffered (not-yet-run) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
