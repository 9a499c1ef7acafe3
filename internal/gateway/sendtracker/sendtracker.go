// Package sendtracker is component F: it tracks yet-unsent messages (one
// per in-flight send), correlates success/failure events from the native
// client with the originating HTTP query, and implements multi-send
// aggregation plus the per-chat concurrent-send cap. Grounded on the
// teacher's internal/adapters/botapi/notifier/bot_sender.go; the only error
// classification kept here is isTerminalLooking, a substring check used to
// aggregate multi-send errors.
package sendtracker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"botapigateway/internal/gateway/model"
)

// MaxConcurrentlySentChatMessages is the per-chat send cap of spec
// invariant 3 in §3.
const MaxConcurrentlySentChatMessages = 10

const sendCapDebounce = 3 * time.Second

// Deleter schedules a best-effort deletion of an orphan message via the
// native client, used after a send fails with a non-zero final id.
type Deleter interface {
	DeleteMessageBestEffort(chatID, messageID int64)
}

// Tracker is one Client's send-message tracker.
type Tracker struct {
	mu sync.Mutex

	unsent       map[trackKey]model.YetUnsentMessage
	pendingCount map[int64]int // chat_id -> yet_unsent_message_count
	queries      map[int64]*model.PendingSendMessageQuery

	deleter Deleter
}

type trackKey struct {
	chatID int64
	tempID int64
}

func New(deleter Deleter) *Tracker {
	return &Tracker{
		unsent:       make(map[trackKey]model.YetUnsentMessage),
		pendingCount: make(map[int64]int),
		queries:      make(map[int64]*model.PendingSendMessageQuery),
		deleter:      deleter,
	}
}

// AdmitSend checks the per-chat cap (invariant 3, §4.F's admission rule).
// Callers exceeding the cap must sleep SendCapDebounce() and fail with a
// synthetic 429 Retry-After 60; AdmitSend itself only reports the
// decision so the caller controls its own suspension point.
func (t *Tracker) AdmitSend(chatID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingCount[chatID] < MaxConcurrentlySentChatMessages
}

// SendCapDebounce is the 3-second sleep §4.F prescribes before failing an
// over-cap send with Retry-After 60.
func SendCapDebounce() time.Duration { return sendCapDebounce }

// BeginSend registers a new in-flight send: increments the per-chat
// counter and, for a fresh query, creates its PendingSendMessageQuery.
func (t *Tracker) BeginSend(queryID, chatID, tempMessageID int64, totalCount int, isMultisend bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unsent[trackKey{chatID, tempMessageID}] = model.YetUnsentMessage{
		ChatID:             chatID,
		TemporaryMessageID: tempMessageID,
		SendMessageQueryID: queryID,
	}
	t.pendingCount[chatID]++

	if q, ok := t.queries[queryID]; ok {
		q.TotalCount = totalCount
		q.AwaitedCount++
		return
	}
	t.queries[queryID] = &model.PendingSendMessageQuery{
		QueryID:      queryID,
		IsMultisend:  isMultisend,
		TotalCount:   totalCount,
		AwaitedCount: 1,
	}
}

// Outcome is returned once a query's AwaitedCount reaches zero: the
// result JSON of every succeeded send, in arrival order, and the terminal
// aggregated error if any. The pieces are passed through as given; the
// tracker does not reduce a multisend's pieces to message ids.
type Outcome struct {
	QueryID      int64
	ResultPieces []any
	Err          error
}

// Succeed handles updateMessageSendSucceeded(chat, temp_id, final_id): it
// clears the mapping, decrements the counter, appends the result JSON, and
// returns a non-nil *Outcome once AwaitedCount reaches zero.
func (t *Tracker) Succeed(chatID, tempID, finalID int64, resultJSON any) *Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackKey{chatID, tempID}
	entry, ok := t.unsent[key]
	if !ok {
		return nil
	}
	delete(t.unsent, key)
	if t.pendingCount[chatID] > 0 {
		t.pendingCount[chatID]--
	}

	q, ok := t.queries[entry.SendMessageQueryID]
	if !ok {
		return nil
	}
	q.ResultPieces = append(q.ResultPieces, resultJSON)
	q.AwaitedCount--
	if q.AwaitedCount > 0 {
		return nil
	}
	delete(t.queries, entry.SendMessageQueryID)
	return &Outcome{QueryID: entry.SendMessageQueryID, ResultPieces: q.ResultPieces, Err: q.TerminalError}
}

// Fail handles updateMessageSendFailed(chat, temp_id, final_id, err, index):
// clears the mapping/counter, records the error per the aggregation rule of
// §4.F (first terminal-looking error wins; otherwise prefixed with "Failed
// to send message #N"), and schedules orphan deletion when finalID != 0.
func (t *Tracker) Fail(chatID, tempID, finalID int64, sendErr error, messageIndex int) *Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackKey{chatID, tempID}
	entry, ok := t.unsent[key]
	if !ok {
		return nil
	}
	delete(t.unsent, key)
	if t.pendingCount[chatID] > 0 {
		t.pendingCount[chatID]--
	}

	if finalID != 0 && t.deleter != nil {
		t.deleter.DeleteMessageBestEffort(chatID, finalID)
	}

	q, ok := t.queries[entry.SendMessageQueryID]
	if !ok {
		return nil
	}

	if q.TerminalError == nil || (isTerminalLooking(sendErr) && !isTerminalLooking(q.TerminalError)) {
		q.TerminalError = sendErr
	} else {
		q.TerminalError = errors.Join(q.TerminalError, fmt.Errorf("Failed to send message #%d: %w", messageIndex, sendErr))
	}

	q.AwaitedCount--
	if q.AwaitedCount > 0 {
		return nil
	}
	delete(t.queries, entry.SendMessageQueryID)
	return &Outcome{QueryID: entry.SendMessageQueryID, ResultPieces: q.ResultPieces, Err: q.TerminalError}
}

// isTerminalLooking classifies codes 401, 429, 5xx, or a "Group send
// failed" message as the error that should dominate a multi-send's
// aggregated error, per §4.F.
func isTerminalLooking(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "Group send failed") {
		return true
	}
	for _, code := range []string{"401", "429", "500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// PendingCount reports yet_unsent_message_count[chatID], exposed for the
// per-chat-cap test suite (§8 property 2) and admin introspection.
func (t *Tracker) PendingCount(chatID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingCount[chatID]
}

