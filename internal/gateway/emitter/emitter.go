// Package emitter is component H: it serializes a single update into a
// bounded JSON buffer and pushes it into the TQueue collaborator, tagged
// with the update kind, a TTL, and a deterministic webhook_queue_id (§6).
// Grounded on the teacher's storage.AtomicWriteFile size-bounded-write
// discipline (internal/infra/storage), adapted here from an atomic file
// write into an atomic TQueue push of a size-bounded JSON payload.
package emitter

import (
	"encoding/json"
	"fmt"

	"botapigateway/internal/infra/clock"
)

// MaxPayloadBytes is the 64 KiB cap spec §4.H places on one emitted update.
const MaxPayloadBytes = 64 * 1024

// Pusher is the TQueue collaborator's push operation; spec §1 treats its
// storage format as out of scope, so this package only calls the
// operations it needs.
type Pusher interface {
	Push(queueID string, webhookQueueID int64, payload []byte, expiresAt int64) error
}

// Notifier is told which delivery path should wake up after a successful
// push: the Long-Poll Coordinator (component I) when no webhook is active,
// or the Webhook Coordinator (component J) when one is.
type Notifier interface {
	NotifyLongPoll()
	NotifyWebhook()
}

// Emitter is one Client's update emitter.
type Emitter struct {
	queueID      string // tqueue_id_, per Client
	pusher       Pusher
	notifier     Notifier
	webhookMode  func() bool // true while the Webhook Coordinator owns delivery
}

// New creates an Emitter for one Client. queueID is the TQueue key this
// Client's updates are stored under (tqueue_id_ in spec §4.H).
func New(queueID string, pusher Pusher, notifier Notifier, webhookModeActive func() bool) *Emitter {
	return &Emitter{queueID: queueID, pusher: pusher, notifier: notifier, webhookMode: webhookModeActive}
}

// Update is the minimal shape Emit needs: a kind name (prefixed onto the
// JSON body per §4.H), an arbitrary JSON-able body, a TTL in seconds, and
// the subject used to compute the webhook_queue_id.
type Update struct {
	Kind     string
	Body     any
	TTLSecs  int64
	QueueTag QueueTag
}

// QueueTag names the §6 category and the subject id it is XORed against a
// per-category domain offset to produce webhook_queue_id. For poll/poll_answer
// the tag is pollIDHash(PollID), with no domain offset.
type QueueTag struct {
	Category Category
	SubjectID int64
	PollID    string
}

// Category enumerates the §6 webhook_queue_id domain offsets. Each value is
// shifted left by 33 to form its offset.
type Category int

const (
	CategoryMessage              Category = 0 // chat_id, no offset
	CategoryInlineQuery          Category = 1
	CategoryChosenInlineResult   Category = 2
	CategoryCallbackQuery        Category = 3
	CategoryShippingOrPreCheckout Category = 4
	CategoryMyChatMember         Category = 5
	CategoryChatMemberOrJoinReq  Category = 6
	CategoryChatBoost            Category = 7
	CategoryMessageReaction      Category = 8
	CategoryMessageReactionCount Category = 9
	CategoryBusinessConnection   Category = 10
	CategoryBusinessMessage      Category = 11
)

// WebhookQueueID computes the §6 64-bit tag: subject id XOR (category << 33),
// or pollIDHash of the poll id for poll/poll_answer updates (no domain offset).
func (t QueueTag) WebhookQueueID() int64 {
	if t.PollID != "" {
		return pollIDHash(t.PollID)
	}
	if t.Category == CategoryMessage {
		return t.SubjectID
	}
	return t.SubjectID ^ (int64(t.Category) << 33)
}

// pollIDHash turns a Bot-API poll id (an opaque string) into an int64
// queue tag; §6 says "the poll id" directly, so this is a stable,
// collision-resistant fold rather than a cryptographic hash.
func pollIDHash(pollID string) int64 {
	var h int64 = 1469598103934665603 // FNV offset basis
	for i := 0; i < len(pollID); i++ {
		h ^= int64(pollID[i])
		h *= 1099511628211 // FNV prime
	}
	if h < 0 {
		h = -h
	}
	return h
}

// Emit serializes u and pushes it to the TQueue. On success it wakes the
// active delivery path (webhook or long-poll), per §4.H's final rule.
// Callers (component G) are responsible for the §4.G allowed-update-types
// filter before calling Emit; Emit itself never drops an update.
func (e *Emitter) Emit(u Update) error {
	payload, err := json.Marshal(struct {
		Kind string `json:"kind"`
		Body any    `json:"body"`
	}{Kind: u.Kind, Body: u.Body})
	if err != nil {
		return fmt.Errorf("emitter: marshal %s: %w", u.Kind, err)
	}
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("emitter: %s payload %d bytes exceeds %d byte cap", u.Kind, len(payload), MaxPayloadBytes)
	}

	expiresAt := clock.Now().Unix() + u.TTLSecs
	if err := e.pusher.Push(e.queueID, u.QueueTag.WebhookQueueID(), payload, expiresAt); err != nil {
		return fmt.Errorf("emitter: push %s: %w", u.Kind, err)
	}

	if e.webhookMode() {
		e.notifier.NotifyWebhook()
	} else {
		e.notifier.NotifyLongPoll()
	}
	return nil
}
