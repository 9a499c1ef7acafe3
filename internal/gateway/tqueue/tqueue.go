// Package tqueue is a concrete, bbolt-backed implementation of the TQueue
// collaborator spec §1 names out of scope ("the persistent update queue
// storage format itself; we specify only the operations the core
// invokes"). It supports push/get/clear/head/size with per-webhook_queue_id
// ordering and TTL, which is all the Update Emitter (H), Long-Poll
// Coordinator (I), and Webhook Coordinator (J) call through.
//
// Grounded on the teacher's go.etcd.io/bbolt dependency; each Client's
// queueID gets its own top-level bucket, and entries are keyed by a
// monotonic per-bucket sequence number so Get can return a stable,
// ordered slice. There is no secondary index bucket: per-webhook_queue_id
// grouping is done in memory by ByWebhookQueueID (spec §5: "Updates with different webhook_queue_ids may be
// re-ordered by webhook delivery but are still monotonic in TQueue").
package tqueue

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"

	"botapigateway/internal/infra/clock"
)

var entriesBucket = []byte("entries")

// Entry is one stored update, as returned by Get.
type Entry struct {
	Seq            uint64
	WebhookQueueID int64
	Payload        []byte
	ExpiresAt      int64
}

// TQueue is a bbolt-backed multi-tenant store: one bucket per Client queue
// id, entries ordered by insertion sequence within that bucket.
type TQueue struct {
	db *bolt.DB
	mu sync.Mutex // serializes the read-modify-write Truncate path
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*TQueue, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("tqueue: open %s: %w", path, err)
	}
	return &TQueue{db: db}, nil
}

func (t *TQueue) Close() error { return t.db.Close() }

// Push appends payload to queueID's bucket under a fresh sequence number,
// tagged with webhookQueueID and expiresAt (unix seconds). Implements the
// Pusher interface the emitter package depends on.
func (t *TQueue) Push(queueID string, webhookQueueID int64, payload []byte, expiresAt int64) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(queueID))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		e := Entry{Seq: seq, WebhookQueueID: webhookQueueID, Payload: payload, ExpiresAt: expiresAt}
		encoded, err := encodeEntry(e)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), encoded)
	})
}

// Get returns up to limit live (non-expired) entries starting at or after
// offsetSeq, in sequence order — the primitive both getUpdates (component
// I) and the webhook delivery actor (component J) poll through.
func (t *TQueue) Get(queueID string, offsetSeq uint64, limit int) ([]Entry, error) {
	var out []Entry
	now := clock.Now().Unix()
	err := t.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(queueID))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(seqKey(offsetSeq)); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				continue
			}
			if e.ExpiresAt != 0 && e.ExpiresAt < now {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Head returns the sequence number of the oldest live entry in queueID's
// bucket, or 0 if empty — used by component I's offset<=0 "start from the
// TQueue head" rule.
func (t *TQueue) Head(queueID string) (uint64, error) {
	entries, err := t.Get(queueID, 0, 1)
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	return entries[0].Seq, nil
}

// Size reports the number of live entries, used by the admin introspection
// surface and the Webhook Coordinator's "pending update count is large"
// check (§4.J).
func (t *TQueue) Size(queueID string) (int, error) {
	entries, err := t.Get(queueID, 0, 0)
	return len(entries), err
}

// Truncate drops the oldest n entries from queueID's bucket — implements
// component I's "if offset < 0, truncate the TQueue head by -offset
// entries first" rule.
func (t *TQueue) Truncate(queueID string, n int) error {
	if n <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(queueID))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		keys := make([][]byte, 0, n)
		for k, _ := c.First(); k != nil && len(keys) < n; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes every entry for queueID — implements setWebhook's
// drop_pending_updates.
func (t *TQueue) Clear(queueID string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket(bucketName(queueID))
	})
}

func bucketName(queueID string) []byte { return []byte("q:" + queueID) }

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func encodeEntry(e Entry) ([]byte, error) {
	header := make([]byte, 24)
	binary.BigEndian.PutUint64(header[0:8], e.Seq)
	binary.BigEndian.PutUint64(header[8:16], uint64(e.WebhookQueueID))
	binary.BigEndian.PutUint64(header[16:24], uint64(e.ExpiresAt))
	return append(header, e.Payload...), nil
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < 24 {
		return Entry{}, fmt.Errorf("tqueue: truncated entry (%d bytes)", len(b))
	}
	return Entry{
		Seq:            binary.BigEndian.Uint64(b[0:8]),
		WebhookQueueID: int64(binary.BigEndian.Uint64(b[8:16])),
		ExpiresAt:      int64(binary.BigEndian.Uint64(b[16:24])),
		Payload:        append([]byte(nil), b[24:]...),
	}, nil
}

// ByWebhookQueueID groups entries by their webhook_queue_id while
// preserving each group's internal sequence order — a convenience for the
// Webhook Coordinator's per-subject ordering guarantee (§5).
func ByWebhookQueueID(entries []Entry) map[int64][]Entry {
	grouped := make(map[int64][]Entry)
	for _, e := range entries {
		grouped[e.WebhookQueueID] = append(grouped[e.WebhookQueueID], e)
	}
	for _, g := range grouped {
		sort.Slice(g, func(i, j int) bool { return g[i].Seq < g[j].Seq })
	}
	return grouped
}
