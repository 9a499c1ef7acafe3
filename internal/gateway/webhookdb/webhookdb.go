// Package webhookdb is a concrete, bbolt-backed implementation of the
// Webhook DB collaborator referenced in spec §4.J: webhook parameters are
// encoded into a single opaque string and stored keyed by "token:dc".
// Grounded on the teacher's tdsession.Storage pattern in
// internal/infra/telegram/session/session_storage.go — a narrow
// Load/Store interface over a small binary blob, adapted here from an
// MTProto session blob to the webhook persistence string, and backed by
// go.etcd.io/bbolt instead of a single file since it must hold one row per
// bot rather than one file per Client.
package webhookdb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var rowsBucket = []byte("webhook_rows")

// DB is the bbolt-backed Webhook DB collaborator.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("webhookdb: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rowsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("webhookdb: init bucket: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func key(token string, dc int) []byte { return []byte(fmt.Sprintf("%s:%d", token, dc)) }

// Load reads the persisted webhook string for (token, dc), or ("", false)
// if no row exists — e.g. a bot that has never called setWebhook, or one
// whose webhook was deleted.
func (d *DB) Load(token string, dc int) (string, bool, error) {
	var out string
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rowsBucket)
		v := b.Get(key(token, dc))
		if v != nil {
			out = string(v)
			found = true
		}
		return nil
	})
	return out, found, err
}

// Store persists encoded under (token, dc), replacing any prior row.
func (d *DB) Store(token string, dc int, encoded string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rowsBucket).Put(key(token, dc), []byte(encoded))
	})
}

// Delete removes the row for (token, dc) — called when a webhook is
// deleted or replaced by long-poll mode, per §4.J's "closed" lifecycle
// callback.
func (d *DB) Delete(token string, dc int) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rowsBucket).Delete(key(token, dc))
	})
}
