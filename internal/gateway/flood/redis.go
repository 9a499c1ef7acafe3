package flood

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounters shares the admission counters of §4.L across multiple
// gateway processes serving the same bot fleet, keyed by bot token so two
// processes never under-count each other's in-flight requests. Grounded in
// SPEC_FULL.md's DOMAIN STACK table (sourced from the Berektassuly-alem-hub
// example); the in-process MemCounters remains the default for a
// single-process deployment.
type RedisCounters struct {
	client *redis.Client
	ctx    context.Context
	prefix string
}

// NewRedisCounters builds a Counters backend for one bot, identified by
// botToken, sharing admission state across processes via addr.
func NewRedisCounters(ctx context.Context, addr, botToken string) *RedisCounters {
	return &RedisCounters{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ctx:    ctx,
		prefix: "gw:flood:" + botToken + ":",
	}
}

func (r *RedisCounters) ActiveRequests() int {
	return int(r.get("requests"))
}

func (r *RedisCounters) IncActiveRequests() {
	r.client.Incr(r.ctx, r.prefix+"requests")
}

func (r *RedisCounters) DecActiveRequests() {
	r.decrNonNegative("requests")
}

func (r *RedisCounters) ActiveUploadBytes() int64 {
	return r.get("upload_bytes")
}

func (r *RedisCounters) ActiveUploadCount() int {
	return int(r.get("upload_count"))
}

func (r *RedisCounters) BeginUpload(bytes int64) {
	r.client.IncrBy(r.ctx, r.prefix+"upload_bytes", bytes)
	r.client.Incr(r.ctx, r.prefix+"upload_count")
}

func (r *RedisCounters) EndUpload(bytes int64) {
	r.client.DecrBy(r.ctx, r.prefix+"upload_bytes", bytes)
	r.decrNonNegative("upload_count")
}

func (r *RedisCounters) get(field string) int64 {
	v, err := r.client.Get(r.ctx, r.prefix+field).Int64()
	if err != nil {
		return 0
	}
	return v
}

// decrNonNegative decrements a counter without letting it go negative; a
// negative counter would falsely admit traffic the in-process variant would
// have rejected.
func (r *RedisCounters) decrNonNegative(field string) {
	key := r.prefix + field
	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()
	_ = r.client.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, key).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if v <= 0 {
			return nil
		}
		_, err = tx.Decr(ctx, key).Result()
		return err
	}, key)
}
