package resolve

import (
	"strings"
	"sync"

	"botapigateway/internal/gateway/entitycache"
)

// UsernameResolver implements the bot-username resolution flow of §4.E:
// login-url buttons may reference a bot by @username; each unknown
// username is mapped to a negative temporary user id (monotonically
// increasing, multiples of 1000) until a searchPublicChat round-trip
// resolves it to a real user id.
type UsernameResolver struct {
	mu           sync.Mutex
	cache        *entitycache.Cache
	nextTempID   int64 // counts down by 1000: -1000, -2000, ...
	tempIDByName map[string]int64
	nameByTempID map[int64]string

	searchPublicChat func(username string, onResolved func(userID int64, err error))
}

// NewUsernameResolver wires the native searchPublicChat call used to
// resolve an unknown @username to a real user id.
func NewUsernameResolver(cache *entitycache.Cache, searchPublicChat func(username string, onResolved func(userID int64, err error))) *UsernameResolver {
	return &UsernameResolver{
		cache:            cache,
		tempIDByName:     make(map[string]int64),
		nameByTempID:     make(map[int64]string),
		searchPublicChat: searchPublicChat,
	}
}

// TempIDFor returns a stable temporary id for username, minting a new
// negative multiple-of-1000 id on first reference; returns a real cached id
// immediately if the cache already knows this username.
func (r *UsernameResolver) TempIDFor(username string) int64 {
	key := strings.ToLower(strings.TrimPrefix(username, "@"))
	if id, ok := r.cache.ResolveUsername(key); ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.tempIDByName[key]; ok {
		return id
	}
	r.nextTempID -= 1000
	id := r.nextTempID
	r.tempIDByName[key] = id
	r.nameByTempID[id] = key
	return id
}

// PendingQuery tracks the set of usernames an HTTP query awaits before its
// reply-markup's temporary ids can be rewritten to real user ids.
type PendingQuery struct {
	Awaiting map[string]bool
	OnError  func(username string) // called with the offending username on not-found/not-a-bot
	OnDone   func()                // called once all usernames have resolved
}

// Resolve awaits every username in q before proceeding; each resolves via
// the wired searchPublicChat, decrementing the pending count as callbacks
// land. Mirrors the per-query pending-count bookkeeping of
// PendingBotResolveQuery in spec §3.
func (r *UsernameResolver) Resolve(q *PendingQuery) {
	if len(q.Awaiting) == 0 {
		q.OnDone()
		return
	}
	remaining := len(q.Awaiting)
	var mu sync.Mutex
	failed := false

	for username := range q.Awaiting {
		username := username
		r.searchPublicChat(username, func(userID int64, err error) {
			mu.Lock()
			defer mu.Unlock()
			if failed {
				return
			}
			if err != nil || userID == 0 {
				failed = true
				q.OnError(username)
				return
			}
			r.rewrite(username, userID)
			remaining--
			if remaining == 0 {
				q.OnDone()
			}
		})
	}
}

// rewrite commits a resolved (username -> real user id) mapping so future
// TempIDFor calls and reply-markup rewrites use the real id.
func (r *UsernameResolver) rewrite(username string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tempID, ok := r.tempIDByName[username]; ok {
		delete(r.tempIDByName, username)
		delete(r.nameByTempID, tempID)
	}
	r.tempIDByName[username] = userID
}

// RewriteLoginURLButtons rewrites temporary ids embedded in a reply-markup
// back to resolved real user ids in place, preserving each button's
// request-write-access sign bit (the low bit of the encoded value, per
// spec §4.E).
func RewriteLoginURLButtons(resolved map[int64]int64, buttonUserIDs []int64) []int64 {
	out := make([]int64, len(buttonUserIDs))
	for i, encoded := range buttonUserIDs {
		signBit := encoded & 1
		tempID := encoded &^ 1
		if real, ok := resolved[tempID]; ok {
			out[i] = (real &^ 1) | signBit
			continue
		}
		out[i] = encoded
	}
	return out
}
