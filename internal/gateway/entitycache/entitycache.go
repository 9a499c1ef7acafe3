// Package entitycache is component A: the in-memory mapping of users,
// chats, basic groups, supergroups, business connections, sticker-set
// names, and cached messages that a single Client owns. It is mutated
// exclusively by the Update Ingestor (component G) — every other component
// only reads through Cache's accessors. That single-writer discipline is
// invariant 1 of spec §3: the cache never holds two different MessageInfo
// values for the same (chat_id, message_id).
package entitycache

import (
	"sync"

	"botapigateway/internal/gateway/model"
)

// messageKey is the composite key for the message cache.
type messageKey struct {
	chatID    int64
	messageID int64
}

// Cache is one Client's entity cache. Zero value is not usable; use New.
type Cache struct {
	mu sync.RWMutex

	users        map[int64]*model.UserInfo
	chats        map[int64]*model.ChatInfo
	groups       map[int64]*model.GroupInfo
	supergroups  map[int64]*model.SupergroupInfo
	businessConn map[string]*model.BusinessConnection
	stickerSets  map[int64]string // set_id -> name
	messages     map[messageKey]*model.MessageInfo

	usernameToUserID map[string]int64 // lowercased username -> user id, for bot-resolution (§4.E)
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		users:            make(map[int64]*model.UserInfo),
		chats:            make(map[int64]*model.ChatInfo),
		groups:           make(map[int64]*model.GroupInfo),
		supergroups:      make(map[int64]*model.SupergroupInfo),
		businessConn:     make(map[string]*model.BusinessConnection),
		stickerSets:      make(map[int64]string),
		messages:         make(map[messageKey]*model.MessageInfo),
		usernameToUserID: make(map[string]int64),
	}
}

// --- writer-only mutation surface; only the Update Ingestor calls these ---

// PutUser idempotently upserts a user projection.
func (c *Cache) PutUser(u *model.UserInfo) {
	if u == nil || u.ID == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = u
	for _, name := range u.Usernames {
		c.usernameToUserID[lower(name)] = u.ID
	}
}

// PutChat idempotently upserts a chat projection.
func (c *Cache) PutChat(ch *model.ChatInfo) {
	if ch == nil || ch.ID == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[ch.ID] = ch
}

// PutGroup idempotently upserts a legacy basic-group projection.
func (c *Cache) PutGroup(g *model.GroupInfo) {
	if g == nil || g.ID == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[g.ID] = g
}

// PutSupergroup idempotently upserts a supergroup/channel projection.
func (c *Cache) PutSupergroup(sg *model.SupergroupInfo) {
	if sg == nil || sg.ID == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supergroups[sg.ID] = sg
}

// PutBusinessConnection creates or refreshes a business connection.
func (c *Cache) PutBusinessConnection(bc *model.BusinessConnection) {
	if bc == nil || bc.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.businessConn[bc.ID] = bc
}

// PutStickerSetName hydrates a sticker set's human-readable name (§4.E, §4.G).
func (c *Cache) PutStickerSetName(setID int64, name string) {
	if setID == 0 || name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stickerSets[setID] = name
}

// PutMessage stores (or overwrites) a message snapshot for (chatID,
// messageID). Overwriting is the only mutation path; callers needing the
// edit-equality check (§4.G) must compare against Message's result
// themselves before calling PutMessage.
func (c *Cache) PutMessage(chatID, messageID int64, m *model.MessageInfo) {
	if m == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[messageKey{chatID, messageID}] = m
}

// DeleteMessage removes a message snapshot, e.g. on updateDeleteMessages.
func (c *Cache) DeleteMessage(chatID, messageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, messageKey{chatID, messageID})
}

// --- read-only accessors; any component may call these ---

func (c *Cache) User(id int64) (*model.UserInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

func (c *Cache) Chat(id int64) (*model.ChatInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.chats[id]
	return ch, ok
}

func (c *Cache) Group(id int64) (*model.GroupInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	return g, ok
}

func (c *Cache) Supergroup(id int64) (*model.SupergroupInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sg, ok := c.supergroups[id]
	return sg, ok
}

func (c *Cache) BusinessConnection(id string) (*model.BusinessConnection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bc, ok := c.businessConn[id]
	return bc, ok
}

// StickerSetName returns the cached name; empty string means not yet
// hydrated and the caller (resolution queue E) must issue getStickerSet.
func (c *Cache) StickerSetName(setID int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stickerSets[setID]
}

func (c *Cache) Message(chatID, messageID int64) (*model.MessageInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.messages[messageKey{chatID, messageID}]
	return m, ok
}

// ResolveUsername returns a cached user id for @username (case-insensitive),
// used by the bot-username resolution flow in §4.E before a
// searchPublicChat round-trip is issued.
func (c *Cache) ResolveUsername(username string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.usernameToUserID[lower(username)]
	return id, ok
}

func lower(s string) string {
	b := []byte(s)
	for i, r := range b {
		if r >= 'A' && r <= 'Z' {
			b[i] = r + ('a' - 'A')
		}
	}
	return string(b)
}
