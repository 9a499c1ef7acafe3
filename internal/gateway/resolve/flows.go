package resolve

import (
	"botapigateway/internal/gateway/entitycache"
	"botapigateway/internal/gateway/model"
)

// Fetcher is the subset of the native client bridge the resolution flows
// need: fetching a message by id and hydrating a sticker-set name. Kept as
// a narrow interface so this package never imports internal/nativeclient
// directly (spec §1 treats the native client as an opaque bus).
type Fetcher interface {
	FetchMessage(chatID, messageID int64) (*model.MessageInfo, error)
	FetchStickerSetName(setID int64) (string, error)
}

// Emitted is the terminal callback for a prefetch flow: emit is called once
// every dependency has been resolved, with the fully hydrated message and
// the emission kind to use (message/edited_message/channel_post/
// edited_channel_post, per §4.E).
type Emitted func(msg *model.MessageInfo, kind string)

// NewMessageQueue is component E's new_message_queue[chat_id]: replied
// message, then the message's own sticker-set name, then the reply's
// sticker-set name, in that order, before emission.
type NewMessageQueue struct {
	q       *SerialQueue[int64]
	cache   *entitycache.Cache
	fetcher Fetcher
}

func NewNewMessageQueue(cache *entitycache.Cache, fetcher Fetcher) *NewMessageQueue {
	return &NewMessageQueue{q: NewSerialQueue[int64](), cache: cache, fetcher: fetcher}
}

// Enqueue prefetches msg's dependencies under chatID's serial queue, then
// calls emit with the hydrated message and the chosen update kind.
func (n *NewMessageQueue) Enqueue(chatID int64, msg *model.MessageInfo, isEdit, isChannel bool, emit Emitted) {
	n.q.Enqueue(chatID, func(done func()) {
		n.step1ReplyFetch(msg, func() {
			n.step2OwnStickerSet(msg, func() {
				n.step3ReplyStickerSet(msg, func() {
					kind := emissionKind(isEdit, isChannel)
					emit(msg, kind)
					done()
				})
			})
		})
	})
}

func (n *NewMessageQueue) step1ReplyFetch(msg *model.MessageInfo, next func()) {
	if msg.ReplyToMessage == nil {
		next()
		return
	}
	if _, ok := n.cache.Message(msg.ReplyToMessage.ChatID, msg.ReplyToMessage.MessageID); ok {
		next()
		return
	}
	replied, err := n.fetcher.FetchMessage(msg.ReplyToMessage.ChatID, msg.ReplyToMessage.MessageID)
	if err == nil && replied != nil {
		n.cache.PutMessage(msg.ReplyToMessage.ChatID, msg.ReplyToMessage.MessageID, replied)
	}
	next()
}

func (n *NewMessageQueue) step2OwnStickerSet(msg *model.MessageInfo, next func()) {
	n.hydrateStickerSet(msg.Content.StickerSetID, next)
}

func (n *NewMessageQueue) step3ReplyStickerSet(msg *model.MessageInfo, next func()) {
	if msg.ReplyToMessage == nil {
		next()
		return
	}
	replied, ok := n.cache.Message(msg.ReplyToMessage.ChatID, msg.ReplyToMessage.MessageID)
	if !ok {
		next()
		return
	}
	n.hydrateStickerSet(replied.Content.StickerSetID, next)
}

func (n *NewMessageQueue) hydrateStickerSet(setID int64, next func()) {
	if setID == 0 || n.cache.StickerSetName(setID) != "" {
		next()
		return
	}
	name, err := n.fetcher.FetchStickerSetName(setID)
	if err == nil && name != "" {
		n.cache.PutStickerSetName(setID, name)
	}
	next()
}

func emissionKind(isEdit, isChannel bool) string {
	switch {
	case isEdit && isChannel:
		return "edited_channel_post"
	case isEdit:
		return "edited_message"
	case isChannel:
		return "channel_post"
	default:
		return "message"
	}
}

// BusinessMessageQueue is new_business_message_queue[connection_id]: same
// shape as NewMessageQueue, keyed by business connection id instead of
// chat id, emitting business_message / edited_business_message.
type BusinessMessageQueue struct {
	inner *NewMessageQueue
	byKey *SerialQueue[string]
}

func NewBusinessMessageQueue(cache *entitycache.Cache, fetcher Fetcher) *BusinessMessageQueue {
	return &BusinessMessageQueue{
		inner: &NewMessageQueue{q: NewSerialQueue[int64](), cache: cache, fetcher: fetcher},
		byKey: NewSerialQueue[string](),
	}
}

func (b *BusinessMessageQueue) Enqueue(connectionID string, msg *model.MessageInfo, isEdit bool, emit Emitted) {
	b.byKey.Enqueue(connectionID, func(done func()) {
		b.inner.step1ReplyFetch(msg, func() {
			b.inner.step2OwnStickerSet(msg, func() {
				b.inner.step3ReplyStickerSet(msg, func() {
					kind := "business_message"
					if isEdit {
						kind = "edited_business_message"
					}
					emit(msg, kind)
					done()
				})
			})
		})
	})
}

// CallbackQueryQueue is new_callback_query_queue[user_id], the three-state
// machine of §4.E: fetch base message, then its reply (if referenced),
// then any referenced sticker-set names.
type CallbackQueryQueue struct {
	q       *SerialQueue[int64]
	cache   *entitycache.Cache
	fetcher Fetcher
}

func NewCallbackQueryQueue(cache *entitycache.Cache, fetcher Fetcher) *CallbackQueryQueue {
	return &CallbackQueryQueue{q: NewSerialQueue[int64](), cache: cache, fetcher: fetcher}
}

// CallbackQuery is the minimal view the queue needs of an incoming
// callback_query event.
type CallbackQuery struct {
	UserID         int64
	BaseChatID     int64
	BaseMessageID  int64
}

func (c *CallbackQueryQueue) Enqueue(cb CallbackQuery, emit func(base *model.MessageInfo)) {
	c.q.Enqueue(cb.UserID, func(done func()) {
		c.state0FetchBase(cb, func(base *model.MessageInfo) {
			c.state1FetchReply(base, func() {
				c.state2FetchStickerSets(base, func() {
					emit(base)
					done()
				})
			})
		})
	})
}

func (c *CallbackQueryQueue) state0FetchBase(cb CallbackQuery, next func(*model.MessageInfo)) {
	if base, ok := c.cache.Message(cb.BaseChatID, cb.BaseMessageID); ok {
		next(base)
		return
	}
	base, err := c.fetcher.FetchMessage(cb.BaseChatID, cb.BaseMessageID)
	if err == nil && base != nil {
		c.cache.PutMessage(cb.BaseChatID, cb.BaseMessageID, base)
	}
	next(base)
}

func (c *CallbackQueryQueue) state1FetchReply(base *model.MessageInfo, next func()) {
	if base == nil || base.ReplyToMessage == nil {
		next()
		return
	}
	if _, ok := c.cache.Message(base.ReplyToMessage.ChatID, base.ReplyToMessage.MessageID); ok {
		next()
		return
	}
	replied, err := c.fetcher.FetchMessage(base.ReplyToMessage.ChatID, base.ReplyToMessage.MessageID)
	if err == nil && replied != nil {
		c.cache.PutMessage(base.ReplyToMessage.ChatID, base.ReplyToMessage.MessageID, replied)
	}
	next()
}

func (c *CallbackQueryQueue) state2FetchStickerSets(base *model.MessageInfo, next func()) {
	if base == nil {
		next()
		return
	}
	ids := []int64{base.Content.StickerSetID}
	if base.ReplyToMessage != nil {
		if replied, ok := c.cache.Message(base.ReplyToMessage.ChatID, base.ReplyToMessage.MessageID); ok {
			ids = append(ids, replied.Content.StickerSetID)
		}
	}
	c.hydrateAll(ids, 0, next)
}

func (c *CallbackQueryQueue) hydrateAll(ids []int64, i int, next func()) {
	if i >= len(ids) {
		next()
		return
	}
	setID := ids[i]
	if setID == 0 || c.cache.StickerSetName(setID) != "" {
		c.hydrateAll(ids, i+1, next)
		return
	}
	name, err := c.fetcher.FetchStickerSetName(setID)
	if err == nil && name != "" {
		c.cache.PutStickerSetName(setID, name)
	}
	c.hydrateAll(ids, i+1, next)
}

// BusinessCallbackQueryQueue is new_business_callback_query_queue[user_id]:
// a single-step queue, since the message is embedded in the event already —
// only sticker-set names need hydrating.
type BusinessCallbackQueryQueue struct {
	q       *SerialQueue[int64]
	cache   *entitycache.Cache
	fetcher Fetcher
}

func NewBusinessCallbackQueryQueue(cache *entitycache.Cache, fetcher Fetcher) *BusinessCallbackQueryQueue {
	return &BusinessCallbackQueryQueue{q: NewSerialQueue[int64](), cache: cache, fetcher: fetcher}
}

func (c *BusinessCallbackQueryQueue) Enqueue(userID int64, embedded *model.MessageInfo, emit func()) {
	c.q.Enqueue(userID, func(done func()) {
		setID := embedded.Content.StickerSetID
		if setID == 0 || c.cache.StickerSetName(setID) != "" {
			emit()
			done()
			return
		}
		name, err := c.fetcher.FetchStickerSetName(setID)
		if err == nil && name != "" {
			c.cache.PutStickerSetName(setID, name)
		}
		emit()
		done()
	})
}
