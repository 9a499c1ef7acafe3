// Package ingestor is component G: it receives the full unsolicited-event
// stream from the native client, mutates the Entity Cache (component A),
// and either routes an update into a Resolution Queue (component E) or
// emits it directly through the Update Emitter (component H). Grounded on
// the teacher's domainupdates.Handlers dispatch-registration idiom
// (internal/domain/updates/handlers.go's OnNewMessage/OnEditMessage-style
// table) and the freshness/content filters mirrored from
// internal/domain/filters, repurposed here from outbound-notification
// matching to inbound-update admission filtering (§4.G).
package ingestor

import (
	"sync"
	"time"

	"botapigateway/internal/gateway/authfsm"
	"botapigateway/internal/gateway/emitter"
	"botapigateway/internal/gateway/entitycache"
	"botapigateway/internal/gateway/model"
	"botapigateway/internal/gateway/resolve"
	"botapigateway/internal/gateway/sendtracker"
	"botapigateway/internal/infra/clock"
)

// freshnessWindow is the §4.G / §8 property 3 one-day freshness window.
const freshnessWindow = 86400 * time.Second

// defaultTTL is used for update kinds §8 doesn't single out a bespoke TTL
// for; message-ish updates reuse freshnessWindow as their TQueue TTL.
const defaultTTL = int64(86400)

// AllowedUpdateMask gates emission per §4.G/§7's allowed_updates rule
// (invariant 6, §8 property 5). Bit positions mirror get_update_type_name.
type AllowedUpdateMask struct {
	mu   sync.RWMutex
	bits uint32
}

// Update kind bit positions, in the order get_update_type_name enumerates
// them; used with AllowedUpdateMask.Allows by the handlers in this file.
const (
	BitMessage = 1 << iota
	BitEditedMessage
	BitChannelPost
	BitEditedChannelPost
	BitInlineQuery
	BitChosenInlineResult
	BitCallbackQuery
	BitShippingQuery
	BitPreCheckoutQuery
	BitPoll
	BitPollAnswer
	BitMyChatMember
	BitChatMember
	BitChatJoinRequest
	BitChatBoost
	BitRemovedChatBoost
	BitMessageReaction
	BitMessageReactionCount
	BitBusinessConnection
	BitBusinessMessage
	BitEditedBusinessMessage
	BitDeletedBusinessMessages

	defaultMask = ^uint32(0) >> 10 // every known kind except the two internal "custom" ones, per §6
)

// NewAllowedUpdateMask builds a mask defaulting to every known kind except
// the two internal custom ones, per §6 ("an empty or unparseable input
// produces the default mask").
func NewAllowedUpdateMask() *AllowedUpdateMask {
	return &AllowedUpdateMask{bits: defaultMask}
}

// Set overwrites the mask; invariant 6 says this only ever happens via an
// explicit getUpdates/setWebhook allowed_updates argument or a server-side
// override option — never silently.
func (m *AllowedUpdateMask) Set(bits uint32) {
	m.mu.Lock()
	m.bits = bits
	m.mu.Unlock()
}

func (m *AllowedUpdateMask) Load() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bits
}

func (m *AllowedUpdateMask) Allows(bit uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bits&bit != 0
}

// Emitter is the subset of component H the ingestor needs.
type Emitter interface {
	Emit(u emitter.Update) error
}

// SendTracker is the subset of component F the ingestor feeds send-succeeded
// / send-failed events into.
type SendTracker interface {
	Succeed(chatID, tempID, finalID int64, resultJSON any) *sendtracker.Outcome
	Fail(chatID, tempID, finalID int64, sendErr error, messageIndex int) *sendtracker.Outcome
}

// PendingAnswer answers the originating HTTP query once a send's Outcome is
// known; the Client wires this to its pendingquery.Registry.
type PendingAnswer func(queryID int64, outcome *sendtracker.Outcome)

// Ingestor is component G: one Client's native-event intake.
type Ingestor struct {
	cache   *entitycache.Cache
	emit    Emitter
	tracker SendTracker
	answer  PendingAnswer
	mask    *AllowedUpdateMask
	fsm     *authfsm.FSM
	offset  *clock.UnixOffset

	newMessageQ    *resolve.NewMessageQueue
	businessMsgQ   *resolve.BusinessMessageQueue
	callbackQ      *resolve.CallbackQueryQueue
	businessCbQ    *resolve.BusinessCallbackQueryQueue

	mu            sync.Mutex
	preAuthBuffer []func() // buffered events while the FSM isn't Ready yet
	myID          int64
	groupAnonBot  int64
	channelBot    int64
	serviceChatID int64
	joined        map[int64]bool // chat ids the bot has confirmed join/authorization for
}

// New constructs an Ingestor wired to its dependent components.
func New(cache *entitycache.Cache, emit Emitter, tracker SendTracker, answer PendingAnswer, mask *AllowedUpdateMask, fsm *authfsm.FSM, offset *clock.UnixOffset, newMessageQ *resolve.NewMessageQueue, businessMsgQ *resolve.BusinessMessageQueue, callbackQ *resolve.CallbackQueryQueue, businessCbQ *resolve.BusinessCallbackQueryQueue) *Ingestor {
	return &Ingestor{
		cache: cache, emit: emit, tracker: tracker, answer: answer, mask: mask, fsm: fsm, offset: offset,
		newMessageQ: newMessageQ, businessMsgQ: businessMsgQ, callbackQ: callbackQ, businessCbQ: businessCbQ,
		joined: make(map[int64]bool),
	}
}

// SetFSM wires the Authorization FSM after construction: client.go builds
// the Ingestor before the FSM exists (the FSM itself needs the Ingestor's
// Bridge sink wired first), so this breaks the construction cycle.
func (g *Ingestor) SetFSM(fsm *authfsm.FSM) {
	g.fsm = fsm
}

// runOrBuffer executes fn immediately once the FSM is Ready; before that it
// buffers fn in order, per §4.G's pre-authorization buffer rule. Only
// updateAuthorizationState, updateOption{my_id,unix_time}, and updateUser
// are meant to be processed during the window — callers for every other
// event category should route through here.
func (g *Ingestor) runOrBuffer(fn func()) {
	if g.fsm.State() == authfsm.StateReady {
		fn()
		return
	}
	g.mu.Lock()
	g.preAuthBuffer = append(g.preAuthBuffer, fn)
	g.mu.Unlock()
}

// FlushPreAuthBuffer runs every buffered event in arrival order; the FSM
// calls this via its OnReady callback.
func (g *Ingestor) FlushPreAuthBuffer() {
	g.mu.Lock()
	buffered := g.preAuthBuffer
	g.preAuthBuffer = nil
	g.mu.Unlock()
	for _, fn := range buffered {
		fn()
	}
}

// --- option updates: always processed immediately, even pre-auth ---

// OnOptionUnixTime handles updateOption{unix_time}: the larger of the
// per-client and shared values wins, per §4.G/§9.
func (g *Ingestor) OnOptionUnixTime(nativeUnixTime int64) {
	g.offset.Observe(nativeUnixTime)
}

// OnOptionMyID handles updateOption{my_id}.
func (g *Ingestor) OnOptionMyID(userID int64) {
	g.mu.Lock()
	g.myID = userID
	g.mu.Unlock()
}

func (g *Ingestor) OnOptionGroupAnonymousBotUserID(id int64) {
	g.mu.Lock()
	g.groupAnonBot = id
	g.mu.Unlock()
}

func (g *Ingestor) OnOptionChannelBotUserID(id int64) {
	g.mu.Lock()
	g.channelBot = id
	g.mu.Unlock()
}

func (g *Ingestor) OnOptionServiceNotificationsChatID(id int64) {
	g.mu.Lock()
	g.serviceChatID = id
	g.mu.Unlock()
}

// --- entity updates: idempotent upserts into the Entity Cache ---

// OnUser is applied immediately, even before authorization completes.
func (g *Ingestor) OnUser(u *model.UserInfo) { g.cache.PutUser(u) }

func (g *Ingestor) OnChat(ch *model.ChatInfo)               { g.runOrBuffer(func() { g.cache.PutChat(ch) }) }
func (g *Ingestor) OnGroup(grp *model.GroupInfo)            { g.runOrBuffer(func() { g.cache.PutGroup(grp) }) }
func (g *Ingestor) OnSupergroup(sg *model.SupergroupInfo)   { g.runOrBuffer(func() { g.cache.PutSupergroup(sg) }) }
func (g *Ingestor) OnBusinessConnection(bc *model.BusinessConnection) {
	g.runOrBuffer(func() {
		g.cache.PutBusinessConnection(bc)
		if g.mask.Allows(BitBusinessConnection) {
			_ = g.emit.Emit(emitter.Update{
				Kind: "business_connection", Body: bc, TTLSecs: defaultTTL,
				QueueTag: emitter.QueueTag{Category: emitter.CategoryBusinessConnection, SubjectID: bc.UserID},
			})
		}
	})
}

// MarkChatJoined records that the bot has confirmed membership/authorization
// in chatID, lifting the "messages arriving before join" filter of §4.G.
func (g *Ingestor) MarkChatJoined(chatID int64) {
	g.mu.Lock()
	g.joined[chatID] = true
	g.mu.Unlock()
}

func (g *Ingestor) isJoined(chatID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.joined[chatID]
}

// NewMessageEvent is the minimal shape of an incoming updateNewMessage.
type NewMessageEvent struct {
	Msg           *model.MessageInfo
	IsOutgoing    bool
	IsServiceKind bool // part of the small whitelist of outgoing service messages still emitted
	IsChannel     bool
	IsSupergroup  bool
	SelfDestruct  bool
	IsImport      bool
}

// OnNewMessage implements §4.G's new-message filtering and routes survivors
// into new_message_queue[chat_id] (component E) for prefetch before
// emission.
func (g *Ingestor) OnNewMessage(ev NewMessageEvent) {
	g.runOrBuffer(func() {
		if g.rejectedByFilter(ev) {
			return
		}
		g.cache.PutMessage(ev.Msg.ChatID, ev.Msg.ID, ev.Msg)
		g.newMessageQ.Enqueue(ev.Msg.ChatID, ev.Msg, false, ev.IsChannel, func(msg *model.MessageInfo, kind string) {
			g.emitMessageKind(kind, msg)
		})
	})
}

// OnEditMessage implements the edit path: the byte-for-byte content-equal
// check of §4.G (invariant: ContentChanged must be true to emit).
func (g *Ingestor) OnEditMessage(ev NewMessageEvent) {
	g.runOrBuffer(func() {
		if g.rejectedByFilter(ev) {
			return
		}
		prior, hadPrior := g.cache.Message(ev.Msg.ChatID, ev.Msg.ID)
		if hadPrior && prior.Content.ContentEquals(ev.Msg.Content) {
			return
		}
		ev.Msg.ContentChanged = true
		g.cache.PutMessage(ev.Msg.ChatID, ev.Msg.ID, ev.Msg)
		g.newMessageQ.Enqueue(ev.Msg.ChatID, ev.Msg, true, ev.IsChannel, func(msg *model.MessageInfo, kind string) {
			g.emitMessageKind(kind, msg)
		})
	})
}

// rejectedByFilter applies §4.G's silent-drop rules, excluding the
// content-equality check (callers of OnEditMessage apply that separately
// since it needs the cached prior value).
func (g *Ingestor) rejectedByFilter(ev NewMessageEvent) bool {
	if ev.IsOutgoing && !ev.IsServiceKind {
		return true
	}
	age := clock.Now().Sub(ev.Msg.Date)
	if ev.Msg.EditDate.After(ev.Msg.Date) {
		age = clock.Now().Sub(ev.Msg.EditDate)
	}
	if age > freshnessWindow {
		return true
	}
	if (ev.IsSupergroup || ev.IsChannel) && !g.isJoined(ev.Msg.ChatID) {
		return true
	}
	if ev.SelfDestruct || ev.IsImport {
		return true
	}
	if ev.Msg.Content.Kind == model.ContentRejected {
		return true
	}
	return false
}

func (g *Ingestor) emitMessageKind(kind string, msg *model.MessageInfo) {
	bit, ok := messageKindBit(kind)
	if !ok || !g.mask.Allows(bit) {
		return
	}
	_ = g.emit.Emit(emitter.Update{
		Kind: kind, Body: msg, TTLSecs: defaultTTL,
		QueueTag: emitter.QueueTag{Category: emitter.CategoryMessage, SubjectID: msg.ChatID},
	})
}

func messageKindBit(kind string) (uint32, bool) {
	switch kind {
	case "message":
		return BitMessage, true
	case "edited_message":
		return BitEditedMessage, true
	case "channel_post":
		return BitChannelPost, true
	case "edited_channel_post":
		return BitEditedChannelPost, true
	default:
		return 0, false
	}
}

// OnDeleteMessages removes cached messages for chatID, e.g. on
// updateDeleteMessages (not itself an emitted Bot API update kind).
func (g *Ingestor) OnDeleteMessages(chatID int64, messageIDs []int64) {
	g.runOrBuffer(func() {
		for _, id := range messageIDs {
			g.cache.DeleteMessage(chatID, id)
		}
	})
}

// --- send-succeeded / send-failed: feed the Send-Message Tracker ---

// OnSendSucceeded handles a native "send-succeeded" event (chat, temp_id,
// final_id), per §4.F.
func (g *Ingestor) OnSendSucceeded(chatID, tempID, finalID int64, resultJSON any) {
	outcome := g.tracker.Succeed(chatID, tempID, finalID, resultJSON)
	if outcome == nil {
		return
	}
	g.answerOutcome(chatID, outcome)
}

// OnSendFailed handles a native "send-failed" event.
func (g *Ingestor) OnSendFailed(chatID, tempID, finalID int64, sendErr error, messageIndex int) {
	outcome := g.tracker.Fail(chatID, tempID, finalID, sendErr, messageIndex)
	if outcome == nil {
		return
	}
	g.answerOutcome(chatID, outcome)
}

func (g *Ingestor) answerOutcome(_ int64, outcome *sendtracker.Outcome) {
	if g.answer != nil {
		g.answer(outcome.QueryID, outcome)
	}
}

// --- callback query ---

// CallbackQueryEvent is the minimal shape of an incoming callback_query.
type CallbackQueryEvent struct {
	UserID        int64
	BaseChatID    int64
	BaseMessageID int64
	Payload       any
}

// OnCallbackQuery routes the event through new_callback_query_queue[user_id]
// (component E's three-state machine) before emission.
func (g *Ingestor) OnCallbackQuery(ev CallbackQueryEvent) {
	g.runOrBuffer(func() {
		if !g.mask.Allows(BitCallbackQuery) {
			return
		}
		g.callbackQ.Enqueue(resolve.CallbackQuery{UserID: ev.UserID, BaseChatID: ev.BaseChatID, BaseMessageID: ev.BaseMessageID}, func(base *model.MessageInfo) {
			_ = g.emit.Emit(emitter.Update{
				Kind: "callback_query",
				Body: struct {
					UserID  int64              `json:"user_id"`
					Base    *model.MessageInfo `json:"message"`
					Payload any                `json:"data"`
				}{ev.UserID, base, ev.Payload},
				TTLSecs:  defaultTTL,
				QueueTag: emitter.QueueTag{Category: emitter.CategoryCallbackQuery, SubjectID: ev.UserID},
			})
		})
	})
}

// --- poll / poll answer ---

func (g *Ingestor) OnPoll(pollID string, body any) {
	g.runOrBuffer(func() {
		if !g.mask.Allows(BitPoll) {
			return
		}
		_ = g.emit.Emit(emitter.Update{Kind: "poll", Body: body, TTLSecs: defaultTTL, QueueTag: emitter.QueueTag{PollID: pollID}})
	})
}

func (g *Ingestor) OnPollAnswer(pollID string, body any) {
	g.runOrBuffer(func() {
		if !g.mask.Allows(BitPollAnswer) {
			return
		}
		_ = g.emit.Emit(emitter.Update{Kind: "poll_answer", Body: body, TTLSecs: defaultTTL, QueueTag: emitter.QueueTag{PollID: pollID}})
	})
}

// --- chat-member / join-request / chat-boost / reaction families ---

func (g *Ingestor) OnMyChatMember(chatID int64, body any) {
	g.emitTagged(BitMyChatMember, "my_chat_member", body, emitter.CategoryMyChatMember, chatID)
}

func (g *Ingestor) OnChatMember(userID int64, body any) {
	g.emitTagged(BitChatMember, "chat_member", body, emitter.CategoryChatMemberOrJoinReq, userID)
}

func (g *Ingestor) OnChatJoinRequest(userID int64, body any) {
	g.emitTagged(BitChatJoinRequest, "chat_join_request", body, emitter.CategoryChatMemberOrJoinReq, userID)
}

func (g *Ingestor) OnChatBoost(chatID int64, body any) {
	g.emitTagged(BitChatBoost, "chat_boost", body, emitter.CategoryChatBoost, chatID)
}

func (g *Ingestor) OnRemovedChatBoost(chatID int64, body any) {
	g.emitTagged(BitRemovedChatBoost, "removed_chat_boost", body, emitter.CategoryChatBoost, chatID)
}

func (g *Ingestor) OnMessageReaction(chatID int64, body any) {
	g.emitTagged(BitMessageReaction, "message_reaction", body, emitter.CategoryMessageReaction, chatID)
}

func (g *Ingestor) OnMessageReactionCount(chatID int64, body any) {
	g.emitTagged(BitMessageReactionCount, "message_reaction_count", body, emitter.CategoryMessageReactionCount, chatID)
}

func (g *Ingestor) OnShippingQuery(userID int64, body any) {
	g.emitTagged(BitShippingQuery, "shipping_query", body, emitter.CategoryShippingOrPreCheckout, userID)
}

func (g *Ingestor) OnPreCheckoutQuery(userID int64, body any) {
	g.emitTagged(BitPreCheckoutQuery, "pre_checkout_query", body, emitter.CategoryShippingOrPreCheckout, userID)
}

func (g *Ingestor) OnInlineQuery(userID int64, body any) {
	g.emitTagged(BitInlineQuery, "inline_query", body, emitter.CategoryInlineQuery, userID)
}

func (g *Ingestor) OnChosenInlineResult(userID int64, body any) {
	g.emitTagged(BitChosenInlineResult, "chosen_inline_result", body, emitter.CategoryChosenInlineResult, userID)
}

func (g *Ingestor) emitTagged(bit uint32, kind string, body any, cat emitter.Category, subjectID int64) {
	g.runOrBuffer(func() {
		if !g.mask.Allows(bit) {
			return
		}
		_ = g.emit.Emit(emitter.Update{Kind: kind, Body: body, TTLSecs: defaultTTL, QueueTag: emitter.QueueTag{Category: cat, SubjectID: subjectID}})
	})
}

// --- business messages ---

func (g *Ingestor) OnNewBusinessMessage(connectionID string, msg *model.MessageInfo) {
	g.runOrBuffer(func() {
		g.businessMsgQ.Enqueue(connectionID, msg, false, func(m *model.MessageInfo, kind string) {
			g.emitBusiness(BitBusinessMessage, kind, m)
		})
	})
}

func (g *Ingestor) OnEditedBusinessMessage(connectionID string, msg *model.MessageInfo) {
	g.runOrBuffer(func() {
		g.businessMsgQ.Enqueue(connectionID, msg, true, func(m *model.MessageInfo, kind string) {
			g.emitBusiness(BitEditedBusinessMessage, kind, m)
		})
	})
}

func (g *Ingestor) emitBusiness(bit uint32, kind string, msg *model.MessageInfo) {
	if !g.mask.Allows(bit) {
		return
	}
	_ = g.emit.Emit(emitter.Update{
		Kind: kind, Body: msg, TTLSecs: defaultTTL,
		QueueTag: emitter.QueueTag{Category: emitter.CategoryBusinessMessage, SubjectID: msg.ChatID},
	})
}

func (g *Ingestor) OnBusinessMessagesDeleted(chatID int64, body any) {
	g.emitTagged(BitDeletedBusinessMessages, "deleted_business_messages", body, emitter.CategoryBusinessMessage, chatID)
}

func (g *Ingestor) OnBusinessCallbackQuery(userID int64, embedded *model.MessageInfo, body any) {
	g.runOrBuffer(func() {
		if !g.mask.Allows(BitCallbackQuery) {
			return
		}
		g.businessCbQ.Enqueue(userID, embedded, func() {
			_ = g.emit.Emit(emitter.Update{
				Kind: "business_callback_query", Body: body, TTLSecs: defaultTTL,
				QueueTag: emitter.QueueTag{Category: emitter.CategoryCallbackQuery, SubjectID: userID},
			})
		})
	})
}
