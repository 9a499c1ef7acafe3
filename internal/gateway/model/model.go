// Package model holds the cached projections the Client keeps for one bot:
// users, chats, groups, supergroups, business connections, sticker-set names
// and message snapshots. Nothing in this package mutates itself; the
// entitycache package is the single writer (invariant 1 in spec §3).
package model

import "time"

// UserKind discriminates the tagged UserInfo.kind union.
type UserKind int

const (
	UserKindUnknown UserKind = iota
	UserKindRegular
	UserKindBot
	UserKindDeleted
)

// UserInfo is the cached projection of a Telegram user.
type UserInfo struct {
	ID                int64
	FirstName         string
	LastName          string
	Usernames         []string // active usernames, ordered; [0] is the editable one if EditableUsername set
	EditableUsername  string
	LanguageCode      string
	Kind              UserKind
	IsPremium         bool
	HasRestrictedMedia bool // attachment-menu / access flag family, collapsed

	// Bot-kind fields, meaningful only when Kind == UserKindBot.
	CanJoinGroups            bool
	CanReadAllGroupMessages  bool
	IsInline                 bool
	CanConnectToBusiness     bool

	ProfilePhotoFileID string
	Bio                string
	Birthdate          string
	PersonalChatID     int64
	HasPrivateForwards bool
}

// ChatKind discriminates the ChatInfo.kind union.
type ChatKind int

const (
	ChatKindUnknown ChatKind = iota
	ChatKindPrivate
	ChatKindGroup
	ChatKindSupergroup
)

// ChatInfo is a shared projection across all chat surfaces; Kind selects
// which of UserID/GroupID/SupergroupID is meaningful.
type ChatInfo struct {
	ID                               int64
	Title                            string
	PhotoFileID                      string
	MessageAutoDeleteTime            int
	EmojiStatusCustomEmojiID         int64
	AvailableReactionsAll            bool
	MaxReactionCount                 int
	AccentColorID                    int
	BackgroundCustomEmojiID          int64
	ProfileAccentColorID             int
	ProfileBackgroundCustomEmojiID   int64
	HasProtectedContent              bool
	Permissions                      ChatPermissions

	Kind          ChatKind
	UserID        int64 // Kind == ChatKindPrivate
	GroupID       int64 // Kind == ChatKindGroup
	SupergroupID  int64 // Kind == ChatKindSupergroup
}

// ChatPermissions mirrors the Bot API ChatPermissions object.
type ChatPermissions struct {
	CanSendMessages       bool
	CanSendMedia          bool
	CanSendPolls          bool
	CanSendOtherMessages  bool
	CanAddWebPagePreviews bool
	CanChangeInfo         bool
	CanInviteUsers        bool
	CanPinMessages        bool
	CanManageTopics       bool
}

// BotMemberStatus is the bot's own membership state in a Group/Supergroup.
type BotMemberStatus int

const (
	BotMemberUnknown BotMemberStatus = iota
	BotMemberMember
	BotMemberLeft
	BotMemberKicked
)

// GroupInfo is a legacy basic-group projection.
type GroupInfo struct {
	ID                 int64
	MemberCount         int
	Status              BotMemberStatus
	IsActive            bool
	UpgradedToSupergroupID int64
	Description         string
	InviteLink          string
	PhotoFileID         string
}

// SupergroupInfo covers both supergroups and channels; IsChannel discriminates.
type SupergroupInfo struct {
	ID                         int64
	Usernames                  []string
	EditableUsername           string
	CreationDate               time.Time
	Status                     BotMemberStatus
	IsChannel                  bool
	IsForum                    bool
	HasLocation                bool
	JoinToSendMessages         bool
	JoinByRequest              bool
	Description                string
	InviteLink                 string
	StickerSetID               int64
	CustomEmojiStickerSetID    int64
	CanSetStickerSet           bool
	IsAllHistoryAvailable      bool
	SlowModeDelay              int
	UnrestrictBoostCount       int
	LinkedChatID               int64
	Location                   string
	HasHiddenMembers           bool
	HasAggressiveAntiSpam      bool
}

// ForwardOrigin is a tagged union over where a forwarded message came from.
type ForwardOriginKind int

const (
	ForwardOriginNone ForwardOriginKind = iota
	ForwardOriginUser
	ForwardOriginChat
	ForwardOriginChannel
	ForwardOriginHiddenUser
)

type ForwardOrigin struct {
	Kind           ForwardOriginKind
	SenderUserID   int64
	SenderChatID   int64
	AuthorSignature string
	SenderName     string // ForwardOriginHiddenUser
	Date           time.Time
}

// MessageReference identifies a cached message by composite key.
type MessageReference struct {
	ChatID    int64
	MessageID int64
}

// MessageInfo is a cached message snapshot; see invariant 1 in spec §3:
// the Entity Cache never holds two different values for the same key.
type MessageInfo struct {
	ID                  int64
	ChatID              int64
	MessageThreadID      int64
	Date                 time.Time
	EditDate             time.Time
	MediaAlbumID         int64
	ViaBotUserID         int64
	InitialSendDate      time.Time
	ForwardOrigin        ForwardOrigin
	SenderUserID         int64
	SenderChatID         int64
	CanBeSaved           bool
	IsFromOffline        bool
	IsTopicMessage       bool
	AuthorSignature      string
	SenderBoostCount     int
	EffectID             string
	ReplyToMessage       *MessageReference
	ReplyToStoryChatID   int64
	ReplyToStoryID       int64

	// Content is an opaque variant; callers compare it with ContentEquals to
	// decide whether an edit actually changed anything (spec §4.G filtering).
	Content        MessageContent
	ReplyMarkup    any
	ContentChanged bool

	BusinessConnectionID  string
	BusinessReplyToMsgID  int64
	BusinessSenderBotID   int64
}

// MessageContent is a sealed sum type over the content variants this gateway
// cares about; unknown/unsupported content is preserved opaquely in Raw.
type MessageContent struct {
	Kind        ContentKind
	Text        string
	StickerSetID int64
	Raw         map[string]any
}

type ContentKind int

const (
	ContentUnknown ContentKind = iota
	ContentText
	ContentSticker
	ContentPhoto
	ContentVideo
	ContentDocument
	ContentPoll
	ContentRejected // content kinds enumerated in spec §8 as never emitted (score, payment, call, ...)
)

// ContentEquals implements the byte-for-byte comparison spec §4.G requires
// before emitting an edited_message / edited_channel_post update.
func (c MessageContent) ContentEquals(o MessageContent) bool {
	if c.Kind != o.Kind || c.Text != o.Text || c.StickerSetID != o.StickerSetID {
		return false
	}
	if len(c.Raw) != len(o.Raw) {
		return false
	}
	for k, v := range c.Raw {
		if ov, ok := o.Raw[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// BusinessConnection is created on first reference and refreshed on updates.
type BusinessConnection struct {
	ID        string
	UserID    int64
	UserChatID int64
	Date      time.Time
	CanReply  bool
	IsEnabled bool
}

// YetUnsentMessage tracks one in-flight outbound send: created on enqueue,
// removed on the terminal success/failure event from the native client
// (spec §3, invariant 2: every entry here has a live PendingSendMessageQuery
// with AwaitedCount >= 1).
type YetUnsentMessage struct {
	ChatID             int64
	TemporaryMessageID int64
	SendMessageQueryID int64
}

// PendingSendMessageQuery is the originating HTTP send query's bookkeeping:
// closed once AwaitedCount reaches zero.
type PendingSendMessageQuery struct {
	QueryID        int64
	IsMultisend    bool
	TotalCount     int
	AwaitedCount   int
	ResultPieces   []any // accumulated per-message JSON results, in send order
	TerminalError  error
}

// PendingBotResolveQuery tracks login-url-button username resolution: the
// originating query resolves when PendingCount reaches zero (or fails
// immediately on the first invalid username), per spec §4.E.
type PendingBotResolveQuery struct {
	QueryID      int64
	PendingCount int
}
