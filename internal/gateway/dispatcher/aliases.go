package dispatcher

// RegisterKnownAliases wires the Bot API's historical method-name synonyms
// named in spec §6. Call once per Table after all canonical handlers are
// registered.
func RegisterKnownAliases(t *Table) {
	t.RegisterAlias("getChatMembersCount", "getChatMemberCount")
	t.RegisterAlias("kickChatMember", "banChatMember")
	t.RegisterAlias("setStickerSetThumb", "setStickerSetThumbnail")
}

// LocalMethods lists the methods that bypass the flood limiter's admission
// checks per §4.D, because they never load the native client.
var LocalMethods = map[string]bool{
	"close":          true,
	"logout":         true,
	"getMe":          true,
	"getUpdates":     true,
	"setWebhook":     true,
	"deleteWebhook":  true,
	"getWebhookInfo": true,
}
