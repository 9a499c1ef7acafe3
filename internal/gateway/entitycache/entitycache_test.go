package entitycache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"botapigateway/internal/gateway/entitycache"
	"botapigateway/internal/gateway/model"
)

func TestCache_MessageSingleWriter(t *testing.T) {
	t.Parallel()

	c := entitycache.New()
	c.PutMessage(100, 5, &model.MessageInfo{ID: 5, ChatID: 100, Content: model.MessageContent{Text: "v1"}})
	c.PutMessage(100, 5, &model.MessageInfo{ID: 5, ChatID: 100, Content: model.MessageContent{Text: "v2"}})

	got, ok := c.Message(100, 5)
	require.True(t, ok)
	require.Equal(t, "v2", got.Content.Text)
}

func TestCache_UsernameResolution(t *testing.T) {
	t.Parallel()

	c := entitycache.New()
	c.PutUser(&model.UserInfo{ID: 42, Usernames: []string{"SomeBot"}})

	id, ok := c.ResolveUsername("somebot")
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	_, ok = c.ResolveUsername("unknown")
	require.False(t, ok)
}

func TestCache_StickerSetNameEmptyUntilHydrated(t *testing.T) {
	t.Parallel()

	c := entitycache.New()
	require.Equal(t, "", c.StickerSetName(42))

	c.PutStickerSetName(42, "AnimatedEmojies")
	require.Equal(t, "AnimatedEmojies", c.StickerSetName(42))
}

func TestCache_ZeroIDsIgnored(t *testing.T) {
	t.Parallel()

	c := entitycache.New()
	c.PutUser(&model.UserInfo{ID: 0})
	c.PutChat(&model.ChatInfo{ID: 0})

	_, ok := c.User(0)
	require.False(t, ok)
	_, ok = c.Chat(0)
	require.False(t, ok)
}
