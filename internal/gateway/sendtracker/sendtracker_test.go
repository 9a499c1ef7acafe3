package sendtracker_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"botapigateway/internal/gateway/sendtracker"
)

type fakeDeleter struct {
	deleted []int64
}

func (f *fakeDeleter) DeleteMessageBestEffort(chatID, messageID int64) {
	f.deleted = append(f.deleted, messageID)
}

func TestTracker_SingleSendSucceeds(t *testing.T) {
	t.Parallel()

	tr := sendtracker.New(nil)
	require.True(t, tr.AdmitSend(100))

	tr.BeginSend(1, 100, 1001, 1, false)
	require.Equal(t, 1, tr.PendingCount(100))

	out := tr.Succeed(100, 1001, 555, map[string]any{"message_id": 555})
	require.NotNil(t, out)
	require.NoError(t, out.Err)
	require.Len(t, out.ResultPieces, 1)
	require.Equal(t, 0, tr.PendingCount(100))
}

func TestTracker_PerChatCapAdmission(t *testing.T) {
	t.Parallel()

	tr := sendtracker.New(nil)
	for i := 0; i < sendtracker.MaxConcurrentlySentChatMessages; i++ {
		require.True(t, tr.AdmitSend(7))
		tr.BeginSend(int64(i+1), 7, int64(i+1), 1, false)
	}
	require.False(t, tr.AdmitSend(7))
}

func TestTracker_MultisendAggregatesResultsInOrder(t *testing.T) {
	t.Parallel()

	tr := sendtracker.New(nil)
	tr.BeginSend(9, 200, 1, 3, true)
	tr.BeginSend(9, 200, 2, 3, true)
	tr.BeginSend(9, 200, 3, 3, true)

	require.Nil(t, tr.Succeed(200, 1, 11, "a"))
	require.Nil(t, tr.Succeed(200, 2, 12, "b"))
	out := tr.Succeed(200, 3, 13, "c")
	require.NotNil(t, out)
	require.Equal(t, []any{"a", "b", "c"}, out.ResultPieces)
	require.NoError(t, out.Err)
}

func TestTracker_FailureDeletesOrphanAndAggregatesError(t *testing.T) {
	t.Parallel()

	del := &fakeDeleter{}
	tr := sendtracker.New(del)
	tr.BeginSend(5, 300, 1, 2, true)
	tr.BeginSend(5, 300, 2, 2, true)

	require.Nil(t, tr.Fail(300, 1, 0, errors.New("transient failure"), 1))
	out := tr.Fail(300, 2, 999, errors.New("429 too many requests"), 2)
	require.NotNil(t, out)
	require.Error(t, out.Err)
	require.Equal(t, []int64{999}, del.deleted)
	require.Equal(t, 0, tr.PendingCount(300))
}
