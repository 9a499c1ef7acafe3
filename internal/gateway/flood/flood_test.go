package flood_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"botapigateway/internal/gateway/flood"
)

func TestLimiter_AdmitBypassesCapForLocalMethodsAndGracePeriod(t *testing.T) {
	t.Parallel()

	counters := flood.NewMemCounters()
	l := flood.New(counters, 60, 30)
	// Force past the 60s grace period by constructing directly wouldn't work
	// since started is private; exercise via the public surface instead:
	// local methods always bypass admission regardless of grace period.
	require.NoError(t, l.Admit("getMe", false, 0))

	for i := 0; i < 600; i++ {
		counters.IncActiveRequests()
	}
	// Still inside the grace period right after New(), so sendMessage is
	// admitted even though the counter is over threshold.
	require.NoError(t, l.Admit("sendMessage", false, 0))
}

func TestClosingError_Mapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		reason   flood.ClosingReason
		wantCode int
	}{
		{flood.ClosingInvalidAPIID, 401},
		{flood.ClosingLoggedOutTQueueCleared, 400},
		{flood.ClosingPlainLogout, 401},
		{flood.ClosingClosing, 500},
	}
	for _, tc := range cases {
		err := flood.NewClosingError(tc.reason, time.Time{})
		require.Equal(t, tc.wantCode, err.Code)
	}
}

func TestClosingError_RetryScheduled(t *testing.T) {
	t.Parallel()

	next := time.Now().Add(10 * time.Second)
	err := flood.NewClosingError(flood.ClosingRetryScheduled, next)
	require.Equal(t, 429, err.Code)
	require.True(t, err.RetryAfter > 9*time.Second && err.RetryAfter <= 11*time.Second)
}

func TestLimiter_PaceUpload_SmallUploadsSkipPacing(t *testing.T) {
	t.Parallel()

	l := flood.New(flood.NewMemCounters(), 60, 30)
	require.NoError(t, l.PaceUpload(1000))
}
