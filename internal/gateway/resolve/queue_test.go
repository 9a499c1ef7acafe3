package resolve_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"botapigateway/internal/gateway/resolve"
)

func TestSerialQueue_AtMostOneOutstandingPerKey(t *testing.T) {
	t.Parallel()

	q := resolve.NewSerialQueue[int64]()
	var mu sync.Mutex
	observedConcurrent := false
	var wg sync.WaitGroup

	inFlight := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		q.Enqueue(42, func(done func()) {
			mu.Lock()
			inFlight++
			if inFlight > 1 {
				observedConcurrent = true
			}
			mu.Unlock()

			mu.Lock()
			inFlight--
			mu.Unlock()
			done()
			wg.Done()
		})
	}
	wg.Wait()

	require.False(t, observedConcurrent)
	require.False(t, q.HasOutstanding(42))
}

func TestSerialQueue_IndependentKeysDontBlockEachOther(t *testing.T) {
	t.Parallel()

	q := resolve.NewSerialQueue[int64]()
	ran := map[int64]bool{}
	var mu sync.Mutex

	q.Enqueue(1, func(done func()) {
		mu.Lock()
		ran[1] = true
		mu.Unlock()
		done()
	})
	q.Enqueue(2, func(done func()) {
		mu.Lock()
		ran[2] = true
		mu.Unlock()
		done()
	})

	require.True(t, ran[1])
	require.True(t, ran[2])
}
