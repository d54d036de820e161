package agentlock_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/pkg/agentlock"
)

func TestAcquireExactlyOnceUntilRelease(t *testing.T) {
	l := agentlock.New()
	require.True(t, l.Acquire())
	require.False(t, l.Acquire())
	require.True(t, l.Held())

	l.Release()
	require.False(t, l.Held())
	require.True(t, l.Acquire())
}

func TestAcquireUnderConcurrency(t *testing.T) {
	l := agentlock.New()
	const n = 50
	var wg sync.WaitGroup
	var acquired atomicInt
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire() {
				acquired.add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, acquired.get())
}

type atomicInt struct {
	mu sync.Mutex
	v  int
}

func (a *atomicInt) add(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v += n
}

func (a *atomicInt) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
