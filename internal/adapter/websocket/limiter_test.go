package websocket

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLimiter(t *testing.T) {
	l := newConnectionLimiter(2)

	assert.True(t, l.acquire())
	assert.True(t, l.acquire())
	assert.False(t, l.acquire())

	l.release()
	assert.True(t, l.acquire())
}

func TestConnectionLimiter_ConcurrentAcquireNeverExceedsMax(t *testing.T) {
	l := newConnectionLimiter(10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.acquire() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.Equal(t, int64(10), l.current.Load())
}
