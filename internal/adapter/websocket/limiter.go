package websocket

import "sync/atomic"

// connectionLimiter caps concurrent connections per instance.
type connectionLimiter struct {
	current atomic.Int64
	max     int64
}

func newConnectionLimiter(max int) *connectionLimiter {
	return &connectionLimiter{max: int64(max)}
}

func (l *connectionLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *connectionLimiter) release() {
	l.current.Add(-1)
}
