package channel

import "sync"

const (
	DefaultMaxInFlight        = 256
	DefaultMaxInFlightPerConn = 64
)

// inflightLimiter bounds concurrent requests server-wide and per connection.
type inflightLimiter struct {
	maxGlobal  int
	maxPerConn int

	mu     sync.Mutex
	global int
	byConn map[uint64]int
}

func newInflightLimiter(maxGlobal, maxPerConn int) *inflightLimiter {
	if maxGlobal <= 0 {
		maxGlobal = DefaultMaxInFlight
	}
	if maxPerConn <= 0 {
		maxPerConn = DefaultMaxInFlightPerConn
	}
	return &inflightLimiter{maxGlobal: maxGlobal, maxPerConn: maxPerConn, byConn: make(map[uint64]int)}
}

func (l *inflightLimiter) acquire(conn uint64) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global >= l.maxGlobal || l.byConn[conn] >= l.maxPerConn {
		return nil, false
	}
	l.global++
	l.byConn[conn]++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.global--
		if next := l.byConn[conn] - 1; next > 0 {
			l.byConn[conn] = next
			return
		}
		delete(l.byConn, conn)
	}, true
}
