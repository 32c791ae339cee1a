// Package idgen generates monotonic string ids for subscriptions,
// methods, and pings, scoped to a single client/session.
package idgen

import (
	"strconv"
	"sync/atomic"
)

// Generator hands out unique, monotonically increasing ids as decimal
// strings. The zero value is ready to use.
type Generator struct {
	counter uint64
}

// Next returns the next id in sequence, starting at "1".
func (g *Generator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return strconv.FormatUint(n, 10)
}
