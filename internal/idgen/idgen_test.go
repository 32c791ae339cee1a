package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorIsMonotonic(t *testing.T) {
	var g Generator
	require.Equal(t, "1", g.Next())
	require.Equal(t, "2", g.Next())
	require.Equal(t, "3", g.Next())
}

func TestGeneratorIsUniqueUnderConcurrency(t *testing.T) {
	var g Generator
	const n = 500

	seen := make(chan string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			seen <- g.Next()
		}()
	}
	wg.Wait()
	close(seen)

	ids := make(map[string]bool, n)
	for id := range seen {
		require.False(t, ids[id], "duplicate id %s", id)
		ids[id] = true
	}
	require.Len(t, ids, n)
}
