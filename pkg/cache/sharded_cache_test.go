package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShardedConcurrentSetGet(t *testing.T) {
	c := New[float64]()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set(fmt.Sprintf("S%02d/USD", i), float64(i))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 32, c.Len())
	v, ok := c.Get("S07/USD")
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)
	assert.Equal(t, "S00/USD", c.Keys()[0])

	c.Delete("S07/USD")
	_, ok = c.Get("S07/USD")
	assert.False(t, ok)
}

func TestShardedCleanup(t *testing.T) {
	c := New[string]()
	c.Set("BTC/USD", "x")
	_, age, ok := c.GetWithAge("BTC/USD")
	assert.True(t, ok)
	assert.Less(t, age, time.Second)

	assert.Equal(t, 0, c.Cleanup(time.Hour))
	assert.Equal(t, 1, c.Cleanup(-time.Second))
	assert.Equal(t, 0, c.Len())
}
