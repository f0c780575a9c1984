package utils

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestForEachLimitRunsEverything(t *testing.T) {
	var sum atomic.Int64

	items := make([]int, 100)
	for i := range items {
		items[i] = i + 1
	}

	ForEachLimit(items, 8, func(n int) {
		sum.Add(int64(n))
	})

	assert.Equal(t, int64(5050), sum.Load())
}

func TestForEachLimitBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int64

	ForEachLimit(make([]struct{}, 20), 3, func(struct{}) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
	})

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Greater(t, peak.Load(), int64(0))
}

func TestMutexMapSerializesPerKey(t *testing.T) {
	m := NewMutexMap()

	var inCritical atomic.Int64
	var failed atomic.Bool

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			m.Lock("trial-a")
			defer m.Unlock("trial-a")

			if inCritical.Add(1) != 1 {
				failed.Store(true)
			}
			time.Sleep(time.Millisecond)
			inCritical.Add(-1)
		}()
	}
	wg.Wait()

	assert.False(t, failed.Load())
	assert.Empty(t, m.mutexes)
}
