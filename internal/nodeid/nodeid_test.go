// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nodeid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsSeededValue(t *testing.T) {
	c := New("node-A")
	assert.Equal(t, "node-A", c.Get())
}

func TestSetReplacesValue(t *testing.T) {
	c := New("old")
	c.Set("new")
	assert.Equal(t, "new", c.Get())
}

func TestConcurrentReadsDuringSetNeverObserveGarbage(t *testing.T) {
	c := New("node-A")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				if i%2 == 0 {
					c.Set("node-A")
				} else {
					c.Set("node-B")
				}
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		got := c.Get()
		assert.Contains(t, []string{"node-A", "node-B"}, got)
	}
	close(stop)
	wg.Wait()
}
