// ABOUTME: Tests for the idempotency key cache
// ABOUTME: Covers lookup, TTL expiry, refresh, and size-bounded eviction

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_RememberAndLookup(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	c.Remember("key-1", "cmd-1")

	id, ok := c.Lookup("key-1")
	assert.True(t, ok)
	assert.Equal(t, "cmd-1", id)
}

func TestCache_LookupMissing(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	_, ok := c.Lookup("never-seen")
	assert.False(t, ok)
}

func TestCache_ExpiredEntryNotReturned(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	c.Remember("key-1", "cmd-1")
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Lookup("key-1")
	assert.False(t, ok)
}

func TestCache_RefreshExistingKey(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	c.Remember("key-1", "cmd-1")
	c.Remember("key-1", "cmd-2")

	id, ok := c.Lookup("key-1")
	assert.True(t, ok)
	assert.Equal(t, "cmd-2", id)
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 1; i <= 4; i++ {
		c.Remember(fmt.Sprintf("key-%d", i), fmt.Sprintf("cmd-%d", i))
	}

	_, ok := c.Lookup("key-1")
	assert.False(t, ok, "oldest entry should have been evicted")

	id, ok := c.Lookup("key-4")
	assert.True(t, ok)
	assert.Equal(t, "cmd-4", id)
}

func TestCache_LockKeyMakesCheckThenRememberAtomic(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	// Racing check-then-remember cycles on one key must agree on a single
	// command ID: only the caller that saw a miss gets to remember.
	const callers = 8
	ids := make([]string, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			unlock := c.LockKey("shared")
			defer unlock()

			if id, ok := c.Lookup("shared"); ok {
				ids[i] = id
				return
			}
			ids[i] = fmt.Sprintf("cmd-%d", i)
			c.Remember("shared", ids[i])
		}(i)
	}
	wg.Wait()

	winner, ok := c.Lookup("shared")
	assert.True(t, ok)
	for i := 0; i < callers; i++ {
		assert.Equal(t, winner, ids[i])
	}
}

func TestCache_LockKeyDistinctKeysDoNotSerialize(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	unlockA := c.LockKey("key-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := c.LockKey("key-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking key-b blocked behind key-a")
	}
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 100)
	c.Close()
	c.Close()
}
