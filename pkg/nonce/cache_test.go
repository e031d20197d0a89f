package nonce

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndRemember(t *testing.T) {
	c := NewCache(10)

	assert.True(t, c.CheckAndRemember("n1"), "first sight must be fresh")
	assert.False(t, c.CheckAndRemember("n1"), "second sight must be a replay")
	assert.True(t, c.CheckAndRemember("n2"))
}

func TestValidateRejectsEmptyNonce(t *testing.T) {
	c := NewCache(10)

	res := c.Validate("", time.Minute)
	assert.False(t, res.Fresh)
	assert.Equal(t, "empty nonce", res.Reason)
}

func TestValidateReplayWithinTTL(t *testing.T) {
	c := NewCache(10)

	assert.True(t, c.Validate("n1", time.Minute).Fresh)
	res := c.Validate("n1", time.Minute)
	assert.False(t, res.Fresh)
	assert.Equal(t, "Nonce replay detected", res.Reason)
}

func TestValidateEvictsExpiredBeforeCheck(t *testing.T) {
	c := NewCache(10)
	current := time.Unix(1000, 0)
	c.now = func() time.Time { return current }

	assert.True(t, c.Validate("n1", time.Minute).Fresh)

	// Past the TTL the same nonce is fresh again.
	current = current.Add(2 * time.Minute)
	assert.True(t, c.Validate("n1", time.Minute).Fresh)
	assert.Equal(t, 1, c.Size())
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	c := NewCache(3)
	current := time.Unix(1000, 0)
	c.now = func() time.Time { return current }

	for i := 0; i < 4; i++ {
		current = current.Add(time.Second)
		assert.True(t, c.CheckAndRemember(fmt.Sprintf("n%d", i)))
	}

	assert.Equal(t, 3, c.Size())
	// n0 was the oldest and got evicted, so it reads as fresh again.
	assert.True(t, c.CheckAndRemember("n0"))
	// n3 is still remembered.
	assert.False(t, c.CheckAndRemember("n3"))
}
