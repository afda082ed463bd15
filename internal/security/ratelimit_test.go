package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	defer rl.Stop()

	assert.True(t, rl.Allow("ip-1"))
	assert.True(t, rl.Allow("ip-1"))
	assert.True(t, rl.Allow("ip-1"))
	assert.False(t, rl.Allow("ip-1"))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Stop()

	assert.True(t, rl.Allow("ip-1"))
	assert.False(t, rl.Allow("ip-1"))
	assert.True(t, rl.Allow("ip-2"))
}

func TestRateLimiter_RejectsBeyondMaxEntries(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Stop()
	rl.maxEntries = 1

	assert.True(t, rl.Allow("first"))
	assert.False(t, rl.Allow("second"))
}
