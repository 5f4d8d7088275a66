package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []Config{
		{Capacity: 0, RefillPerSec: 1},
		{Capacity: -1, RefillPerSec: 1},
		{Capacity: 2, RefillPerSec: 0},
		{Capacity: 2, RefillPerSec: -0.5},
		{Capacity: 2, RefillPerSec: 1, InitialTokens: -1},
		{Capacity: 2, RefillPerSec: 1, InitialTokens: 3},
	}
	for _, cfg := range cases {
		_, err := New(cfg)
		assert.Error(t, err, "config %+v", cfg)
	}
}

func TestInitialTokensBoundBurst(t *testing.T) {
	h, err := New(Config{Capacity: 2, RefillPerSec: 0.001, InitialTokens: 2})
	require.NoError(t, err)

	assert.True(t, h.Allow("example.com"))
	assert.True(t, h.Allow("example.com"))
	assert.False(t, h.Allow("example.com"))
}

func TestInitialTokensDrained(t *testing.T) {
	h, err := New(Config{Capacity: 4, RefillPerSec: 0.001, InitialTokens: 1})
	require.NoError(t, err)

	assert.True(t, h.Allow("example.com"))
	assert.False(t, h.Allow("example.com"))
}

func TestBucketsAreaPerHost(t *testing.T) {
	h, err := New(Config{Capacity: 1, RefillPerSec: 0.001, InitialTokens: 1})
	require.NoError(t, err)

	assert.True(t, h.Allow("a.example.com"))
	assert.False(t, h.Allow("a.example.com"))
	assert.True(t, h.Allow("b.example.com"))
}

func TestWaitHonorsContext(t *testing.T) {
	h, err := New(Config{Capacity: 1, RefillPerSec: 0.001, InitialTokens: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.Wait(ctx, "slow.example.com")
	assert.Error(t, err)
}
