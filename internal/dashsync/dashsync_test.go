package dashsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultIsDisabled(t *testing.T) {
	assert.False(t, Enabled(context.Background()))
	assert.Equal(t, NetworkFirst, StrategyFrom(context.Background()))
}

func TestWithEnabled(t *testing.T) {
	ctx := WithEnabled(context.Background(), true)
	assert.True(t, Enabled(ctx))
	assert.Equal(t, CacheFirst, StrategyFrom(ctx))

	// Descendants inherit, a nested shell may override
	child, cancel := context.WithCancel(ctx)
	defer cancel()
	assert.True(t, Enabled(child))
	assert.False(t, Enabled(WithEnabled(child, false)))
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "cache-first", CacheFirst.String())
	assert.Equal(t, "network-first", NetworkFirst.String())
}
