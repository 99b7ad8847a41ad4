package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster[int]("test", 2, zap.NewNop())
	first, cancelFirst := b.Subscribe()
	second, cancelSecond := b.Subscribe()
	assert.Equal(t, 2, b.Len())

	b.Emit(1)
	assert.Equal(t, 1, <-first)
	assert.Equal(t, 1, <-second)

	cancelSecond()
	cancelSecond()
	_, open := <-second
	assert.False(t, open)

	b.Emit(2)
	b.Emit(3)
	b.Emit(4)
	assert.Equal(t, 2, <-first)
	assert.Equal(t, 3, <-first)

	b.Close()
	cancelFirst()
	_, open = <-first
	assert.False(t, open)

	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
