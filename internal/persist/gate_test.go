package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate_PromotionRebuildsBeforeWrites(t *testing.T) {
	var events []string
	g := NewGate(
		func() { events = append(events, "rebuild") },
		func() { events = append(events, "clear") },
		nil,
	)

	assert.False(t, g.CanWrite())

	g.SetWritable(true)
	events = append(events, "write")
	assert.True(t, g.CanWrite())
	assert.Equal(t, []string{"rebuild", "clear", "write"}, events)

	// Staying writable does not rebuild again.
	g.SetWritable(true)
	assert.Len(t, events, 3)

	g.SetWritable(false)
	assert.False(t, g.CanWrite())
	g.SetWritable(true)
	assert.Equal(t, []string{"rebuild", "clear", "write", "rebuild", "clear"}, events)
}

func TestGate_NilCallbacks(t *testing.T) {
	g := NewGate(nil, nil, nil)
	g.SetWritable(true)
	assert.True(t, g.CanWrite())
}
