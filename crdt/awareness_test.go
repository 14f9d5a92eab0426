package crdt

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestAwarenessLocalState(t *testing.T) {
	awareness := NewAwareness(1)
	err := awareness.SetLocalState(map[string]any{"cursor": float64(3)})
	assert.Equal(t, err, nil)

	state, ok := awareness.LocalState()
	assert.Equal(t, true, ok)
	assert.Equal(t, map[string]any{"cursor": float64(3)}, state)
	assert.Equal(t, []ClientID{1}, awareness.Clients())
}

func TestAwarenessSync(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	err := a.SetLocalState(map[string]any{"name": "a"})
	assert.Equal(t, err, nil)
	err = b.ApplyUpdate(a.EncodeUpdate(1))
	assert.Equal(t, err, nil)

	state, ok := b.State(1)
	assert.Equal(t, true, ok)
	assert.Equal(t, map[string]any{"name": "a"}, state)

	// stale update is ignored
	stale := a.EncodeUpdate(1)
	err = a.SetLocalState(map[string]any{"name": "a2"})
	assert.Equal(t, err, nil)
	err = b.ApplyUpdate(a.EncodeUpdate(1))
	assert.Equal(t, err, nil)
	err = b.ApplyUpdate(stale)
	assert.Equal(t, err, nil)
	state, _ = b.State(1)
	assert.Equal(t, map[string]any{"name": "a2"}, state)
}

func TestAwarenessRemoval(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	err := a.SetLocalState("here")
	assert.Equal(t, err, nil)
	err = b.ApplyUpdate(a.EncodeUpdate())
	assert.Equal(t, err, nil)
	assert.Equal(t, []ClientID{1}, b.Clients())

	// disconnect removes the state, and the removal replicates
	a.RemoveStates(1)
	err = b.ApplyUpdate(a.EncodeUpdate())
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(b.Clients()))
}

func TestAwarenessChangeCallback(t *testing.T) {
	awareness := NewAwareness(1)
	changes := [][]ClientID{}
	awareness.OnChange(func(changed []ClientID) {
		changes = append(changes, changed)
	})

	err := awareness.SetLocalState("x")
	assert.Equal(t, err, nil)
	awareness.RemoveStates(1)
	assert.Equal(t, 2, len(changes))
	assert.Equal(t, []ClientID{1}, changes[0])
	assert.Equal(t, []ClientID{1}, changes[1])
}
