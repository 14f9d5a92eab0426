package collab

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// makes a copy of the list on update so iteration never races with
// add/remove
type callbackList[T any] struct {
	mutex   sync.Mutex
	entries []callbackEntry[T]
}

type callbackEntry[T any] struct {
	callbackId ulid.ULID
	callback   T
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *callbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := ulid.Make()
	nextEntries := make([]callbackEntry[T], len(self.entries), len(self.entries)+1)
	copy(nextEntries, self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries

	return func() {
		self.remove(callbackId)
	}
}

func (self *callbackList[T]) remove(callbackId ulid.ULID) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextEntries := []callbackEntry[T]{}
	for _, entry := range self.entries {
		if entry.callbackId != callbackId {
			nextEntries = append(nextEntries, entry)
		}
	}
	self.entries = nextEntries
}
