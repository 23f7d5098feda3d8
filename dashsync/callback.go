package dashsync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// ChangeFunction is notified after observable state changed.
// Callbacks must not block and must not call back into the notifying object.
type ChangeFunction = func()

// CallbackList is an ordered set of callbacks, O(1) add, O(n) remove.
// Get returns a snapshot in add order so callers can invoke callbacks
// without holding any lock.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int64
	callbackIds    []int64
	callbacks      map[int64]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int64]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

func (self *CallbackList[T]) Add(callback T) int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

// removing an unknown id is a no-op, so disposers are safe to call twice
func (self *CallbackList[T]) Remove(callbackId int64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		return
	}
	delete(self.callbacks, callbackId)
	for i, existingId := range self.callbackIds {
		if existingId == callbackId {
			self.callbackIds = append(self.callbackIds[:i], self.callbackIds[i+1:]...)
			break
		}
	}
}

func (self *CallbackList[T]) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbacks)
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	maps.Clear(self.callbacks)
	self.callbackIds = self.callbackIds[:0]
}
