package playsync

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update so that callbacks can be
// dispatched without holding the lock
type CallbackList[T any] struct {
	mutex      sync.Mutex
	nextHandle int
	callbacks  map[int]T
	ordered    []int
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.ordered))
	for _, handle := range self.ordered {
		callbacks = append(callbacks, self.callbacks[handle])
	}
	return callbacks
}

// returns a remove function for the added callback.
// the remove function is idempotent.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.callbacks == nil {
		self.callbacks = map[int]T{}
	}
	handle := self.nextHandle
	self.nextHandle += 1
	self.callbacks[handle] = callback
	self.ordered = append(self.ordered, handle)

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		if _, ok := self.callbacks[handle]; !ok {
			// already removed
			return
		}
		delete(self.callbacks, handle)
		i := slices.Index(self.ordered, handle)
		self.ordered = slices.Delete(slices.Clone(self.ordered), i, i+1)
	}
}

func (self *CallbackList[T]) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbacks)
}

// all callbacks are wrapped to recover from panics so that one
// misbehaving subscriber cannot take down the turn loop
func dispatch[T any](callbacks []T, call func(callback T)) {
	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[cb]callback panic = %v\n", r)
				}
			}()
			call(callback)
		}()
	}
}

type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

// the channel fires when the timeout has elapsed since creation,
// so that work done since creation counts against the timeout
func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	return time.After(remaining)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
