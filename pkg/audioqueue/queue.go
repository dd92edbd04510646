// Package audioqueue holds recorded voice clips until they are sent.
package audioqueue

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

type item struct {
	id   string
	data []byte
}

// Queue is a FIFO of mp3 clips. Listeners are told about every clip added.
type Queue struct {
	lock  sync.Mutex
	items []item

	listenerLock sync.Mutex
	listeners    map[int]func(id string, data []byte)
	nextListener int
}

func New() *Queue {
	return &Queue{listeners: make(map[int]func(string, []byte))}
}

// Enqueue appends a clip and returns its id.
func (q *Queue) Enqueue(data []byte) string {
	id := uuid.NewString()
	q.lock.Lock()
	q.items = append(q.items, item{id: id, data: data})
	q.lock.Unlock()

	q.listenerLock.Lock()
	listeners := make([]func(string, []byte), 0, len(q.listeners))
	for _, fn := range q.listeners {
		listeners = append(listeners, fn)
	}
	q.listenerLock.Unlock()
	for _, fn := range listeners {
		fn(id, data)
	}
	return id
}

// DequeueNext removes and returns the oldest clip.
func (q *Queue) DequeueNext() ([]byte, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	next := q.items[0]
	q.items = slices.Delete(q.items, 0, 1)
	return next.data, true
}

// PeekNext returns the oldest clip and its id without removing it.
func (q *Queue) PeekNext() (id string, data []byte, ok bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return "", nil, false
	}
	return q.items[0].id, q.items[0].data, true
}

// ReplaceNext swaps the data of the oldest clip, keeping its place. Nothing
// is replaced unless the oldest clip is still the one with the given id.
func (q *Queue) ReplaceNext(id string, data []byte) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 || q.items[0].id != id {
		return false
	}
	q.items[0].data = data
	return true
}

func (q *Queue) Count() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *Queue) OnItemAdded(fn func(id string, data []byte)) func() {
	q.listenerLock.Lock()
	key := q.nextListener
	q.nextListener++
	q.listeners[key] = fn
	q.listenerLock.Unlock()
	return func() {
		q.listenerLock.Lock()
		delete(q.listeners, key)
		q.listenerLock.Unlock()
	}
}
