package whatsapp

import "sync"

// listeners is a set of callbacks that can be removed individually.
type listeners[T any] struct {
	lock sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	key := l.next
	l.next++
	l.fns[key] = fn
	return func() {
		l.lock.Lock()
		delete(l.fns, key)
		l.lock.Unlock()
	}
}

func (l *listeners[T]) emit(val T) {
	l.lock.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.lock.Unlock()
	for _, fn := range fns {
		fn(val)
	}
}
