package observable

import (
	"context"
	"sync"
)

// Reader is the read-only view of a Value handed to consumers.
type Reader[T any] interface {
	Get() T
	Subscribe(ctx context.Context) <-chan T
}

// Value is a published value with one owning writer and many readers.
// Subscribers always observe the latest value; intermediate values may be
// skipped when a subscriber is slow.
type Value[T any] struct {
	mu   sync.RWMutex
	cur  T
	next int
	subs map[int]chan T
}

var _ Reader[int] = (*Value[int])(nil)

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[int]chan T)}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cur
}

// Set replaces the value and notifies subscribers.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur = x
	for _, ch := range v.subs {
		offer(ch, x)
	}
}

// Update applies fn to the current value under the write lock.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur = fn(v.cur)
	for _, ch := range v.subs {
		offer(ch, v.cur)
	}
	return v.cur
}

// Subscribe returns a channel that first yields the current value and then
// every later one. The channel is closed when ctx ends.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = ch
	ch <- v.cur
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.subs, id)
		close(ch)
		v.mu.Unlock()
	}()
	return ch
}

// offer replaces any unread value so the channel holds only the latest.
func offer[T any](ch chan T, x T) {
	select {
	case <-ch:
	default:
	}
	ch <- x
}
