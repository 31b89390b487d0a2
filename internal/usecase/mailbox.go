package usecase

import (
	"context"
	"errors"
	"sync"
)

var ErrMachineClosed = errors.New("call machine closed")

// mailbox неограниченная FIFO очередь замыканий, исполняемых одной горутиной
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	closed bool
	done   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (b *mailbox) post(fn func()) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	b.queue = append(b.queue, fn)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}

	return true
}

// run исполняет замыкания до отмены ctx, после чего очередь закрывается
func (b *mailbox) run(ctx context.Context) {
	defer b.close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.signal:
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}

			fn := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()

			fn()

			if ctx.Err() != nil {
				return
			}
		}
	}
}

// close отбрасывает неисполненные замыкания, ожидающие их узнают об этом через stopped
func (b *mailbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	b.queue = nil
	close(b.done)
}

func (b *mailbox) stopped() <-chan struct{} {
	return b.done
}

// observers набор подписчиков, подписка возвращает отписку
type observers[T any] struct {
	mu     sync.RWMutex
	fns    map[uint64]func(T)
	nextID uint64
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[uint64]func(T))
	}

	id := o.nextID
	o.nextID++
	o.fns[id] = fn
	o.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers[T]) emit(v T) {
	o.mu.RLock()
	fns := make([]func(T), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
