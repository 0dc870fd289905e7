package memory

import (
	"context"
	"sync"

	"kernelci.org/api/bus"
)

// Queue is an in-process implementation of bus.Queue: per-name FIFOs with
// blocking pops.
type Queue struct {
	mu     sync.Mutex
	lists  map[string][][]byte
	notify map[string]chan struct{}
}

var _ bus.Queue = (*Queue)(nil)

// NewQueue creates an in-process queue.
func NewQueue() *Queue {
	return &Queue{
		lists:  make(map[string][][]byte),
		notify: make(map[string]chan struct{}),
	}
}

// Push appends payload to the tail of the named list and wakes blocked
// pops.
func (q *Queue) Push(ctx context.Context, name string, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	q.mu.Lock()
	cp := append([]byte(nil), payload...)
	q.lists[name] = append(q.lists[name], cp)
	ch, ok := q.notify[name]
	if ok {
		q.notify[name] = make(chan struct{})
	}
	q.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Pop removes and returns the head of the named list, blocking until a
// message arrives or the context is done.
func (q *Queue) Pop(ctx context.Context, name string) ([]byte, error) {
	for {
		q.mu.Lock()
		if list := q.lists[name]; len(list) > 0 {
			head := list[0]
			q.lists[name] = list[1:]
			q.mu.Unlock()
			return head, nil
		}
		ch, ok := q.notify[name]
		if !ok {
			ch = make(chan struct{})
			q.notify[name] = ch
		}
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
