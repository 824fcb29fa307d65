// Package pipe provides a duplex channel made of two linked endpoints.
//
// NewPair returns endpoints whose type parameters mirror each other: what one
// side sends is what the other side receives. Each direction is an unbounded
// FIFO queue, so Send never blocks.
//
// An Endpoint has exactly one owner. Send may be called from any goroutine,
// but Recv must only be called by the owning goroutine; two concurrent
// receivers on the same endpoint would race for values meant for one of them.
package pipe

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPeerGone is returned by Send when the peer endpoint was closed and
	// nothing will ever receive the value.
	ErrPeerGone = errors.New("pipe: peer gone")

	// ErrSenderGone is returned by Recv when the peer endpoint was closed and
	// every value it sent has already been received.
	ErrSenderGone = errors.New("pipe: sender gone")
)

// queue is one direction of a pair.
type queue[T any] struct {
	mu           sync.Mutex
	items        []T
	senderGone   bool
	receiverGone bool
	// signal holds at most one pending wakeup for the receiver.
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) error {
	q.mu.Lock()
	if q.receiverGone {
		q.mu.Unlock()
		return ErrPeerGone
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *queue[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		gone := q.senderGone
		q.mu.Unlock()
		if gone {
			return zero, ErrSenderGone
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (q *queue[T]) closeSend() {
	q.mu.Lock()
	q.senderGone = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue[T]) closeRecv() {
	q.mu.Lock()
	q.receiverGone = true
	q.items = nil
	q.mu.Unlock()
}

func (q *queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Endpoint is one side of a pair. It sends values of type S to its peer and
// receives values of type R from it.
type Endpoint[S, R any] struct {
	out       *queue[S]
	in        *queue[R]
	closeOnce sync.Once
}

// NewPair creates two linked endpoints. Values sent on the first are received
// by the second and vice versa, in send order.
func NewPair[S, R any]() (*Endpoint[S, R], *Endpoint[R, S]) {
	forward := newQueue[S]()
	backward := newQueue[R]()
	return &Endpoint[S, R]{out: forward, in: backward},
		&Endpoint[R, S]{out: backward, in: forward}
}

// Send queues v for delivery to the peer. It fails with ErrPeerGone once the
// peer has been closed. Send does not retry.
func (e *Endpoint[S, R]) Send(v S) error {
	return e.out.push(v)
}

// Recv blocks until the peer sends a value, the peer is closed (ErrSenderGone),
// or ctx is done. Values already queued before the peer closed are still
// delivered.
func (e *Endpoint[S, R]) Recv(ctx context.Context) (R, error) {
	return e.in.pop(ctx)
}

// Close drops the endpoint. Subsequent sends from the peer fail with
// ErrPeerGone and the peer's blocked or future receives drain what was queued
// and then fail with ErrSenderGone. Close is idempotent.
func (e *Endpoint[S, R]) Close() {
	e.closeOnce.Do(func() {
		e.out.closeSend()
		e.in.closeRecv()
	})
}
