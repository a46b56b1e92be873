// Package pacer spaces outbound calls to a rate-limited upstream.
//
// Callers queue up in FIFO order and a single worker releases them one at a
// time, no faster than one per interval. Released callers run their call
// concurrently; only the start times are spaced.
package pacer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrClosed is returned to callers still queued when the pacer stops.
var ErrClosed = errors.New("pacer: closed")

type ticket struct {
	ctx   context.Context
	ready chan error
}

// Pacer is a single-worker FIFO gate.
type Pacer struct {
	queue   chan ticket
	limiter *rate.Limiter
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New starts a pacer that releases one caller per interval.
// queueSize bounds how many callers may wait; Acquire blocks beyond it.
func New(interval time.Duration, queueSize int) *Pacer {
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &Pacer{
		queue:   make(chan ticket, queueSize),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

// Acquire blocks until it is the caller's turn, ctx ends, or the pacer closes.
// A nil Pacer never blocks.
func (p *Pacer) Acquire(ctx context.Context) error {
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	t := ticket{ctx: ctx, ready: make(chan error, 1)}
	select {
	case p.queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}

	select {
	case err := <-t.ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		select {
		case err := <-t.ready:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops the worker and fails every queued caller with ErrClosed.
func (p *Pacer) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		close(p.done)
		<-p.stopped
	})
}

func (p *Pacer) run() {
	defer close(p.stopped)
	for {
		select {
		case t := <-p.queue:
			p.release(t)
		case <-p.done:
			p.drain()
			return
		}
	}
}

// release waits for the next slot and hands it to t. Callers that gave up
// while queued do not consume a slot.
func (p *Pacer) release(t ticket) {
	if t.ctx.Err() != nil {
		t.ready <- t.ctx.Err()
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := p.limiter.Wait(ctx); err != nil {
		select {
		case <-p.done:
			t.ready <- ErrClosed
		default:
			t.ready <- err
		}
		return
	}
	t.ready <- nil
}

func (p *Pacer) drain() {
	for {
		select {
		case t := <-p.queue:
			t.ready <- ErrClosed
		default:
			return
		}
	}
}
