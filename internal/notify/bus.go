// Package notify delivers the coordinator's zero-payload change signals to
// registered listeners. Listeners pull current state themselves; the bus only
// tells them something changed.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Signal identifies what changed.
type Signal string

const (
	SignalFrameUpdated  Signal = "frame_updated"
	SignalCommandIssued Signal = "command_issued"
	SignalGroupsUpdated Signal = "groups_updated"
)

// Default worker pool sizing.
const (
	DefaultWorkerCount = 2
	DefaultQueueSize   = 32
)

// Listener is invoked with no payload; it reads whatever state it needs.
type Listener func()

type delivery struct {
	signal Signal
	fn     Listener
}

// Bus fans signals out to listeners through a bounded worker pool, so a slow
// listener never blocks the data path.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Signal]map[int]Listener
	nextID int

	queue chan delivery
	wg    sync.WaitGroup

	// Closing is signalled by closing this channel; checking a channel in
	// select is race-free where a mutex + bool would not be.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a bus with default worker pool sizing.
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with a custom worker count and queue size.
func NewWithConfig(workers, queueSize int) *Bus {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		subs:    make(map[Signal]map[int]Listener),
		queue:   make(chan delivery, queueSize),
		closing: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	return b
}

// worker runs deliveries until the bus starts closing, then drains whatever
// was queued before the close and exits. The queue channel itself is never
// closed, so a late Publish can race Close without panicking.
func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for {
		select {
		case d := <-b.queue:
			b.deliver(id, d)
		case <-b.closing:
			for {
				select {
				case d := <-b.queue:
					b.deliver(id, d)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(worker int, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("signal", string(d.signal)).
				Int("worker", worker).
				Msg("Signal listener panicked")
		}
	}()
	d.fn()
}

// Subscribe registers a listener for a signal and returns its unsubscribe
// function. Unsubscribing is idempotent; calling it twice is harmless.
func (b *Bus) Subscribe(sig Signal, fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[sig] == nil {
		b.subs[sig] = make(map[int]Listener)
	}
	b.subs[sig][id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[sig], id)
		b.mu.Unlock()
	}
}

// Publish queues the signal for every current listener. Non-blocking: when
// the queue is full or the bus is closing, deliveries are dropped with a
// warning rather than stalling the caller.
func (b *Bus) Publish(sig Signal) {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.subs[sig]))
	for _, fn := range b.subs[sig] {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		select {
		case <-b.closing:
			return
		case b.queue <- delivery{signal: sig, fn: fn}:
		default:
			log.Warn().Str("signal", string(sig)).Msg("Notify queue full, dropping signal")
		}
	}
}

// Close stops the worker pool, waiting for in-flight deliveries up to the
// context deadline.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Notify bus shutdown timed out")
	}
}
