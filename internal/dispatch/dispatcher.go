// Package dispatch serializes outbound light commands. A single worker
// drains targets in first-enqueue FIFO order with configurable spacing and
// jitter between calls, so a burst of frame updates cannot overwhelm the
// downstream lighting control surface.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dokzlo13/ledsyncd/internal/color"
)

// Command is the desired state for one target light: either on with a color
// and brightness, or off. Transition is forwarded to the control surface
// untouched.
type Command struct {
	On         bool
	Color      color.RGB
	Brightness uint8
	Transition time.Duration
}

// Sender issues commands to the external light control surface. Failures are
// logged and never retried here; surfacing belongs to the control surface.
type Sender interface {
	TurnOn(ctx context.Context, id string, c color.RGB, brightness uint8, transition time.Duration) error
	TurnOff(ctx context.Context, id string, transition time.Duration) error
}

// Dispatcher keeps at most one pending command per target, last-write-wins.
// Every target that is ever enqueued is eventually serviced unless the
// dispatcher is closed first.
type Dispatcher struct {
	sender  Sender
	spacing time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]Command
	queued  map[string]struct{}
	order   []string

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a dispatcher and starts its worker.
func New(sender Sender, spacing time.Duration, logger zerolog.Logger) *Dispatcher {
	if spacing < 0 {
		spacing = 0
	}
	d := &Dispatcher{
		sender:  sender,
		spacing: spacing,
		log:     logger,
		pending: make(map[string]Command),
		queued:  make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	go d.worker()
	return d
}

// Enqueue records the desired command for a target. A target that already
// has a pending command keeps its queue position; only the command payload
// is replaced.
func (d *Dispatcher) Enqueue(target string, cmd Command) {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.mu.Lock()
	d.pending[target] = cmd
	if _, ok := d.queued[target]; !ok {
		d.queued[target] = struct{}{}
		d.order = append(d.order, target)
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// QueueLen is the number of targets currently waiting to be serviced.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// Close stops the worker and discards all pending and queued commands
// without issuing them.
func (d *Dispatcher) Close() {
	d.cancel()
	<-d.done

	d.mu.Lock()
	d.pending = make(map[string]Command)
	d.queued = make(map[string]struct{})
	d.order = nil
	d.mu.Unlock()
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		// A wake and a cancel can become ready together; never drain after
		// cancellation.
		if d.ctx.Err() != nil {
			return
		}
		target, cmd, ok := d.next()
		if !ok {
			select {
			case <-d.ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}

		d.issue(target, cmd)

		if d.spacing > 0 {
			jitter := time.Duration(rand.Int63n(int64(d.spacing)/4 + 1))
			timer := time.NewTimer(d.spacing + jitter)
			select {
			case <-d.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if d.ctx.Err() != nil {
			return
		}
	}
}

// next pops the oldest queued target and consumes whatever command is
// pending for it at drain time.
func (d *Dispatcher) next() (string, Command, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.order) == 0 {
		return "", Command{}, false
	}
	target := d.order[0]
	d.order = d.order[1:]
	delete(d.queued, target)
	cmd := d.pending[target]
	delete(d.pending, target)
	return target, cmd, true
}

func (d *Dispatcher) issue(target string, cmd Command) {
	var err error
	if cmd.On {
		err = d.sender.TurnOn(d.ctx, target, cmd.Color, cmd.Brightness, cmd.Transition)
	} else {
		err = d.sender.TurnOff(d.ctx, target, cmd.Transition)
	}
	if err != nil {
		// Fire-and-forget: a failed call is not requeued.
		d.log.Warn().Err(err).Str("target", target).Bool("on", cmd.On).Msg("Light command failed")
	}
}
