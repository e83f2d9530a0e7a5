// Package bus fans out settlement events to in-process consumers. Every
// consumer gets its own bounded backlog, so a slow webhook poster can never
// stall the ledger or another consumer.
package bus

import (
	"context"
	"sync"
	"time"

	"gitlab.com/voltmill/lnvault/async"
	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/models/ledger"
)

var log = build.AddSubLogger("EBUS")

// DefaultBacklog is the per-consumer channel capacity
const DefaultBacklog = 64

// Event is a single settlement notification. When a consumer's backlog
// overflowed, Resync is set and Payment is zero: the consumer missed
// events and should re-scan the ledger instead of trusting the stream.
type Event struct {
	Payment ledger.Payment
	Resync  bool
}

// HandlerFunc consumes one event. Handlers run on the consumer's own
// goroutine and may block without affecting other consumers.
type HandlerFunc func(ctx context.Context, event Event)

type consumer struct {
	name    string
	handler HandlerFunc
	events  chan Event
	dropped bool
}

// Bus is a bounded fan-out broker for settlement events
type Bus struct {
	mu        sync.Mutex
	consumers []*consumer
	backlog   int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// New creates a bus with the given per-consumer backlog. A backlog of 0
// uses DefaultBacklog.
func New(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		backlog: backlog,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers a named consumer. Must be called before Start.
func (b *Bus) Subscribe(name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		log.WithField("consumer", name).
			Panic("Subscribe called after bus was started")
	}
	b.consumers = append(b.consumers, &consumer{
		name:    name,
		handler: handler,
		events:  make(chan Event, b.backlog),
	})
}

// Start spins up one delivery goroutine per consumer
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.started = true
	for _, c := range b.consumers {
		b.wg.Add(1)
		go b.deliver(c)
	}
	log.WithField("consumers", len(b.consumers)).Info("Event bus started")
}

// Publish hands the event to every consumer. A full backlog drops the
// oldest queued event and marks the consumer for a resync, so Publish
// never blocks.
func (b *Bus) Publish(payment ledger.Payment) {
	b.mu.Lock()
	defer b.mu.Unlock()

	event := Event{Payment: payment}
	for _, c := range b.consumers {
		select {
		case c.events <- event:
		default:
			// drop the oldest, then retry once
			select {
			case <-c.events:
			default:
			}
			select {
			case c.events <- event:
			default:
			}
			if !c.dropped {
				c.dropped = true
				log.WithField("consumer", c.name).
					Warn("Consumer backlog overflowed, scheduling resync")
			}
		}
	}
}

// Stop cancels all consumers and waits for their goroutines to drain
func (b *Bus) Stop() {
	b.cancel()
	b.wg.Wait()
	log.Info("Event bus stopped")
}

func (b *Bus) deliver(c *consumer) {
	defer b.wg.Done()

	var restarts int
	for {
		if b.runConsumer(c) {
			return
		}
		// the handler panicked, back off before resuming delivery
		restarts++
		delay := async.Backoff(restarts, time.Second, time.Minute)
		log.WithField("consumer", c.name).
			WithField("delay", delay).
			Warn("Restarting consumer after panic")
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runConsumer delivers events until the bus stops, returning true on a
// clean exit and false if the handler panicked
func (b *Bus) runConsumer(c *consumer) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("consumer", c.name).
				WithField("panic", r).
				Error("Consumer panicked")
			// the event the handler crashed on is gone, force a
			// ledger re-scan once delivery resumes
			b.markDropped(c)
			done = false
		}
	}()

	for {
		if b.takeDropped(c) {
			c.handler(b.ctx, Event{Resync: true})
		}
		select {
		case <-b.ctx.Done():
			return true
		case event := <-c.events:
			c.handler(b.ctx, event)
		}
	}
}

func (b *Bus) markDropped(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.dropped = true
}

func (b *Bus) takeDropped(c *consumer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.dropped {
		c.dropped = false
		return true
	}
	return false
}
