// Package signal is the boundary through which the external runtime reports
// completed executions. A Channel is created once at startup and passed to
// every component that publishes or subscribes.
package signal

import (
	"context"
	"sync"

	"github.com/soochol/exectrack/internal/exectrack"
)

// Handler receives every completion signal published while it is subscribed.
type Handler func(exectrack.CompletionSignal)

type subscriber struct {
	id      uint64
	handler Handler
}

// Channel is a publish/subscribe point for completion signals.
type Channel struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
}

// NewChannel creates an empty channel.
func NewChannel() *Channel {
	return &Channel{}
}

// Subscription is the token returned by Subscribe. Dispose removes exactly
// the handler it was created for.
type Subscription struct {
	ch   *Channel
	id   uint64
	once sync.Once
}

// Dispose unregisters the handler. Calling it more than once is harmless.
func (s *Subscription) Dispose() {
	s.once.Do(func() { s.ch.remove(s.id) })
}

// Subscribe registers handler for every future signal.
func (c *Channel) Subscribe(handler Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.subs = append(c.subs, subscriber{id: c.nextID, handler: handler})
	return &Subscription{ch: c, id: c.nextID}
}

func (c *Channel) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers sig to every current subscriber on the caller's goroutine.
func (c *Channel) Publish(sig exectrack.CompletionSignal) {
	c.mu.RLock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()
	for _, s := range subs {
		s.handler(sig)
	}
}

// DisposeAll removes every subscriber. Used at shutdown.
func (c *Channel) DisposeAll() {
	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()
}

// Len returns the number of current subscribers.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Stream returns a buffered channel fed with published signals until ctx is
// done. Signals are dropped when the buffer is full so a slow reader never
// blocks a publisher.
func (c *Channel) Stream(ctx context.Context, bufSize int) <-chan exectrack.CompletionSignal {
	out := make(chan exectrack.CompletionSignal, bufSize)
	var mu sync.Mutex
	closed := false

	sub := c.Subscribe(func(sig exectrack.CompletionSignal) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- sig:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		sub.Dispose()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out
}
