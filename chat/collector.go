package chat

import (
	"context"
	"sync"
	"time"

	hivehost "github.com/hivehost/hivehost"
)

// messageWaiter is one pending await registered against a channel.
type messageWaiter struct {
	filter func(Message) bool
	ch     chan Message
}

type selectionWaiter struct {
	filter func(Selection) bool
	ch     chan Selection
}

// Collector routes inbound events to awaiting sessions. The transport bridge
// calls Deliver*; sessions block in Await* with a per-step timeout. Events
// nobody is waiting for, or that fail the waiter's filter, are dropped.
type Collector struct {
	mu         sync.Mutex
	messages   map[string][]*messageWaiter
	selections map[string][]*selectionWaiter
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		messages:   make(map[string][]*messageWaiter),
		selections: make(map[string][]*selectionWaiter),
	}
}

// DeliverMessage hands an inbound message to the first matching waiter on its
// channel. Returns true if a waiter consumed it.
func (c *Collector) DeliverMessage(m Message) bool {
	c.mu.Lock()
	waiters := c.messages[m.ChannelID]
	for i, w := range waiters {
		if w.filter != nil && !w.filter(m) {
			continue
		}
		c.messages[m.ChannelID] = append(waiters[:i], waiters[i+1:]...)
		c.mu.Unlock()
		w.ch <- m
		return true
	}
	c.mu.Unlock()
	return false
}

// DeliverSelection hands an inbound selection to the first matching waiter.
func (c *Collector) DeliverSelection(s Selection) bool {
	c.mu.Lock()
	waiters := c.selections[s.ChannelID]
	for i, w := range waiters {
		if w.filter != nil && !w.filter(s) {
			continue
		}
		c.selections[s.ChannelID] = append(waiters[:i], waiters[i+1:]...)
		c.mu.Unlock()
		w.ch <- s
		return true
	}
	c.mu.Unlock()
	return false
}

// AwaitMessage blocks until a message passing filter arrives on channelID, the
// timeout expires (hivehost.ErrTimeout), or ctx is cancelled.
func (c *Collector) AwaitMessage(ctx context.Context, channelID string, timeout time.Duration, filter func(Message) bool) (Message, error) {
	w := &messageWaiter{filter: filter, ch: make(chan Message, 1)}

	c.mu.Lock()
	c.messages[channelID] = append(c.messages[channelID], w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-w.ch:
		return m, nil
	case <-timer.C:
		c.removeMessageWaiter(channelID, w)
		return Message{}, hivehost.ErrTimeout
	case <-ctx.Done():
		c.removeMessageWaiter(channelID, w)
		return Message{}, ctx.Err()
	}
}

// AwaitSelection blocks until a selection passing filter arrives on channelID.
func (c *Collector) AwaitSelection(ctx context.Context, channelID string, timeout time.Duration, filter func(Selection) bool) (Selection, error) {
	w := &selectionWaiter{filter: filter, ch: make(chan Selection, 1)}

	c.mu.Lock()
	c.selections[channelID] = append(c.selections[channelID], w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-w.ch:
		return s, nil
	case <-timer.C:
		c.removeSelectionWaiter(channelID, w)
		return Selection{}, hivehost.ErrTimeout
	case <-ctx.Done():
		c.removeSelectionWaiter(channelID, w)
		return Selection{}, ctx.Err()
	}
}

func (c *Collector) removeMessageWaiter(channelID string, target *messageWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.messages[channelID]
	for i, w := range waiters {
		if w == target {
			c.messages[channelID] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func (c *Collector) removeSelectionWaiter(channelID string, target *selectionWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.selections[channelID]
	for i, w := range waiters {
		if w == target {
			c.selections[channelID] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}
