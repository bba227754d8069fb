package broker

import (
	"context"
	"sync"
)

// DefaultQueueSize bounds the outbound queue of one external channel.
const DefaultQueueSize = 100

// Channel is the outbound half of one external agent connection: a bounded
// command queue plus a done signal raised when the connection is abandoned.
//
// The queue itself is never closed. Readers select on Done to learn that no
// further commands will be consumed.
type Channel struct {
	queue     chan Command
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel returns an open channel with the given queue capacity.
// A non-positive size uses DefaultQueueSize.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Channel{
		queue: make(chan Command, size),
		done:  make(chan struct{}),
	}
}

// Queue returns the receive side of the outbound queue.
func (c *Channel) Queue() <-chan Command {
	return c.queue
}

// Done is closed once the channel has been replaced or disconnected.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close marks the channel abandoned. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Enqueue places cmd on the outbound queue, blocking while the queue is full.
// It fails with ErrDisconnected once the channel is closed.
func (c *Channel) Enqueue(ctx context.Context, cmd Command) error {
	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}

	select {
	case c.queue <- cmd:
		return nil
	case <-c.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports how many commands are queued and not yet written.
func (c *Channel) Len() int {
	return len(c.queue)
}
