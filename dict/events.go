package dict

import "github.com/adeilh/go-durable/retry"

// ErrorEvent describes a failed backend attempt. Fatal is set when the
// attempt was the last one allowed.
type ErrorEvent = retry.Event

// Subscribe registers fn for error events and returns a function that
// removes it. Handlers run synchronously on the goroutine that observed the
// failure. They must not block or call Flush, Reload or Dispose.
func (c *Dict[T]) Subscribe(fn func(ErrorEvent)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Dict[T]) publish(ev ErrorEvent) {
	c.metrics.RetryAttempt(c.name, ev.Operation, ev.Fatal)

	c.subMu.RLock()
	handlers := make([]func(ErrorEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		handlers = append(handlers, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
