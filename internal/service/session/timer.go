package session

import "time"

// completionTimer is owned by the reconciler goroutine. Firing posts the
// generation it was armed with; a fire from an older generation is stale.
type completionTimer struct {
	d    time.Duration
	fire func(gen uint64)
	t    *time.Timer
	gen  uint64
}

func newCompletionTimer(d time.Duration, fire func(gen uint64)) *completionTimer {
	return &completionTimer{d: d, fire: fire}
}

func (c *completionTimer) arm() {
	c.stop()
	gen := c.gen
	c.t = time.AfterFunc(c.d, func() { c.fire(gen) })
}

func (c *completionTimer) stop() {
	if c.t != nil {
		c.t.Stop()
		c.t = nil
	}
	c.gen++
}

// expired consumes a fire for gen and reports whether it is current.
func (c *completionTimer) expired(gen uint64) bool {
	if c.t == nil || gen != c.gen {
		return false
	}
	c.t = nil
	return true
}
