package fallback

import "sync/atomic"

// connectivity remembers whether the last attempt to reach the origin got an
// answer. The origin is assumed reachable at startup.
type connectivity struct {
	offline atomic.Bool
}

// markOnline returns true when the origin was offline before this call.
func (c *connectivity) markOnline() bool {
	return c.offline.CompareAndSwap(true, false)
}

func (c *connectivity) markOffline() {
	c.offline.Store(true)
}

func (c *connectivity) Online() bool { return !c.offline.Load() }
