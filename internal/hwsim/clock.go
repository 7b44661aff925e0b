package hwsim

import (
	"sync"
	"time"

	"github.com/romshark/tsn-dma-go/qbv"
)

// Clock is a manually advanced PTP clock.
type Clock struct {
	mu  sync.Mutex
	now qbv.Timestamp
}

func NewClock(start qbv.Timestamp) *Clock { return &Clock{now: start} }

func (c *Clock) Now() qbv.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t qbv.Timestamp) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) qbv.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
