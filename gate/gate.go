// Package gate keeps per-queue transmit gates closed while any time-aware
// schedule still needs them closed.
//
// Every Disable is a vote. A queue is stopped on its first vote and started
// again when the last vote is withdrawn with Enable.
package gate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueRange  = errors.New("queue out of range")
	ErrNotDisabled = errors.New("queue has no outstanding disable")
)

// Hardware stops and starts transmission on a queue. Both calls must be
// idempotent and must not block on the hardware.
type Hardware interface {
	StopQueue(q int) error
	StartQueue(q int) error
}

// State is the gate state of one queue.
type State struct {
	Queue           int
	Enabled         bool
	DisableRefCount int
}

type Controller struct {
	lock   sync.Mutex
	hw     Hardware
	counts []int
	l      logrus.FieldLogger
}

// New returns a controller for queues queues, all enabled.
func New(hw Hardware, queues int, l logrus.FieldLogger) (*Controller, error) {
	if queues < 1 {
		return nil, fmt.Errorf("%w: %d queues", ErrQueueRange, queues)
	}
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Controller{hw: hw, counts: make([]int, queues), l: l}, nil
}

func (c *Controller) Queues() int { return len(c.counts) }

func (c *Controller) check(q int) error {
	if q < 0 || q >= len(c.counts) {
		return fmt.Errorf("%w: %d", ErrQueueRange, q)
	}
	return nil
}

// Disable adds a vote to keep q closed. The queue is stopped when the count
// leaves zero; a failing stop leaves the count unchanged.
func (c *Controller) Disable(q int) error {
	if err := c.check(q); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.counts[q] == 0 {
		if err := c.hw.StopQueue(q); err != nil {
			return fmt.Errorf("stopping queue %d: %w", q, err)
		}
		c.l.WithField("queue", q).Debug("queue gate closed")
	}
	c.counts[q]++
	return nil
}

// Enable withdraws one vote. The queue is started when the count reaches
// zero. Enabling a queue without outstanding votes fails with
// ErrNotDisabled and changes nothing.
func (c *Controller) Enable(q int) error {
	if err := c.check(q); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.counts[q] == 0 {
		return fmt.Errorf("%w: %d", ErrNotDisabled, q)
	}
	if c.counts[q] == 1 {
		if err := c.hw.StartQueue(q); err != nil {
			return fmt.Errorf("starting queue %d: %w", q, err)
		}
		c.l.WithField("queue", q).Debug("queue gate opened")
	}
	c.counts[q]--
	return nil
}

// Reset drops every vote and starts every queue. Start failures are joined
// and returned; counts are zero regardless.
func (c *Controller) Reset() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	var errs []error
	for q := range c.counts {
		c.counts[q] = 0
		if err := c.hw.StartQueue(q); err != nil {
			errs = append(errs, fmt.Errorf("starting queue %d: %w", q, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) State(q int) (State, error) {
	if err := c.check(q); err != nil {
		return State{}, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return State{Queue: q, Enabled: c.counts[q] == 0, DisableRefCount: c.counts[q]}, nil
}

func (c *Controller) States() []State {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]State, len(c.counts))
	for q, n := range c.counts {
		out[q] = State{Queue: q, Enabled: n == 0, DisableRefCount: n}
	}
	return out
}
