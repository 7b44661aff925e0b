package nic

import (
	"context"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/gate"
	"github.com/romshark/tsn-dma-go/qbv"
)

// gateHardware closes a queue by stopping its TX ring. Descriptors already
// posted keep draining through the reclaimer. Engines that can pause a
// single channel are paused once the closed ring is empty.
type gateHardware struct{ d *Device }

func (g gateHardware) StopQueue(q int) error {
	qu := g.d.queues[q]
	qu.gateLock.Lock()
	defer qu.gateLock.Unlock()
	qu.closed = true
	qu.tx.Stop()
	return g.d.pauseIfDrained(qu)
}

func (g gateHardware) StartQueue(q int) error {
	qu := g.d.queues[q]
	qu.gateLock.Lock()
	defer qu.gateLock.Unlock()
	qu.closed = false
	if qu.paused {
		if err := g.d.engine.(dma.ChannelPauser).ResumeChannel(q); err != nil {
			return err
		}
		qu.paused = false
	}
	qu.tx.Start()
	return nil
}

// pauseIfDrained pauses the channel of a closed queue that has nothing
// posted. Must hold qu.gateLock.
func (d *Device) pauseIfDrained(qu *queue) error {
	p, ok := d.engine.(dma.ChannelPauser)
	if !ok || !qu.closed || qu.paused || qu.tx.Used() > 0 {
		return nil
	}
	if err := p.PauseChannel(qu.id); err != nil {
		return err
	}
	qu.paused = true
	return nil
}

// settleGate pauses a closed queue whose last in-flight packets were just
// reclaimed.
func (d *Device) settleGate(qu *queue) {
	qu.gateLock.Lock()
	defer qu.gateLock.Unlock()
	if err := d.pauseIfDrained(qu); err != nil {
		d.l.WithError(err).WithField("queue", qu.id).Warn("failed to pause drained queue")
	}
}

// applyGate reasserts a closed gate after the channel was (re)started,
// which re-enables it on multi-channel engines.
func (d *Device) applyGate(q int) error {
	qu := d.queues[q]
	qu.gateLock.Lock()
	defer qu.gateLock.Unlock()
	qu.paused = false
	return d.pauseIfDrained(qu)
}

// ScheduleStatus is the shaper state together with the gate votes.
type ScheduleStatus struct {
	qbv.Status
	Gates []gate.State
}

func (d *Device) InstallSchedule(req qbv.Request) error {
	if d.sched == nil {
		return ErrNoShaper
	}
	return d.sched.Install(req)
}

// DestroySchedule disables gating and reopens every queue.
func (d *Device) DestroySchedule(ctx context.Context) error {
	if d.sched == nil {
		return ErrNoShaper
	}
	return d.sched.Destroy(ctx)
}

// ReadSchedule returns the schedule in effect.
func (d *Device) ReadSchedule() (qbv.Schedule, error) {
	if d.sched == nil {
		return qbv.Disabled, ErrNoShaper
	}
	return d.sched.Read(), nil
}

func (d *Device) ScheduleStatus() (ScheduleStatus, error) {
	if d.sched == nil {
		return ScheduleStatus{}, ErrNoShaper
	}
	return ScheduleStatus{Status: d.sched.Status(), Gates: d.gates.States()}, nil
}

// ScheduleSwapped is the swap interrupt entry point.
func (d *Device) ScheduleSwapped() {
	if d.sched != nil {
		d.sched.HandleSwap()
	}
}
