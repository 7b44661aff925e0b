package hwsim

import (
	"time"

	"github.com/romshark/tsn-dma-go/qbv"
)

// Sim is a complete simulated TSN device: DMA, shaper, MAC and clock.
type Sim struct {
	Clock  *Clock
	DMA    *DMA
	Shaper *Shaper
	MAC    *MAC
}

// New returns a device with channels DMA channels of the given variant and
// a clock started at start.
func New(variant Variant, channels int, start qbv.Timestamp) *Sim {
	s := &Sim{
		Clock: NewClock(start),
		DMA:   NewDMA(variant, channels),
		MAC:   NewMAC(),
	}
	s.Shaper = NewShaper(s.Clock)
	s.DMA.connect(s.MAC, s.Shaper)
	return s
}

// Advance moves the clock forward and lets the shaper act on it. It reports
// whether a schedule swap happened.
func (s *Sim) Advance(d time.Duration) bool {
	s.Clock.Advance(d)
	return s.Shaper.Tick()
}
