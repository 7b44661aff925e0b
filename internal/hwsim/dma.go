// Package hwsim models the register-level behaviour of the DMA engines, the
// gate shaper and the MAC closely enough to run the driver against them in
// tests and benchmarks.
//
// Models never take driver locks. Interrupt and transmit callbacks run
// after the model lock is released, so they may write registers again, but
// they can run inside a doorbell write and must not block.
package hwsim

import (
	"errors"
	"sync"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/regs"
	"github.com/romshark/tsn-dma-go/ring"
)

var (
	ErrNoChannel     = errors.New("no such channel")
	ErrBacklogFull   = errors.New("rx backlog full")
	ErrMACRxDisabled = errors.New("mac receiver disabled")
)

type Variant int

const (
	AXIDMA Variant = iota
	MCDMA
)

func (v Variant) String() string {
	if v == MCDMA {
		return "mcdma"
	}
	return "axidma"
}

// DefaultMaxBacklog bounds the frames waiting for RX descriptors per
// channel.
const DefaultMaxBacklog = 1024

// DescriptorRing is the hardware-side view of a descriptor ring.
type DescriptorRing interface {
	Base() uint64
	Capacity() uint32
	Descriptor(i uint32) *ring.Descriptor
	IndexOf(addr uint64) (uint32, bool)
}

// ChannelStats counts frames per channel.
type ChannelStats struct {
	TxFrames  uint64
	TxDropped uint64
	RxFrames  uint64
	RxDropped uint64
}

type regKind int

const (
	kindCR regKind = iota
	kindSR
	kindCurDesc
	kindTailDesc
	kindCommonCR
	kindChannelEnable
)

type regKey struct {
	win int
	off uint32
}

type regRef struct {
	kind regKind
	ch   int
	dir  ring.Direction
}

type engine struct {
	ring    DescriptorRing
	running bool
	held    bool
	stuck   bool
	hasTail bool
	cur     uint32
	tail    uint32

	pkt     []byte
	backlog [][]byte
}

type channel struct {
	id    int
	win   *regs.Mem
	blk   [2]dma.Block
	dirs  [2]engine
	stats ChannelStats
}

// DMA is a model of an AXI DMA (one window per channel) or an MCDMA (one
// window for all channels).
type DMA struct {
	mu         sync.Mutex
	variant    Variant
	bits       dma.Bits
	windows    []*regs.Mem
	chans      []*channel
	regMap     map[regKey]regRef
	maxBacklog int

	irq      func(ch int)
	wire     func(ch int, frame []byte)
	loopback bool
	mac      *MAC
	shaper   *Shaper

	deferred []func()
}

func NewDMA(variant Variant, channels int) *DMA {
	d := &DMA{
		variant:    variant,
		regMap:     map[regKey]regRef{},
		maxBacklog: DefaultMaxBacklog,
	}
	switch variant {
	case MCDMA:
		d.bits = dma.MCDMABits
		w := regs.NewMem(dma.MCDMAWindowSize)
		d.windows = []*regs.Mem{w}
		for _, dir := range []ring.Direction{ring.TX, ring.RX} {
			base := dma.MCDMADirBase(dir)
			d.regMap[regKey{0, base + dma.MCDMACommonCR}] = regRef{kind: kindCommonCR, dir: dir}
			d.regMap[regKey{0, base + dma.MCDMAChannelEnable}] = regRef{kind: kindChannelEnable, dir: dir}
		}
		for i := 0; i < channels; i++ {
			d.addChannel(0, w, dma.MCDMABlock(ring.TX, i), dma.MCDMABlock(ring.RX, i))
		}
	default:
		d.bits = dma.AXIDMABits
		for i := 0; i < channels; i++ {
			w := regs.NewMem(dma.AXIDMAWindowSize)
			d.windows = append(d.windows, w)
			d.addChannel(i, w, dma.AXIDMABlock(ring.TX), dma.AXIDMABlock(ring.RX))
		}
	}
	for i, w := range d.windows {
		w.SetHook(d.hook(i))
	}
	return d
}

func (d *DMA) addChannel(win int, w *regs.Mem, tx, rx dma.Block) {
	c := &channel{id: len(d.chans), win: w, blk: [2]dma.Block{tx, rx}}
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		b := c.blk[dir]
		d.regMap[regKey{win, b.CR}] = regRef{kind: kindCR, ch: c.id, dir: dir}
		d.regMap[regKey{win, b.SR}] = regRef{kind: kindSR, ch: c.id, dir: dir}
		d.regMap[regKey{win, b.CurDesc}] = regRef{kind: kindCurDesc, ch: c.id, dir: dir}
		d.regMap[regKey{win, b.TailDesc}] = regRef{kind: kindTailDesc, ch: c.id, dir: dir}
		w.Store32(b.SR, d.bits.Halted)
	}
	d.chans = append(d.chans, c)
}

func (d *DMA) Variant() Variant { return d.variant }

// Windows returns the register windows the driver maps: one per channel
// for AXIDMA, a single window for MCDMA.
func (d *DMA) Windows() []regs.Registers {
	out := make([]regs.Registers, len(d.windows))
	for i, w := range d.windows {
		out[i] = w
	}
	return out
}

// AttachRing tells the model which ring a channel direction walks. The
// model resolves CURDESC and TAILDESC addresses against it.
func (d *DMA) AttachRing(dir ring.Direction, ch int, r DescriptorRing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chans[ch].dirs[dir].ring = r
}

// OnInterrupt installs the interrupt line callback.
func (d *DMA) OnInterrupt(fn func(ch int)) {
	d.mu.Lock()
	d.irq = fn
	d.mu.Unlock()
}

// OnTransmit installs a callback receiving every frame put on the wire.
func (d *DMA) OnTransmit(fn func(ch int, frame []byte)) {
	d.mu.Lock()
	d.wire = fn
	d.mu.Unlock()
}

// SetLoopback feeds transmitted frames back into the same channel's RX.
func (d *DMA) SetLoopback(on bool) {
	d.mu.Lock()
	d.loopback = on
	d.mu.Unlock()
}

// SetMaxBacklog bounds the frames queued per channel while no RX
// descriptor is available.
func (d *DMA) SetMaxBacklog(n int) {
	d.mu.Lock()
	d.maxBacklog = n
	d.mu.Unlock()
}

func (d *DMA) connect(mac *MAC, shaper *Shaper) {
	d.mu.Lock()
	d.mac, d.shaper = mac, shaper
	d.mu.Unlock()
}

// Hold stops the channel direction from processing descriptors, leaving
// them outstanding. Releasing it processes everything handed over.
func (d *DMA) Hold(dir ring.Direction, ch int, on bool) {
	d.mu.Lock()
	c := d.chans[ch]
	c.dirs[dir].held = on
	if !on {
		d.process(c, dir)
	}
	d.unlock()
}

// SetStuck makes the channel direction ignore halt and reset requests.
func (d *DMA) SetStuck(dir ring.Direction, ch int, on bool) {
	d.mu.Lock()
	d.chans[ch].dirs[dir].stuck = on
	d.mu.Unlock()
}

// InjectFault halts the channel direction with the given error bits. An
// outstanding descriptor, if any, is written back with the matching error.
func (d *DMA) InjectFault(dir ring.Direction, ch int, st dma.Status) {
	d.mu.Lock()
	d.fault(d.chans[ch], dir, st)
	d.unlock()
}

// Receive queues a frame arriving on channel ch.
func (d *DMA) Receive(ch int, frame []byte) error {
	d.mu.Lock()
	defer d.unlock()
	if ch < 0 || ch >= len(d.chans) {
		return ErrNoChannel
	}
	c := d.chans[ch]
	if d.mac != nil && !d.mac.Enabled() {
		c.stats.RxDropped++
		return ErrMACRxDisabled
	}
	return d.enqueueRx(c, frame)
}

func (d *DMA) Stats(ch int) ChannelStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chans[ch].stats
}

// Running reports whether the channel direction's run bit is in effect.
func (d *DMA) Running(dir ring.Direction, ch int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chans[ch].dirs[dir].running
}

// unlock releases the model lock and runs deferred callbacks.
func (d *DMA) unlock() {
	fire := d.deferred
	d.deferred = nil
	d.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

func (d *DMA) hook(win int) regs.WriteHook {
	m := d.windows[win]
	return func(off, v uint32) {
		d.mu.Lock()
		defer d.unlock()
		ref, ok := d.regMap[regKey{win, off}]
		if !ok {
			m.Store32(off, v)
			return
		}
		d.write(m, ref, off, v)
	}
}

func (d *DMA) write(m *regs.Mem, ref regRef, off, v uint32) {
	switch ref.kind {
	case kindCommonCR:
		m.Store32(off, v&^d.bits.Reset)
		for _, c := range d.chans {
			d.process(c, ref.dir)
		}
	case kindChannelEnable:
		m.Store32(off, v)
		for _, c := range d.chans {
			if v&(1<<uint(c.id)) != 0 {
				d.process(c, ref.dir)
			}
		}
	case kindSR:
		m.Update(off, func(sr uint32) uint32 { return sr &^ (v & d.bits.Clearable()) })
	case kindCurDesc:
		m.Store32(off, v)
		e := &d.chans[ref.ch].dirs[ref.dir]
		if e.ring != nil {
			if i, ok := e.ring.IndexOf(regs.Read64(m, off)); ok {
				e.cur = i
			}
		}
		e.hasTail = false
	case kindTailDesc:
		m.Store32(off, v)
		c := d.chans[ref.ch]
		e := &c.dirs[ref.dir]
		if e.ring == nil {
			return
		}
		i, ok := e.ring.IndexOf(regs.Read64(m, off))
		if !ok {
			d.fault(c, ref.dir, dma.StatusDecodeErr)
			return
		}
		e.tail, e.hasTail = i, true
		d.process(c, ref.dir)
	case kindCR:
		d.writeCR(m, ref, off, v)
	}
}

func (d *DMA) writeCR(m *regs.Mem, ref regRef, off, v uint32) {
	c := d.chans[ref.ch]
	e := &c.dirs[ref.dir]
	sr := c.blk[ref.dir].SR

	if v&d.bits.Reset != 0 {
		if e.stuck {
			m.Store32(off, v)
			return
		}
		e.running, e.hasTail, e.cur = false, false, 0
		e.pkt, e.backlog = nil, nil
		m.Store32(off, 0)
		m.Store32(sr, d.bits.Halted)
		return
	}

	old := m.Read32(off)
	m.Store32(off, v)
	switch run := v&d.bits.RunStop != 0; {
	case run && !e.running:
		e.running = true
		m.Update(sr, func(s uint32) uint32 { return s &^ (d.bits.Halted | d.bits.Idle) })
	case !run && e.running:
		e.running = false
		if !e.stuck {
			m.Update(sr, func(s uint32) uint32 { return s | d.bits.Halted })
		}
	}
	// Unmasking with a cause pending raises the line at once.
	if unmasked := v &^ old & d.bits.IRQ(); unmasked&m.Read32(sr) != 0 {
		d.raise(c.id)
	}
	d.process(c, ref.dir)
}

func (d *DMA) enabled(c *channel, dir ring.Direction) bool {
	if d.variant != MCDMA {
		return true
	}
	base := dma.MCDMADirBase(dir)
	return c.win.Read32(base+dma.MCDMACommonCR)&d.bits.RunStop != 0 &&
		c.win.Read32(base+dma.MCDMAChannelEnable)&(1<<uint(c.id)) != 0
}

func (d *DMA) pending(e *engine) uint32 {
	if e.ring == nil || !e.hasTail {
		return 0
	}
	return (e.tail - e.cur + 1) & (e.ring.Capacity() - 1)
}

func (d *DMA) canRun(c *channel, dir ring.Direction) bool {
	e := &c.dirs[dir]
	return e.ring != nil && e.running && !e.held && d.enabled(c, dir)
}

func (d *DMA) process(c *channel, dir ring.Direction) {
	if !d.canRun(c, dir) {
		return
	}
	if dir == ring.RX {
		d.processRx(c)
		return
	}

	e := &c.dirs[ring.TX]
	mask := e.ring.Capacity() - 1
	n := 0
	for d.pending(e) > 0 {
		desc := e.ring.Descriptor(e.cur)
		ctrl := desc.Control()
		buf := desc.Frame().Buf
		if int(ctrl.Len()) > len(buf) {
			d.fault(c, ring.TX, dma.StatusSlaveErr)
			return
		}
		if ctrl&ring.CtrlSOF != 0 {
			e.pkt = e.pkt[:0]
		}
		e.pkt = append(e.pkt, buf[:ctrl.Len()]...)
		desc.Complete(ctrl.Len(), 0)
		e.cur = (e.cur + 1) & mask
		n++
		if ctrl&ring.CtrlEOF != 0 {
			d.emit(c, e.pkt)
		}
	}
	if n > 0 {
		d.complete(c, ring.TX)
	}
}

func (d *DMA) emit(c *channel, pkt []byte) {
	if d.mac != nil && !d.mac.Enabled() {
		c.stats.TxDropped++
		return
	}
	c.stats.TxFrames++
	if d.shaper != nil {
		d.shaper.transmit(c.id)
	}
	frame := append([]byte(nil), pkt...)
	if d.loopback {
		_ = d.enqueueRx(c, frame)
	}
	if fn := d.wire; fn != nil {
		d.deferred = append(d.deferred, func() { fn(c.id, frame) })
	}
}

func (d *DMA) enqueueRx(c *channel, frame []byte) error {
	e := &c.dirs[ring.RX]
	if len(e.backlog) >= d.maxBacklog {
		c.stats.RxDropped++
		return ErrBacklogFull
	}
	e.backlog = append(e.backlog, append([]byte(nil), frame...))
	d.processRx(c)
	return nil
}

func (d *DMA) processRx(c *channel) {
	if !d.canRun(c, ring.RX) {
		return
	}
	e := &c.dirs[ring.RX]
	mask := e.ring.Capacity() - 1
	n := 0
	for len(e.backlog) > 0 && d.pending(e) > 0 {
		desc := e.ring.Descriptor(e.cur)
		buf := desc.Frame().Buf
		if l := int(desc.Control().Len()); l > 0 && l < len(buf) {
			buf = buf[:l]
		}
		cnt := copy(buf, e.backlog[0])
		desc.Complete(uint32(cnt), ring.StatusRxSOF|ring.StatusRxEOF)
		e.backlog[0] = nil
		e.backlog = e.backlog[1:]
		e.cur = (e.cur + 1) & mask
		c.stats.RxFrames++
		n++
	}
	if n > 0 {
		d.complete(c, ring.RX)
	}
}

// complete latches IOC. The delay timer is not modelled: every processed
// batch raises the completion.
func (d *DMA) complete(c *channel, dir ring.Direction) {
	b := c.blk[dir]
	c.win.Update(b.SR, func(s uint32) uint32 { return s | d.bits.IOC })
	if c.win.Read32(b.CR)&d.bits.IOC != 0 {
		d.raise(c.id)
	}
}

func (d *DMA) fault(c *channel, dir ring.Direction, st dma.Status) {
	e := &c.dirs[dir]
	if d.pending(e) > 0 {
		var ds ring.Status
		if st&dma.StatusDecodeErr != 0 {
			ds |= ring.StatusDecodeErr
		}
		if st&dma.StatusSlaveErr != 0 {
			ds |= ring.StatusSlaveErr
		}
		if st&dma.StatusInternalErr != 0 || ds == 0 {
			ds |= ring.StatusInternalErr
		}
		e.ring.Descriptor(e.cur).Complete(0, ds)
	}
	e.running = false

	raw := d.bits.Err | d.bits.Halted
	if st&dma.StatusDecodeErr != 0 {
		raw |= d.bits.DecodeErr
	}
	if st&dma.StatusSlaveErr != 0 {
		raw |= d.bits.SlaveErr
	}
	if st&dma.StatusInternalErr != 0 {
		raw |= d.bits.InternalErr
	}
	b := c.blk[dir]
	c.win.Update(b.SR, func(s uint32) uint32 { return s | raw })
	if c.win.Read32(b.CR)&d.bits.Err != 0 {
		d.raise(c.id)
	}
}

func (d *DMA) raise(ch int) {
	if fn := d.irq; fn != nil {
		d.deferred = append(d.deferred, func() { fn(ch) })
	}
}
