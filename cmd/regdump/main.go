//go:build linux

// Command regdump maps the register windows of a TSN NIC exposed through
// UIO and prints the decoded DMA channel state and the gate schedule in
// effect. It only reads registers.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/qbv"
	"github.com/romshark/tsn-dma-go/regs"
	"github.com/romshark/tsn-dma-go/ring"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	fDev := flag.String("d", "/dev/uio0", "UIO device")
	fVariant := flag.String("v", "axidma", "dma variant: axidma or mcdma")
	fDMAMap := flag.Int("dma-map", 0, "UIO map index of the DMA window")
	fChannels := flag.Int("c", 1, "mcdma channel count")
	fShaperMap := flag.Int("shaper-map", -1, "UIO map index of the gate shaper window (-1 to skip)")
	flag.Parse()

	l := logrus.New()
	l.SetOutput(os.Stderr)

	var (
		engine dma.Engine
		block  func(dir ring.Direction, ch int) dma.Block
	)
	switch *fVariant {
	case "axidma":
		w, err := regs.OpenUIO(*fDev, *fDMAMap, dma.AXIDMAWindowSize)
		fatalIf(err, "mapping dma window")
		defer w.Close()
		engine, err = dma.NewAXIDMA([]regs.Registers{w}, dma.Options{Log: l})
		fatalIf(err, "creating engine")
		dumpChannels(engine, w, func(dir ring.Direction, _ int) dma.Block { return dma.AXIDMABlock(dir) })
	case "mcdma":
		w, err := regs.OpenUIO(*fDev, *fDMAMap, dma.MCDMAWindowSize)
		fatalIf(err, "mapping dma window")
		defer w.Close()
		mc, err := dma.NewMCDMA(w, *fChannels, dma.Options{Log: l})
		fatalIf(err, "creating engine")
		engine, block = mc, dma.MCDMABlock
		dumpChannels(engine, w, block)
		fmt.Printf("channel enable: tx %#06x rx %#06x\n",
			w.Read32(dma.MCDMADirBase(ring.TX)+dma.MCDMAChannelEnable),
			w.Read32(dma.MCDMADirBase(ring.RX)+dma.MCDMAChannelEnable),
		)
		for ch := range *fChannels {
			fmt.Printf("ch%-2d tx weight %d\n", ch, mc.Weight(ch))
		}
	default:
		fatalIf(fmt.Errorf("unknown variant %q", *fVariant), "parsing flags")
	}

	if *fShaperMap >= 0 {
		w, err := regs.OpenUIO(*fDev, *fShaperMap, qbv.WindowSize)
		fatalIf(err, "mapping shaper window")
		defer w.Close()
		dumpSchedule(w)
	}
}

func dumpChannels(e dma.Engine, w regs.Registers, block func(ring.Direction, int) dma.Block) {
	for ch := range e.Channels() {
		for _, dir := range []ring.Direction{ring.TX, ring.RX} {
			b := block(dir, ch)
			fmt.Printf("ch%-2d %s  cr=%#08x  cur=%#016x  tail=%#016x  status=%s\n",
				ch, dir,
				w.Read32(b.CR),
				regs.Read64(w, b.CurDesc),
				regs.Read64(w, b.TailDesc),
				e.PollStatus(dir, ch),
			)
		}
	}
}

func dumpSchedule(w regs.Registers) {
	st := w.Read32(qbv.RegStatus)
	fmt.Printf("shaper status: enabled=%t pending=%t swapped=%t\n",
		st&qbv.StatusEnabled != 0, st&qbv.StatusPending != 0, st&qbv.StatusSwapped != 0)

	s := qbv.ReadOperational(w)
	if s.IsDisabled() {
		fmt.Println("operational schedule: disabled")
		return
	}
	fmt.Printf("operational schedule: cycle %d ns, base %s, %d entries\n",
		s.CycleTimeNs, s.BaseTime, len(s.Entries))
	for i, e := range s.Entries {
		fmt.Printf("  %3d  open %-17s  %d ns\n", i, qbv.QueueSet(e.GateMask), e.IntervalNs)
	}
	for q := range qbv.MaxQueues {
		if n := w.Read32(qbv.RegOverrun0 + 4*uint32(q)); n > 0 {
			fmt.Printf("  queue%d overruns %d\n", q, n)
		}
	}
}
