// Command tsnbench drives a simulated TSN device with paced, PCP-tagged
// traffic and reports per-queue throughput, backpressure and gate overruns.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/tsn-dma-go/config"
	"github.com/romshark/tsn-dma-go/ifacestat"
	"github.com/romshark/tsn-dma-go/internal/hwsim"
	"github.com/romshark/tsn-dma-go/nic"
	"github.com/romshark/tsn-dma-go/qbv"
	"github.com/romshark/tsn-dma-go/ratelimit"
	"github.com/romshark/tsn-dma-go/ring"
)

// clockStep is how often the simulated PTP clock follows wall time.
const clockStep = 100 * time.Microsecond

func loadConfig() (*config.Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file (defaults if empty)")
	fVariant := flag.String("v", "", "dma variant: axidma or mcdma")
	fQueues := flag.Int("q", 0, "queue count")
	fCount := flag.Uint64("n", 0, "packet count")
	fRate := flag.Uint64("r", 0, "packets per second")
	fPktSize := flag.Int("l", 0, "packet size")
	fProm := flag.String("prom", "", "prometheus listen address")

	flag.Parse()

	var conf *config.Config
	var err error
	if *fConfig == "" {
		conf, err = config.Parse(nil)
	} else {
		conf, err = config.Load(*fConfig)
	}
	if err != nil {
		return nil, err
	}

	// Apply CLI overrides if necessary.
	if *fVariant != "" {
		conf.Device.Variant = nic.Variant(*fVariant)
	}
	if *fQueues != 0 {
		conf.Device.Queues = *fQueues
		conf.Device.Frames.NumFrames = 0
	}
	if *fCount != 0 {
		conf.Traffic.Count = *fCount
	}
	if *fRate != 0 {
		conf.Traffic.Rate = *fRate
	}
	if *fPktSize != 0 {
		conf.Traffic.PacketSize = *fPktSize
	}
	if *fProm != "" {
		conf.Stats.Prometheus = *fProm
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type counters struct {
	sent      atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
	gated     atomic.Uint64
	received  atomic.Uint64
	outOfSeq  atomic.Uint64
	lastSeq   atomic.Int64
	elapsed   atomic.Int64
}

func (c *counters) handlers() nic.Handlers {
	c.lastSeq.Store(-1)
	return nic.Handlers{
		TxDone: func(_ int, done []ring.TxDone) {
			c.completed.Add(uint64(len(done)))
		},
		TxDropped: func(_ int, dropped []ring.TxDone) {
			c.dropped.Add(uint64(len(dropped)))
		},
		Rx: func(_ int, pkt []byte) {
			c.received.Add(1)
			if seq, ok := sequence(pkt); ok {
				// Queues drain independently; count reordering, not loss.
				if prev := c.lastSeq.Swap(int64(seq)); int64(seq) < prev {
					c.outOfSeq.Add(1)
				}
			}
		},
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	l := logrus.New()
	fatalIf(config.ConfigureLogger(l, conf.Logging), "configuring logger")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sim, dev := newDevice(conf, l)
	defer func() { fatalIf(dev.Close(), "closing device") }()

	var c counters
	fatalIf(dev.Open(ctx, c.handlers()), "opening device")

	if conf.Stats.Prometheus != "" {
		startPrometheus(l, dev, conf.Stats)
	}

	bg, bgCtx := errgroup.WithContext(ctx)
	bgCtx, stopBg := context.WithCancel(bgCtx)
	bg.Go(func() error { return runClock(bgCtx, sim) })
	if conf.Stats.Interval > 0 {
		bg.Go(func() error { return runReporter(bgCtx, dev, conf.Stats.Interval) })
	}

	if conf.Schedule != nil {
		req := *conf.Schedule
		if req.BaseTime == (qbv.Timestamp{}) {
			req.BaseTime = sim.Clock.Now()
		}
		fatalIf(dev.InstallSchedule(req), "installing schedule")
	}

	err = runSender(ctx, dev, conf.Traffic, &c)
	if !errors.Is(err, context.Canceled) {
		fatalIf(err, "sending")
	}
	waitCompletions(ctx, &c)

	if conf.Schedule != nil {
		dctx, cancel := context.WithTimeout(context.Background(), time.Second)
		fatalIf(dev.DestroySchedule(dctx), "destroying schedule")
		cancel()
	}
	stopBg()
	if err := bg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "background worker")
	}

	printReport(&c, dev, conf.Stats.Aliases)
}

func newDevice(conf *config.Config, l *logrus.Logger) (*hwsim.Sim, *nic.Device) {
	variant := hwsim.AXIDMA
	if conf.Device.Variant == nic.VariantMCDMA {
		variant = hwsim.MCDMA
	}
	sim := hwsim.New(variant, conf.Device.Queues, qbv.FromTime(time.Now()))
	sim.DMA.SetLoopback(!conf.Traffic.DisableLoopback)

	dev, err := nic.New(conf.Device, nic.Hardware{
		DMA:    sim.DMA.Windows(),
		Shaper: sim.Shaper.Registers(),
		MAC:    sim.MAC,
		Clock:  sim.Clock,
	}, l)
	fatalIf(err, "creating device")

	for q := range dev.Queues() {
		tx, rx, err := dev.Rings(q)
		fatalIf(err, "getting rings of queue %d", q)
		sim.DMA.AttachRing(ring.TX, q, tx)
		sim.DMA.AttachRing(ring.RX, q, rx)
	}
	sim.DMA.OnInterrupt(func(ch int) { _ = dev.Interrupt(ch) })
	sim.Shaper.OnSwap(dev.ScheduleSwapped)
	return sim, dev
}

func startPrometheus(l *logrus.Logger, dev *nic.Device, conf config.Stats) {
	interval := conf.Interval
	if interval <= 0 {
		interval = time.Second
	}
	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(dev.Registry(), "tsnbench", "", pr, interval)
	go pClient.UpdatePrometheusMetrics()

	go func() {
		l.Infof("Prometheus stats listening on %s at /metrics", conf.Prometheus)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
		if err := http.ListenAndServe(conf.Prometheus, mux); err != nil {
			l.WithError(err).Error("prometheus endpoint failed")
		}
	}()
}

// runClock keeps the simulated clock in step with wall time so that
// installed schedules swap in.
func runClock(ctx context.Context, sim *hwsim.Sim) error {
	t := time.NewTicker(clockStep)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			sim.Advance(now.Sub(last))
			last = now
		}
	}
}

func runSender(ctx context.Context, dev *nic.Device, conf config.Traffic, c *counters) error {
	b := newFrameBuilder(conf.VLAN, conf.PacketSize)
	throttle := ratelimit.New(conf.Rate)
	space := make(chan struct{}, 1)
	wake := func() {
		select {
		case space <- struct{}{}:
		default:
		}
	}
	retry := time.NewTimer(0)
	defer retry.Stop()

	start := time.Now()
	defer func() { c.elapsed.Store(time.Since(start).Nanoseconds()) }()

	for seq := uint64(0); seq < conf.Count; seq++ {
		if err := throttle.Wait(ctx, 1); err != nil {
			return err
		}
		var pcp uint8
		if len(conf.PCPs) > 0 {
			pcp = conf.PCPs[seq%uint64(len(conf.PCPs))]
		}
		pkt, err := b.build(pcp, uint32(seq))
		if err != nil {
			return fmt.Errorf("building frame %d: %w", seq, err)
		}
		q := dev.Classify(pkt)

	send:
		for {
			err := dev.Transmit(q, seq, pkt, wake)
			switch {
			case err == nil:
				c.sent.Add(1)
				break send
			case errors.Is(err, ring.ErrQueueStopped):
				// The gate schedule keeps this queue closed.
				c.gated.Add(1)
				break send
			case errors.Is(err, ring.ErrBusy), errors.Is(err, nic.ErrNoFrames):
				retry.Reset(time.Millisecond)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-space:
				case <-retry.C:
				}
			default:
				return fmt.Errorf("transmitting frame %d: %w", seq, err)
			}
		}
	}
	return nil
}

func waitCompletions(ctx context.Context, c *counters) {
	deadline := time.Now().Add(2 * time.Second)
	for c.completed.Load()+c.dropped.Load() < c.sent.Load() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func runReporter(ctx context.Context, dev *nic.Device, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	last := dev.Stats()
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			dt := now.Sub(lastTime).Seconds()
			lastTime = now
			cur := dev.Stats()
			d := cur.Since(last)
			last = cur

			txPPS := uint64(float64(d.Total(ifacestat.TxPackets)) / dt)
			rxPPS := uint64(float64(d.Total(ifacestat.RxPackets)) / dt)
			txMbps := float64(d.Total(ifacestat.TxBytes)*8) / 1e6 / dt
			rxMbps := float64(d.Total(ifacestat.RxBytes)*8) / 1e6 / dt

			fmt.Printf(
				"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f BUSY=%d\n",
				cur.Total(ifacestat.TxPackets), cur.Total(ifacestat.RxPackets),
				txPPS, rxPPS, txMbps, rxMbps, cur.Total(ifacestat.TxBusy),
			)
		}
	}
}

func printReport(c *counters, dev *nic.Device, aliases map[string]string) {
	s := dev.Stats()
	sent := c.sent.Load()
	received := c.received.Load()
	elapsed := float64(c.elapsed.Load()) / 1e9
	if elapsed <= 0 {
		elapsed = 1e-9
	}
	var lossPct float64
	if sent > 0 && received <= sent {
		lossPct = float64(sent-received) / float64(sent) * 100
	}

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", sent)
	p.Printf(" TX completed:      %d packets\n", c.completed.Load())
	p.Printf(" RX:                %d packets\n", received)
	p.Printf(" TX Avg PPS:        %d\n", uint64(float64(sent)/elapsed))
	p.Printf(" TX Avg rate:       %.1f Mbps\n", float64(s.Total(ifacestat.TxBytes)*8)/1e6/elapsed)
	p.Printf(" Gated:             %d\n", c.gated.Load())
	p.Printf(" Dropped:           %d\n", c.dropped.Load())
	p.Printf(" Lost:              %.4f%%\n", lossPct)
	p.Printf(" Reordered:         %d\n", c.outOfSeq.Load())
	p.Printf(" Busy:              %d\n", s.Total(ifacestat.TxBusy))
	p.Printf(" Gate overruns:     %d\n", s.Total(ifacestat.GateOverruns))
	p.Print("\nPER QUEUE\n")
	_ = ifacestat.Print(os.Stdout, s, aliases)
}
