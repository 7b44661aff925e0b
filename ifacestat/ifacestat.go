// Package ifacestat keeps per-queue traffic counters in a go-metrics
// registry and renders snapshots of them.
package ifacestat

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
	TxBusy
	TxDropped
	RxDropped
	GateOverruns

	numCounters
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case TxBusy:
		return "tx_busy"
	case TxDropped:
		return "tx_dropped"
	case RxDropped:
		return "rx_dropped"
	case GateOverruns:
		return "gate_overruns"
	}
	return ""
}

// AllCounters lists every counter in display order.
func AllCounters() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

// Per-queue values.
type QueueStats map[Counter]uint64

// Multi-queue stats keyed by queue name.
type Stats map[string]QueueStats

// QueueName is the key of queue q in Stats and the registry.
func QueueName(q int) string { return "queue" + strconv.Itoa(q) }

// Collector owns the counters of a device's queues.
type Collector struct {
	reg      metrics.Registry
	counters [][numCounters]metrics.Counter
}

// New registers numCounters counters per queue in reg, named
// "<queue>.<counter>". A nil reg gets a private registry.
func New(reg metrics.Registry, queues int) *Collector {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	c := &Collector{reg: reg, counters: make([][numCounters]metrics.Counter, queues)}
	for q := range c.counters {
		for ctr := Counter(0); ctr < numCounters; ctr++ {
			c.counters[q][ctr] = metrics.GetOrRegisterCounter(QueueName(q)+"."+ctr.String(), reg)
		}
	}
	return c
}

func (c *Collector) Registry() metrics.Registry { return c.reg }

func (c *Collector) Queues() int { return len(c.counters) }

func (c *Collector) Add(q int, ctr Counter, n uint64) {
	c.counters[q][ctr].Inc(int64(n))
}

// Set overwrites a counter that mirrors a cumulative hardware value.
func (c *Collector) Set(q int, ctr Counter, v uint64) {
	m := c.counters[q][ctr]
	m.Inc(int64(v) - m.Count())
}

func (c *Collector) Get(q int, ctr Counter) uint64 {
	return uint64(c.counters[q][ctr].Count())
}

// Snapshot returns the current values of the given counters, all of them
// if none are given.
func (c *Collector) Snapshot(counters ...Counter) Stats {
	if len(counters) == 0 {
		counters = AllCounters()
	}
	s := make(Stats, len(c.counters))
	for q := range c.counters {
		vals := make(QueueStats, len(counters))
		for _, ctr := range counters {
			vals[ctr] = c.Get(q, ctr)
		}
		s[QueueName(q)] = vals
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for queue, now := range s {
		prev := old[queue]
		diff := make(QueueStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[queue] = diff
	}
	return out
}

// Total sums a counter over all queues.
func (s Stats) Total(ctr Counter) uint64 {
	var n uint64
	for _, qs := range s {
		n += qs[ctr]
	}
	return n
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	queues := make([]string, 0, len(s))
	for queue := range s {
		queues = append(queues, queue)
	}
	slices.Sort(queues)

	for _, queue := range queues {
		stats := s[queue]

		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]
		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]

		if alias, ok := aliases[queue]; ok {
			fmt.Fprintf(w, "%s (%s):\n", queue, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", queue)
		}

		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
		if busy, drop, overrun := stats[TxBusy], stats[TxDropped]+stats[RxDropped], stats[GateOverruns]; busy+drop+overrun > 0 {
			fmt.Fprintf(w, "  busy %s  dropped %s  overruns %s\n",
				humanize.Comma(int64(busy)), humanize.Comma(int64(drop)), humanize.Comma(int64(overrun)),
			)
		}
	}

	return nil
}
