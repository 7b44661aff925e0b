package nic

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Traffic classes, in queue order.
const (
	ClassBestEffort = 0
	ClassReserved   = 1
	ClassScheduled  = 2
)

// TrafficClass maps a VLAN priority to a queue. PCP 4 is scheduled
// traffic, PCP 2 and 3 reserved, everything else best effort. With two
// queues reserved traffic shares the best effort queue; with one queue
// everything does.
func TrafficClass(pcp uint8, queues int) int {
	class := ClassBestEffort
	switch pcp {
	case 4:
		class = ClassScheduled
	case 2, 3:
		class = ClassReserved
	}
	switch {
	case queues >= 3:
		return class
	case queues == 2 && class == ClassScheduled:
		return 1
	}
	return ClassBestEffort
}

// Classify picks the queue of an Ethernet frame from its 802.1Q priority.
// Untagged and undecodable frames are best effort.
func (d *Device) Classify(pkt []byte) int {
	return Classify(pkt, len(d.queues))
}

func Classify(pkt []byte, queues int) int {
	p := gopacket.NewPacket(pkt, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	if l, ok := p.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		return TrafficClass(l.Priority, queues)
	}
	return ClassBestEffort
}
