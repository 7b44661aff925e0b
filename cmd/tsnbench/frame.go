package main

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const headerLen = 14 + 4 + 20 + 8 // Ethernet, 802.1Q, IPv4, UDP

// frameBuilder serializes VLAN-tagged UDP frames of a fixed size carrying
// a sequence number.
type frameBuilder struct {
	buf     gopacket.SerializeBuffer
	opts    gopacket.SerializeOptions
	eth     layers.Ethernet
	vlan    layers.Dot1Q
	ip      layers.IPv4
	udp     layers.UDP
	payload []byte
}

func newFrameBuilder(vlan uint16, size int) *frameBuilder {
	b := &frameBuilder{
		buf:  gopacket.NewSerializeBuffer(),
		opts: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth: layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01},
			DstMAC:       net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x02},
			EthernetType: layers.EthernetTypeDot1Q,
		},
		vlan: layers.Dot1Q{
			VLANIdentifier: vlan,
			Type:           layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.IPv4(10, 0, 0, 2),
		},
		udp: layers.UDP{
			SrcPort: 9000,
			DstPort: 9000,
		},
		payload: make([]byte, size-headerLen),
	}
	_ = b.udp.SetNetworkLayerForChecksum(&b.ip)
	return b
}

// build returns the frame for seq. The result is only valid until the next
// call.
func (b *frameBuilder) build(pcp uint8, seq uint32) ([]byte, error) {
	b.vlan.Priority = pcp
	binary.BigEndian.PutUint32(b.payload, seq)
	err := gopacket.SerializeLayers(b.buf, b.opts,
		&b.eth, &b.vlan, &b.ip, &b.udp, gopacket.Payload(b.payload),
	)
	if err != nil {
		return nil, err
	}
	return b.buf.Bytes(), nil
}

// sequence extracts the sequence number of a received frame.
func sequence(frame []byte) (uint32, bool) {
	if len(frame) < headerLen+4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(frame[headerLen:]), true
}
