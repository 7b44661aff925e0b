package nic

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, tagged bool, pcp uint8) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ls := []gopacket.SerializableLayer{eth}
	if tagged {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{
			Priority:       pcp,
			VLANIdentifier: 100,
			Type:           layers.EthernetTypeIPv4,
		})
	}
	ls = append(ls, gopacket.Payload(make([]byte, 46)))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ls...))
	return buf.Bytes()
}

func TestClassify(t *testing.T) {
	for _, tt := range []struct {
		name   string
		tagged bool
		pcp    uint8
		queues int
		want   int
	}{
		{"untagged", false, 0, 3, ClassBestEffort},
		{"pcp0", true, 0, 3, ClassBestEffort},
		{"pcp2", true, 2, 3, ClassReserved},
		{"pcp3", true, 3, 3, ClassReserved},
		{"pcp4", true, 4, 3, ClassScheduled},
		{"pcp7", true, 7, 3, ClassBestEffort},
		{"pcp4 two queues", true, 4, 2, 1},
		{"pcp3 two queues", true, 3, 2, ClassBestEffort},
		{"pcp4 one queue", true, 4, 1, ClassBestEffort},
		{"pcp4 many queues", true, 4, 8, ClassScheduled},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(frame(t, tt.tagged, tt.pcp), tt.queues))
		})
	}
}

func TestClassifyGarbage(t *testing.T) {
	assert.Equal(t, ClassBestEffort, Classify([]byte{1, 2, 3}, 3))
	assert.Equal(t, ClassBestEffort, Classify(nil, 3))
}
