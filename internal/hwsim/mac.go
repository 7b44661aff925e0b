package hwsim

import "sync"

// MAC records the transmitter and receiver enable state. While disabled,
// transmitted frames are dropped and received frames are refused.
type MAC struct {
	mu      sync.Mutex
	enabled bool
	toggles int
}

func NewMAC() *MAC { return &MAC{enabled: true} }

func (m *MAC) EnableTxRx(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled != on {
		m.toggles++
	}
	m.enabled = on
	return nil
}

func (m *MAC) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Toggles counts enable state changes.
func (m *MAC) Toggles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toggles
}
