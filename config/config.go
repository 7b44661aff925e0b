// Package config loads the YAML configuration of the tools. Sections a file
// leaves out are taken from Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/tsn-dma-go/nic"
	"github.com/romshark/tsn-dma-go/qbv"
)

type Logging struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	TimestampFormat  string `yaml:"timestamp-format"`
	DisableTimestamp bool   `yaml:"disable-timestamp"`
}

type Stats struct {
	// Interval of the periodic report. Zero disables it.
	Interval time.Duration `yaml:"interval"`
	// Prometheus is the listen address of the metrics endpoint. Empty
	// disables it.
	Prometheus string `yaml:"prometheus"`
	// Aliases name queues in reports, e.g. queue2: st.
	Aliases map[string]string `yaml:"aliases"`
}

type Traffic struct {
	Count uint64 `yaml:"count"`
	// Rate is in packets per second. Zero sends as fast as the rings allow.
	Rate       uint64  `yaml:"rate"`
	PacketSize int     `yaml:"packet-size"`
	VLAN       uint16  `yaml:"vlan"`
	PCPs       []uint8 `yaml:"pcps"` // cycled through packet by packet
	// DisableLoopback drops transmitted frames instead of receiving them.
	DisableLoopback bool `yaml:"disable-loopback"`
}

type Config struct {
	Device  nic.Config `yaml:"device"`
	Logging Logging    `yaml:"logging"`
	// Schedule is installed once the device is open.
	Schedule *qbv.Request `yaml:"schedule"`
	Stats    Stats        `yaml:"stats"`
	Traffic  Traffic      `yaml:"traffic"`
}

const (
	MinPacketSize = 64
	MaxPacketSize = 9000
	MaxPCP        = 7
	MaxVLAN       = 4094
)

func Default() Config {
	return Config{
		Device: nic.Config{
			Variant: nic.VariantAXIDMA,
			Queues:  nic.MaxTrafficClasses,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Stats: Stats{
			Interval: time.Second,
		},
		Traffic: Traffic{
			Count:      100_000,
			PacketSize: 128,
			VLAN:       100,
			PCPs:       []uint8{0, 2, 4},
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes b, fills what it leaves out from Default and validates the
// result. Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := mergo.Merge(&c, Default()); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}
	if err := c.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) ValidateAndSetDefaults() error {
	if err := c.Device.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q, possible formats: text, json", c.Logging.Format)
	}
	if c.Schedule != nil {
		if err := qbv.Validate(c.Schedule.Schedule, c.Device.ScheduledQueues()); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	if c.Stats.Interval < 0 {
		return errors.New("stats.interval must not be negative")
	}

	t := &c.Traffic
	if t.Count == 0 {
		return errors.New("traffic.count must be > 0")
	}
	if t.PacketSize < MinPacketSize || t.PacketSize > MaxPacketSize {
		return fmt.Errorf("traffic.packet-size must be between %d-%d", MinPacketSize, MaxPacketSize)
	}
	if t.VLAN == 0 || t.VLAN > MaxVLAN {
		return fmt.Errorf("traffic.vlan must be between 1-%d", MaxVLAN)
	}
	for _, p := range t.PCPs {
		if p > MaxPCP {
			return fmt.Errorf("traffic.pcps: %d > %d", p, MaxPCP)
		}
	}
	return nil
}

// ConfigureLogger applies level and format to l.
func ConfigureLogger(l *logrus.Logger, c Logging) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(level)

	timestampFormat := c.TimestampFormat
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	switch strings.ToLower(c.Format) {
	case "", "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.DisableTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: c.DisableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", c.Format, []string{"text", "json"})
	}
	return nil
}
