package nic

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config describes a driver instance. The exported scalar fields can be
// loaded from YAML with LoadConfig; the rest are wired in code.
type Config struct {

	// Name identifies the interface in logs and metric names.
	// If Name is empty, "nic0" is used.
	Name string `yaml:"name"`

	// TxRingSize and RxRingSize are the number of descriptors in each ring.
	// They must be powers of 2 between RingSizeMin and RingSizeMax.
	// If zero, RingSizeDefault is used.
	TxRingSize int `yaml:"tx_ring_size"`
	RxRingSize int `yaml:"rx_ring_size"`

	// DMAAlignment is the alignment of the descriptor arrays in bytes.
	// It must be a power of 2. If zero, 128 is used.
	DMAAlignment int `yaml:"dma_alignment"`

	// BufferSize is the size of each receive buffer in bytes.
	// If zero, BufferSizeDefault is used.
	BufferSize int `yaml:"buffer_size"`

	// RefillBurst is the number of free receive slots needed before the
	// driver posts new buffers. If zero, RefillBurstDefault is used.
	RefillBurst int `yaml:"refill_burst"`

	// Mode selects polled or interrupt-driven operation.
	Mode Mode `yaml:"mode"`

	// Metrics enables the driver's counters. If Registry is nil a private
	// registry is created.
	Metrics  bool             `yaml:"metrics"`
	Registry metrics.Registry `yaml:"-"`

	// Pool supplies receive buffers and takes back the ones dropped by a
	// reset. It is required.
	Pool BufferPool `yaml:"-"`

	// Handler receives completions. If nil, completions are discarded.
	Handler Handler `yaml:"-"`

	// Logger is used for driver events. If nil, a logger at Info level
	// writing to stderr is used.
	Logger *logrus.Logger `yaml:"-"`
}

const (
	RingSizeMin     = 4
	RingSizeMax     = 1 << 15
	RingSizeDefault = 256

	DMAAlignmentDefault = 128

	BufferSizeMin     = 64
	BufferSizeMax     = 1<<16 - 1
	BufferSizeDefault = 2048

	RefillBurstDefault = 32
)

// Mode is the driver's operating mode.
type Mode int

const (
	Polled Mode = iota
	Interrupt
)

func (m Mode) String() string {
	switch m {
	case Polled:
		return "polled"
	case Interrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	if m != Polled && m != Interrupt {
		return nil, fmt.Errorf("unknown mode %d", int(m))
	}

	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "polled", "poll":
		*m = Polled
	case "interrupt", "irq":
		*m = Interrupt
	default:
		return fmt.Errorf("unknown mode %q", b)
	}

	return nil
}

// ParseConfig decodes a YAML config. Unknown keys are an error.
func ParseConfig(b []byte) (Config, error) {
	return LoadConfig(bytes.NewReader(b))
}

// LoadConfig decodes a YAML config from r. Unknown keys are an error.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return cfg, nil
}

func (cfg Config) validate() error {
	for _, r := range []struct {
		name string
		size int
	}{
		{"tx ring", cfg.TxRingSize},
		{"rx ring", cfg.RxRingSize},
	} {
		if r.size < RingSizeMin || r.size > RingSizeMax {
			return fmt.Errorf("%s size %d is out of range [%d, %d]", r.name, r.size, RingSizeMin, RingSizeMax)
		}

		if r.size&(r.size-1) != 0 {
			return fmt.Errorf("%s size %d is not a power of 2", r.name, r.size)
		}
	}

	if a := cfg.DMAAlignment; a < 0 || a&(a-1) != 0 {
		return fmt.Errorf("dma alignment %d is not a power of 2", a)
	}

	if cfg.BufferSize < BufferSizeMin || cfg.BufferSize > BufferSizeMax {
		return fmt.Errorf("buffer size %d is out of range [%d, %d]", cfg.BufferSize, BufferSizeMin, BufferSizeMax)
	}

	if cfg.RefillBurst < 1 {
		return fmt.Errorf("refill burst %d < 1", cfg.RefillBurst)
	}

	if cfg.Mode != Polled && cfg.Mode != Interrupt {
		return fmt.Errorf("unknown mode %d", int(cfg.Mode))
	}

	if cfg.Pool == nil {
		return errors.New("buffer pool is not set")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "nic0"
	}

	if cfg.TxRingSize == 0 {
		cfg.TxRingSize = RingSizeDefault
	}

	if cfg.RxRingSize == 0 {
		cfg.RxRingSize = RingSizeDefault
	}

	if cfg.DMAAlignment == 0 {
		cfg.DMAAlignment = DMAAlignmentDefault
	}

	if cfg.BufferSize == 0 {
		cfg.BufferSize = BufferSizeDefault
	}

	if cfg.RefillBurst == 0 {
		cfg.RefillBurst = RefillBurstDefault
	}

	if cfg.Handler == nil {
		cfg.Handler = nopHandler{}
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	if cfg.Metrics && cfg.Registry == nil {
		cfg.Registry = metrics.NewRegistry()
	}

	return cfg
}
