// Package serial opens the host side of the bootloader link.
package serial

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/bigbag/hexboot/internal/protocol"
)

// ErrTimeout is returned by ReadByte when no byte arrives within the read
// timeout.
var ErrTimeout = errors.New("timeout waiting for device")

// DefaultReadTimeout bounds the wait for a single reply byte.
const DefaultReadTimeout = 2 * time.Second

// Config describes the line settings.
type Config struct {
	Port        string
	BaudRate    int
	DataBits    int
	Parity      string
	StopBits    int
	ReadTimeout time.Duration
}

// DefaultConfig returns the settings the bootloader firmware uses.
func DefaultConfig() Config {
	return Config{
		Port:        protocol.DefaultPort,
		BaudRate:    protocol.DefaultBaudRate,
		DataBits:    protocol.DefaultDataBits,
		Parity:      protocol.DefaultParity,
		StopBits:    protocol.DefaultStopBits,
		ReadTimeout: DefaultReadTimeout,
	}
}

// Mode converts the config to driver settings.
func (c Config) Mode() (*serial.Mode, error) {
	parity, err := ParseParity(c.Parity)
	if err != nil {
		return nil, err
	}
	stop, err := ParseStopBits(c.StopBits)
	if err != nil {
		return nil, err
	}
	if c.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d", c.DataBits)
	}
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   parity,
		StopBits: stop,
	}, nil
}

// ParseParity maps none, odd, even, mark or space to a driver parity.
func ParseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(s) {
	case "none", "n", "":
		return serial.NoParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "mark", "m":
		return serial.MarkParity, nil
	case "space", "s":
		return serial.SpaceParity, nil
	default:
		return serial.NoParity, fmt.Errorf("unknown parity %q", s)
	}
}

// ParseStopBits maps 1 or 2 to driver stop bits.
func ParseStopBits(n int) (serial.StopBits, error) {
	switch n {
	case 1:
		return serial.OneStopBit, nil
	case 2:
		return serial.TwoStopBits, nil
	default:
		return serial.OneStopBit, fmt.Errorf("invalid stop bits %d", n)
	}
}

// line is the part of serial.Port the host uses.
type line interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// Port is an open serial line.
type Port struct {
	port   line
	config Config
	buf    [1]byte
}

// Open opens and configures the port named in cfg.
func Open(cfg Config) (*Port, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", cfg.Port, err)
	}

	p, err := newPort(port, cfg)
	if err != nil {
		port.Close()
		return nil, err
	}
	return p, nil
}

func newPort(l line, cfg Config) (*Port, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if err := l.SetReadTimeout(cfg.ReadTimeout); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &Port{port: l, config: cfg}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// ReadByte reads one byte, failing with ErrTimeout when the line stays idle.
func (p *Port) ReadByte() (byte, error) {
	n, err := p.port.Read(p.buf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w after %s", ErrTimeout, p.config.ReadTimeout)
	}
	return p.buf[0], nil
}

// SetReadTimeout changes the per-byte read timeout.
func (p *Port) SetReadTimeout(d time.Duration) error {
	if err := p.port.SetReadTimeout(d); err != nil {
		return err
	}
	p.config.ReadTimeout = d
	return nil
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.config.Port
}

// BaudRate returns the configured baud rate.
func (p *Port) BaudRate() int {
	return p.config.BaudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// PortInfo describes a serial port found on the system.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// ListDetailed returns the available ports with USB details where the
// platform reports them.
func ListDetailed() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return out, nil
}
