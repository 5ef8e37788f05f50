package serial

import (
	"errors"
	"testing"
	"time"

	"go.bug.st/serial"
)

type fakeLine struct {
	rx       []byte
	tx       []byte
	timeout  time.Duration
	resets   int
	closed   bool
	readErr  error
	setTOErr error
}

func (f *fakeLine) Read(p []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.rx) == 0 {
		return 0, nil
	}
	n := copy(p, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakeLine) Write(p []byte) (int, error) {
	f.tx = append(f.tx, p...)
	return len(p), nil
}

func (f *fakeLine) SetReadTimeout(t time.Duration) error {
	if f.setTOErr != nil {
		return f.setTOErr
	}
	f.timeout = t
	return nil
}

func (f *fakeLine) ResetInputBuffer() error {
	f.rx = nil
	f.resets++
	return nil
}

func (f *fakeLine) Close() error {
	f.closed = true
	return nil
}

func TestConfig_Mode(t *testing.T) {
	mode, err := DefaultConfig().Mode()
	if err != nil {
		t.Fatalf("Mode error: %v", err)
	}
	want := serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.OddParity, StopBits: serial.OneStopBit}
	if mode.BaudRate != want.BaudRate || mode.DataBits != want.DataBits ||
		mode.Parity != want.Parity || mode.StopBits != want.StopBits {
		t.Errorf("Mode() = %+v, want %+v", *mode, want)
	}
}

func TestConfig_ModeInvalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"parity", func(c *Config) { c.Parity = "weird" }},
		{"stop bits", func(c *Config) { c.StopBits = 3 }},
		{"baud", func(c *Config) { c.BaudRate = 0 }},
		{"data bits", func(c *Config) { c.DataBits = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if _, err := cfg.Mode(); err == nil {
				t.Error("Mode should fail")
			}
		})
	}
}

func TestParseParity(t *testing.T) {
	tests := []struct {
		in   string
		want serial.Parity
	}{
		{"none", serial.NoParity},
		{"ODD", serial.OddParity},
		{"e", serial.EvenParity},
		{"mark", serial.MarkParity},
		{"space", serial.SpaceParity},
	}
	for _, tt := range tests {
		got, err := ParseParity(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseParity(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestPort_ReadByte(t *testing.T) {
	fl := &fakeLine{rx: []byte{0x41, 0x42}}
	p, err := newPort(fl, Config{Port: "test"})
	if err != nil {
		t.Fatalf("newPort error: %v", err)
	}
	if fl.timeout != DefaultReadTimeout {
		t.Errorf("read timeout = %v, want %v", fl.timeout, DefaultReadTimeout)
	}

	for _, want := range []byte{0x41, 0x42} {
		b, err := p.ReadByte()
		if err != nil || b != want {
			t.Fatalf("ReadByte() = 0x%02X, %v, want 0x%02X", b, err, want)
		}
	}

	if _, err := p.ReadByte(); !errors.Is(err, ErrTimeout) {
		t.Errorf("ReadByte on idle line = %v, want ErrTimeout", err)
	}
}

func TestPort_ReadError(t *testing.T) {
	boom := errors.New("unplugged")
	p, _ := newPort(&fakeLine{readErr: boom}, Config{})
	if _, err := p.ReadByte(); !errors.Is(err, boom) {
		t.Errorf("ReadByte error = %v, want %v", err, boom)
	}
}

func TestPort_WriteFlushClose(t *testing.T) {
	fl := &fakeLine{rx: []byte{1, 2, 3}}
	p, _ := newPort(fl, Config{Port: "/dev/ttyS0", BaudRate: 9600})

	if _, err := p.Write([]byte{'L', 4}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if string(fl.tx) != "L\x04" {
		t.Errorf("written = %q", fl.tx)
	}
	if err := p.Flush(); err != nil || len(fl.rx) != 0 {
		t.Error("Flush should discard pending input")
	}
	if err := p.SetReadTimeout(time.Second); err != nil || fl.timeout != time.Second {
		t.Error("SetReadTimeout should reach the driver")
	}
	if p.PortName() != "/dev/ttyS0" || p.BaudRate() != 9600 {
		t.Error("accessors should report the config")
	}
	if err := p.Close(); err != nil || !fl.closed {
		t.Error("Close should close the driver port")
	}
}

func TestNewPort_TimeoutError(t *testing.T) {
	if _, err := newPort(&fakeLine{setTOErr: errors.New("nope")}, Config{}); err == nil {
		t.Error("newPort should report SetReadTimeout failure")
	}
}
