// Package detect finds serial ports with a listening bootloader.
package detect

import (
	"errors"
	"fmt"

	"github.com/bigbag/hexboot/internal/protocol"
	"github.com/bigbag/hexboot/internal/serial"
)

// DefaultAttempts is how many probe bytes are sent before giving up.
const DefaultAttempts = 3

// ErrNoReply is returned when a port never answers the probe.
var ErrNoReply = errors.New("no bootloader reply")

// Result represents a detected bootloader.
type Result struct {
	Port     string
	Attempts int
}

// Port is the host side of a link.
type Port interface {
	Write(data []byte) (int, error)
	ReadByte() (byte, error)
}

// Probe sends an unknown command byte and waits for the '?' reply. The
// bootloader resets its checksum on unknown commands, so probing does not
// disturb a later upload. Bytes other than '?' are treated as the tail of
// an interrupted command and the probe is repeated. It returns the number
// of attempts used.
func Probe(p Port, attempts int) (int, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if _, err := p.Write([]byte{protocol.ProbeByte}); err != nil {
			return attempt, fmt.Errorf("failed to send probe: %w", err)
		}

		reply, err := p.ReadByte()
		if err != nil {
			lastErr = err
			continue
		}
		if reply == protocol.ReplyUnknown {
			return attempt, nil
		}
		lastErr = fmt.Errorf("unexpected reply 0x%02X", reply)
	}

	if lastErr != nil {
		return attempts, fmt.Errorf("%w after %d attempts (last error: %v)", ErrNoReply, attempts, lastErr)
	}
	return attempts, ErrNoReply
}

// DetectDevice tries each available port and returns the first one with a
// bootloader on it.
func DetectDevice(cfg serial.Config) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		cfg.Port = portName
		result, err := tryPort(cfg)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("no bootloader found (last error: %w)", lastErr)
}

// DetectOnPort probes the port named in cfg.
func DetectOnPort(cfg serial.Config) (*Result, error) {
	return tryPort(cfg)
}

// ListDevices probes every available port and returns those that answered.
func ListDevices(cfg serial.Config) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		cfg.Port = portName
		result, err := tryPort(cfg)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(cfg serial.Config) (*Result, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	// discard noise left on the line
	if err := port.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}

	attempts, err := Probe(port, DefaultAttempts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Port, err)
	}
	return &Result{Port: cfg.Port, Attempts: attempts}, nil
}
