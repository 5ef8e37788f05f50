package device

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrTimeout is returned by HostPort.ReadByte when the device stays silent.
var ErrTimeout = errors.New("timeout waiting for device")

// DefaultReadTimeout bounds how long the host waits for one reply byte.
const DefaultReadTimeout = 2 * time.Second

// Link is an in-process serial line between a host and a simulated device.
type Link struct {
	Host *HostPort

	// DeviceRx and DeviceTx are the device end of the line.
	DeviceRx io.Reader
	DeviceTx io.Writer

	hostToDev *io.PipeWriter
	devToHost *io.PipeWriter
}

// NewLink returns a connected line.
func NewLink() *Link {
	devRx, hostTx := io.Pipe()
	hostRx, devTx := io.Pipe()

	return &Link{
		Host:      newHostPort(hostRx, hostTx),
		DeviceRx:  devRx,
		DeviceTx:  devTx,
		hostToDev: hostTx,
		devToHost: devTx,
	}
}

// Close hangs up both directions.
func (l *Link) Close() error {
	l.hostToDev.Close()
	l.devToHost.Close()
	return nil
}

// HostPort is the host end of a Link.
type HostPort struct {
	rx      chan byte
	w       io.Writer
	timeout time.Duration

	mu      sync.Mutex
	corrupt func(n int, b byte) byte
	count   int
	err     error
}

func newHostPort(r io.Reader, w io.Writer) *HostPort {
	p := &HostPort{rx: make(chan byte, 512), w: w, timeout: DefaultReadTimeout}
	go p.pump(r)
	return p
}

// SetReadTimeout changes how long ReadByte waits.
func (p *HostPort) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
}

// Corrupt installs a filter applied to every byte the device sends; n counts
// bytes from zero. It simulates line noise.
func (p *HostPort) Corrupt(fn func(n int, b byte) byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corrupt = fn
}

func (p *HostPort) pump(r io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			p.rx <- p.filter(b)
		}
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			close(p.rx)
			return
		}
	}
}

func (p *HostPort) filter(b byte) byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.corrupt != nil {
		b = p.corrupt(p.count, b)
	}
	p.count++
	return b
}

// Write sends data to the device.
func (p *HostPort) Write(data []byte) (int, error) {
	return p.w.Write(data)
}

// ReadByte returns the next byte from the device.
func (p *HostPort) ReadByte() (byte, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	select {
	case b, ok := <-p.rx:
		if !ok {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.err != nil && !errors.Is(p.err, io.EOF) {
				return 0, p.err
			}
			return 0, io.EOF
		}
		return b, nil
	case <-time.After(timeout):
		return 0, ErrTimeout
	}
}
