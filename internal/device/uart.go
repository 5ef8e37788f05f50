package device

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bigbag/hexboot/internal/bootloader"
)

const pollInterval = time.Millisecond

// StreamUART adapts a byte stream to the bootloader UART. A background
// goroutine fills the receive buffer, so ReceiveReady never blocks for
// longer than one poll interval.
type StreamUART struct {
	rx      chan byte
	w       io.Writer
	expired func() bool

	mu      sync.Mutex
	pending []byte
	err     error
}

// NewStreamUART starts receiving from r. Transmitted bytes go to w.
func NewStreamUART(r io.Reader, w io.Writer) *StreamUART {
	u := &StreamUART{rx: make(chan byte, 512), w: w}
	go u.pump(r)
	return u
}

// watch makes a blocked Receive give up with bootloader.ErrReset once
// expired reports true.
func (u *StreamUART) watch(expired func() bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.expired = expired
}

func (u *StreamUART) pump(r io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			u.rx <- b
		}
		if err != nil {
			u.mu.Lock()
			u.err = err
			u.mu.Unlock()
			close(u.rx)
			return
		}
	}
}

func (u *StreamUART) ReceiveReady() bool {
	u.mu.Lock()
	if len(u.pending) > 0 {
		u.mu.Unlock()
		return true
	}
	u.mu.Unlock()

	select {
	case b, ok := <-u.rx:
		if !ok {
			// let Receive report the stream error
			return true
		}
		u.mu.Lock()
		u.pending = append(u.pending, b)
		u.mu.Unlock()
		return true
	case <-time.After(pollInterval):
		return false
	}
}

func (u *StreamUART) Receive() (byte, error) {
	u.mu.Lock()
	if len(u.pending) > 0 {
		b := u.pending[0]
		u.pending = u.pending[1:]
		u.mu.Unlock()
		return b, nil
	}
	expired := u.expired
	u.mu.Unlock()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case b, ok := <-u.rx:
			if !ok {
				return 0, u.streamErr()
			}
			return b, nil
		case <-ticker.C:
			if expired != nil && expired() {
				return 0, bootloader.ErrReset
			}
		}
	}
}

func (u *StreamUART) Transmit(b byte) error {
	if _, err := u.w.Write([]byte{b}); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	return nil
}

func (u *StreamUART) streamErr() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err == nil {
		return io.EOF
	}
	return u.err
}
