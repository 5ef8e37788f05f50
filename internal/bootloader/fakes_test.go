package bootloader

import (
	"errors"
	"io"
)

// scriptUART feeds a fixed byte script to the session and records replies.
type scriptUART struct {
	in  []byte
	out []byte
}

func newScriptUART(in ...byte) *scriptUART {
	return &scriptUART{in: in}
}

func (u *scriptUART) ReceiveReady() bool { return len(u.in) > 0 }

func (u *scriptUART) Receive() (byte, error) {
	if len(u.in) == 0 {
		return 0, io.EOF
	}
	b := u.in[0]
	u.in = u.in[1:]
	return b, nil
}

func (u *scriptUART) Transmit(b byte) error {
	u.out = append(u.out, b)
	return nil
}

// flushRecord is one erase/fill/write cycle seen by fakeFlash.
type flushRecord struct {
	base uint16
	data []byte
}

// fakeFlash is a 64K flash that logs every completed page write.
type fakeFlash struct {
	mem      [0x10000]byte
	pageSize int
	staged   map[uint16]uint16
	erased   uint16
	flushes  []flushRecord
	rww      bool
	eraseErr error
}

func newFakeFlash(pageSize int) *fakeFlash {
	f := &fakeFlash{pageSize: pageSize, staged: map[uint16]uint16{}}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return f
}

func (f *fakeFlash) ReadByteAt(addr uint16) (byte, error) {
	return f.mem[addr], nil
}

func (f *fakeFlash) ErasePage(addr uint16) error {
	if f.eraseErr != nil {
		return f.eraseErr
	}
	for i := 0; i < f.pageSize; i++ {
		f.mem[int(addr)+i] = 0xFF
	}
	f.erased = addr
	f.rww = false
	return nil
}

func (f *fakeFlash) FillWord(addr uint16, word uint16) error {
	f.staged[addr] = word
	return nil
}

func (f *fakeFlash) WritePage(addr uint16) error {
	if addr != f.erased {
		return errors.New("write without erase")
	}
	rec := flushRecord{base: addr, data: make([]byte, f.pageSize)}
	for i := 0; i < f.pageSize; i += 2 {
		w := f.staged[addr+uint16(i)]
		f.mem[int(addr)+i] = byte(w)
		f.mem[int(addr)+i+1] = byte(w >> 8)
		rec.data[i] = byte(w)
		rec.data[i+1] = byte(w >> 8)
	}
	f.staged = map[uint16]uint16{}
	f.flushes = append(f.flushes, rec)
	return nil
}

func (f *fakeFlash) EnableRWW() error {
	f.rww = true
	return nil
}

// countingWatchdog records calls and can be forced to expire.
type countingWatchdog struct {
	enabled  bool
	resets   int
	disabled bool
	expired  bool
}

func (w *countingWatchdog) Enable()       { w.enabled = true }
func (w *countingWatchdog) Reset()        { w.resets++ }
func (w *countingWatchdog) Disable()      { w.disabled = true }
func (w *countingWatchdog) Expired() bool { return w.expired }

// stateCPU holds a status register that the session must restore.
type stateCPU struct {
	current  CPUState
	restored bool
}

func (c *stateCPU) Save() CPUState {
	saved := c.current
	c.current = CPUState{StackPointer: 0x04FF}
	return saved
}

func (c *stateCPU) Restore(s CPUState) {
	c.current = s
	c.restored = true
}
