package device

import (
	"fmt"
	"sync"
)

const erasedByte = 0xFF

// PageWrite is one completed erase-and-program cycle.
type PageWrite struct {
	Base uint16
	Data []byte
}

// Memory simulates self-programmable flash. ErasePage sets a page to 0xFF,
// FillWord stages words in the page buffer and WritePage commits them to an
// erased page.
type Memory struct {
	mu       sync.Mutex
	data     []byte
	pageSize int
	staged   map[uint16]uint16
	erased   map[uint16]bool
	writes   []PageWrite
	rww      bool
}

// NewMemory returns an erased flash of size bytes.
func NewMemory(size, pageSize int) (*Memory, error) {
	if size <= 0 || size > 0x10000 {
		return nil, fmt.Errorf("flash size %d out of range", size)
	}
	if pageSize <= 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("flash size %d is not a multiple of page size %d", size, pageSize)
	}
	m := &Memory{
		data:     make([]byte, size),
		pageSize: pageSize,
		staged:   map[uint16]uint16{},
		erased:   map[uint16]bool{},
		rww:      true,
	}
	for i := range m.data {
		m.data[i] = erasedByte
	}
	return m, nil
}

// Size returns the flash size in bytes.
func (m *Memory) Size() int {
	return len(m.data)
}

// PageSize returns the page size in bytes.
func (m *Memory) PageSize() int {
	return m.pageSize
}

// Preload places data at addr without going through the page cycle, as if
// it had been programmed earlier.
func (m *Memory) Preload(addr uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr)+len(data) > len(m.data) {
		return fmt.Errorf("preload of %d bytes at 0x%04X exceeds flash", len(data), addr)
	}
	copy(m.data[addr:], data)
	return nil
}

// Bytes returns a copy of n bytes starting at addr.
func (m *Memory) Bytes(addr uint16, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := int(addr) + n
	if end > len(m.data) {
		end = len(m.data)
	}
	out := make([]byte, end-int(addr))
	copy(out, m.data[addr:end])
	return out
}

// At returns the byte at addr, or 0xFF outside the flash.
func (m *Memory) At(addr uint16) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr) >= len(m.data) {
		return erasedByte
	}
	return m.data[addr]
}

// Writes returns the page writes performed so far, oldest first.
func (m *Memory) Writes() []PageWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PageWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

// RWWEnabled reports whether the application section is readable.
func (m *Memory) RWWEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rww
}

func (m *Memory) ReadByteAt(addr uint16) (byte, error) {
	if int(addr) >= len(m.data) {
		return 0, fmt.Errorf("address 0x%04X outside %d byte flash", addr, len(m.data))
	}
	return m.At(addr), nil
}

func (m *Memory) ErasePage(addr uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPage(addr); err != nil {
		return err
	}
	for i := 0; i < m.pageSize; i++ {
		m.data[int(addr)+i] = erasedByte
	}
	m.erased[addr] = true
	m.rww = false
	return nil
}

func (m *Memory) FillWord(addr uint16, word uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr%2 != 0 || int(addr)+1 >= len(m.data) {
		return fmt.Errorf("invalid word address 0x%04X", addr)
	}
	m.staged[addr] = word
	return nil
}

func (m *Memory) WritePage(addr uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPage(addr); err != nil {
		return err
	}
	if !m.erased[addr] {
		return fmt.Errorf("page 0x%04X written without erase", addr)
	}

	w := PageWrite{Base: addr, Data: make([]byte, m.pageSize)}
	for i := 0; i < m.pageSize; i += 2 {
		word, ok := m.staged[addr+uint16(i)]
		if !ok {
			word = 0xFFFF
		}
		w.Data[i] = byte(word)
		w.Data[i+1] = byte(word >> 8)
	}
	copy(m.data[addr:], w.Data)

	delete(m.erased, addr)
	m.staged = map[uint16]uint16{}
	m.writes = append(m.writes, w)
	m.rww = false
	return nil
}

func (m *Memory) EnableRWW() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rww = true
	return nil
}

func (m *Memory) checkPage(addr uint16) error {
	if int(addr)%m.pageSize != 0 {
		return fmt.Errorf("page address 0x%04X not aligned to %d", addr, m.pageSize)
	}
	if int(addr)+m.pageSize > len(m.data) {
		return fmt.Errorf("page 0x%04X outside %d byte flash", addr, len(m.data))
	}
	return nil
}
