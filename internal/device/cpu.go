package device

import (
	"sync"

	"github.com/bigbag/hexboot/internal/bootloader"
)

// CPU records processor state the way the MCU would hold it across a
// bootloader session.
type CPU struct {
	mu       sync.Mutex
	ramEnd   uint16
	state    bootloader.CPUState
	restored int
	jumps    []uint16
}

// NewCPU returns a CPU with interrupts enabled and the stack at ramEnd.
func NewCPU(ramEnd uint16) *CPU {
	c := &CPU{ramEnd: ramEnd}
	c.Reset()
	return c
}

// Reset puts the processor in its power-on state.
func (c *CPU) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = bootloader.CPUState{Status: 0x80, StackPointer: c.ramEnd}
}

// Save returns the current state and clears the status register, as the
// bootloader does on entry.
func (c *CPU) Save() bootloader.CPUState {
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := c.state
	c.state.Status = 0
	return saved
}

func (c *CPU) Restore(s bootloader.CPUState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.restored++
}

// Jump records a transfer of control to addr.
func (c *CPU) Jump(addr uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jumps = append(c.jumps, addr)
}

// State returns the current processor state.
func (c *CPU) State() bootloader.CPUState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Jumps returns every address control was transferred to.
func (c *CPU) Jumps() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint16(nil), c.jumps...)
}
