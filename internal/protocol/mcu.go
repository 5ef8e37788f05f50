package protocol

import (
	"fmt"
	"sort"
)

// Serial defaults used by the bootloader firmware's UART setup.
const (
	DefaultPort     = "/dev/ttyAMA0"
	DefaultBaudRate = 9600
	DefaultDataBits = 8
	DefaultParity   = "odd"
	DefaultStopBits = 1
)

// DefaultEntryAddress is the application reset vector.
const DefaultEntryAddress = 0x0000

// MCU describes the memory layout of a supported target.
type MCU struct {
	Name     string
	RAMEnd   uint16
	FlashEnd uint16
	PageSize int
}

// FlashSize returns the size of program flash in bytes.
func (m MCU) FlashSize() int {
	return int(m.FlashEnd) + 1
}

// BootStart returns the first address of a boot section of size bytes placed
// at the top of flash.
func (m MCU) BootStart(size int) (uint16, error) {
	if size <= 0 || size > m.FlashSize() {
		return 0, fmt.Errorf("boot section size %d out of range for %s", size, m.Name)
	}
	return uint16(int(m.FlashEnd) - size + 1), nil
}

var mcus = map[string]MCU{
	"atmega88": {
		Name:     "atmega88",
		RAMEnd:   0x4FF,
		FlashEnd: 0x1FFF,
		PageSize: 64,
	},
	"atmega168": {
		Name:     "atmega168",
		RAMEnd:   0x4FF,
		FlashEnd: 0x3FFF,
		PageSize: 128,
	},
}

// DefaultMCU is the target assumed when none is given.
const DefaultMCU = "atmega168"

// LookupMCU returns the layout of a known target.
func LookupMCU(name string) (MCU, error) {
	m, ok := mcus[name]
	if !ok {
		return MCU{}, fmt.Errorf("unknown MCU %q (known: %v)", name, MCUNames())
	}
	return m, nil
}

// MCUNames returns the known target names, sorted.
func MCUNames() []string {
	names := make([]string, 0, len(mcus))
	for n := range mcus {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
