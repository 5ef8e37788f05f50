package protocol

// Bootloader command bytes. Each command is a single ASCII byte followed by
// its payload; the device answers every payload byte it consumes.
const (
	CmdAddress = 'A' // 2 bytes big-endian address, echo hi+lo
	CmdLength  = 'L' // 1 byte record length, echo length
	CmdData    = 'D' // Length bytes, each echoed, then a checksum byte
	CmdEnd     = 'E' // no payload, no reply, device starts the application
)

// ReplyUnknown is sent by the device for any byte that is not a command.
const ReplyUnknown = '?'

// ProbeByte is not a command. A listening bootloader answers it with
// ReplyUnknown and discards its checksum state, so it is safe to send at any
// command boundary.
const ProbeByte = 0x5A

// CommandName returns a human-readable name for a command byte.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdAddress:
		return "address"
	case CmdLength:
		return "length"
	case CmdData:
		return "data"
	case CmdEnd:
		return "end"
	default:
		return "unknown"
	}
}

// IsCommand reports whether b is one of the bootloader command bytes.
func IsCommand(b byte) bool {
	switch b {
	case CmdAddress, CmdLength, CmdData, CmdEnd:
		return true
	}
	return false
}

// AddressSum is the device's reply to an address command.
func AddressSum(addr uint16) byte {
	return byte(addr>>8) + byte(addr)
}

// Checksum turns an additive byte sum into its two's complement, the form
// used by Intel HEX records and by the device's reply to a data command.
func Checksum(sum byte) byte {
	return ^sum + 1
}

// Sum adds bytes modulo 256.
func Sum(data ...byte) byte {
	var s byte
	for _, b := range data {
		s += b
	}
	return s
}

// EncodeAddress returns the address payload in wire order.
func EncodeAddress(addr uint16) []byte {
	return []byte{byte(addr >> 8), byte(addr)}
}

// ValidPageSize reports whether n can be used as a flash page size: a power
// of two that fits the bootloader's 8-bit page offsets.
func ValidPageSize(n int) bool {
	return n >= 2 && n <= 256 && n&(n-1) == 0
}

// PageBase returns the start address of the page containing addr.
func PageBase(addr uint16, pageSize int) uint16 {
	return addr &^ uint16(pageSize-1)
}

// PageOffset returns the position of addr inside its page.
func PageOffset(addr uint16, pageSize int) int {
	return int(addr & uint16(pageSize-1))
}
