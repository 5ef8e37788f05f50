package ihex

import (
	"fmt"
	"strings"

	"github.com/bigbag/hexboot/internal/protocol"
)

// Record types.
const (
	TypeData                   = 0x00
	TypeEOF                    = 0x01
	TypeExtendedSegmentAddress = 0x02
	TypeStartSegmentAddress    = 0x03
	TypeExtendedLinearAddress  = 0x04
	TypeStartLinearAddress     = 0x05
)

// MaxDataLength is the largest payload a record can carry.
const MaxDataLength = 0xFF

// Record is one parsed line of an Intel HEX file.
type Record struct {
	Length   byte
	Address  uint16
	Type     byte
	Data     []byte
	Checksum byte
}

// NewRecord builds a record and fills in its length and checksum.
func NewRecord(typ byte, address uint16, data []byte) *Record {
	r := &Record{
		Length:  byte(len(data)),
		Address: address,
		Type:    typ,
		Data:    data,
	}
	r.Checksum = r.ComputeChecksum()
	return r
}

// ComputeChecksum returns the two's complement of the byte sum of the
// record's length, address, type and data fields.
func (r *Record) ComputeChecksum() byte {
	sum := protocol.Sum(r.Length, byte(r.Address>>8), byte(r.Address), r.Type)
	sum += protocol.Sum(r.Data...)
	return protocol.Checksum(sum)
}

// IsData reports whether the record carries payload bytes.
func (r *Record) IsData() bool {
	return r.Type == TypeData
}

// IsEOF reports whether the record terminates the file.
func (r *Record) IsEOF() bool {
	return r.Type == TypeEOF
}

// TypeName returns a human-readable record type.
func TypeName(typ byte) string {
	switch typ {
	case TypeData:
		return "data"
	case TypeEOF:
		return "end of file"
	case TypeExtendedSegmentAddress:
		return "extended segment address"
	case TypeStartSegmentAddress:
		return "start segment address"
	case TypeExtendedLinearAddress:
		return "extended linear address"
	case TypeStartLinearAddress:
		return "start linear address"
	default:
		return "unknown"
	}
}

// Line encodes the record as a text line, CR-LF terminated.
func (r *Record) Line() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, ":%02X%04X%02X", r.Length, r.Address, r.Type)
	for _, b := range r.Data {
		fmt.Fprintf(&sb, "%02X", b)
	}
	fmt.Fprintf(&sb, "%02X\r\n", r.Checksum)
	return sb.String()
}

func (r *Record) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "record = {\n  length=%02x\n  address=%04x\n  type=%02x\n  data=",
		r.Length, r.Address, r.Type)
	for _, b := range r.Data {
		fmt.Fprintf(&sb, "%02x", b)
	}
	fmt.Fprintf(&sb, "\n  crc=%02x\n}", r.Checksum)
	return sb.String()
}
