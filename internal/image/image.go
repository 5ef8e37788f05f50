// Package image assembles Intel HEX data records into contiguous memory
// segments and checks a programmed flash against them.
package image

import (
	"fmt"
	"io"
	"sort"

	"github.com/marcinbor85/gohex"
	"github.com/sigurn/crc16"

	"github.com/bigbag/hexboot/internal/ihex"
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Segment is a run of contiguous bytes.
type Segment struct {
	Address uint16
	Data    []byte
}

// End returns the address one past the last byte.
func (s Segment) End() int {
	return int(s.Address) + len(s.Data)
}

// CRC returns the CRC-16/CCITT-FALSE of the segment data.
func (s Segment) CRC() uint16 {
	return crc16.Checksum(s.Data, crcTable)
}

// Image is the memory content described by a HEX file.
type Image struct {
	segments []Segment
}

// Load parses HEX text with gohex, independently of package ihex.
func Load(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("parse intel hex: %w", err)
	}

	var segs []Segment
	for _, s := range mem.GetDataSegments() {
		if int(s.Address)+len(s.Data) > 0x10000 {
			return nil, fmt.Errorf("segment at 0x%X is outside the 16-bit address space", s.Address)
		}
		data := make([]byte, len(s.Data))
		copy(data, s.Data)
		segs = append(segs, Segment{Address: uint16(s.Address), Data: data})
	}
	return &Image{segments: segs}, nil
}

// FromRecords builds an image from parsed data records. Later records win
// where ranges overlap.
func FromRecords(records []*ihex.Record) *Image {
	mem := map[int]byte{}
	for _, r := range records {
		if !r.IsData() {
			continue
		}
		for i, b := range r.Data {
			mem[(int(r.Address)+i)&0xFFFF] = b
		}
	}

	addrs := make([]int, 0, len(mem))
	for a := range mem {
		addrs = append(addrs, a)
	}
	sort.Ints(addrs)

	var segs []Segment
	for _, a := range addrs {
		if n := len(segs); n > 0 && segs[n-1].End() == a {
			segs[n-1].Data = append(segs[n-1].Data, mem[a])
			continue
		}
		segs = append(segs, Segment{Address: uint16(a), Data: []byte{mem[a]}})
	}
	return &Image{segments: segs}
}

// Segments returns the segments in address order.
func (img *Image) Segments() []Segment {
	return img.segments
}

// Size returns the number of bytes covered.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.segments {
		n += len(s.Data)
	}
	return n
}

// MismatchError reports the first flash byte that differs from the image.
type MismatchError struct {
	Address  uint16
	Expected byte
	Actual   byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("flash mismatch at 0x%04X: expected 0x%02X, got 0x%02X",
		e.Address, e.Expected, e.Actual)
}

// Verify compares every image byte with read(addr).
func (img *Image) Verify(read func(addr uint16) byte) error {
	for _, s := range img.segments {
		for i, want := range s.Data {
			addr := s.Address + uint16(i)
			if got := read(addr); got != want {
				return &MismatchError{Address: addr, Expected: want, Actual: got}
			}
		}
	}
	return nil
}

// At returns the image byte at addr and whether the image covers it.
func (img *Image) At(addr uint16) (byte, bool) {
	for _, s := range img.segments {
		if int(addr) >= int(s.Address) && int(addr) < s.End() {
			return s.Data[int(addr)-int(s.Address)], true
		}
	}
	return 0, false
}

// Equal reports whether two images cover the same bytes with the same values.
func (img *Image) Equal(other *Image) bool {
	if len(img.segments) != len(other.segments) {
		return false
	}
	for i, s := range img.segments {
		o := other.segments[i]
		if s.Address != o.Address || string(s.Data) != string(o.Data) {
			return false
		}
	}
	return true
}
