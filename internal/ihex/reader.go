package ihex

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/bigbag/hexboot/internal/protocol"
)

const startCode = ':'

// Reader yields records from Intel HEX text one line at a time. It stops
// after the end-of-file record; anything following it is never read.
type Reader struct {
	r       *bufio.Reader
	line    int
	done    bool
	allowLF bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// AllowBareLF accepts lines terminated by a single LF in addition to CR-LF.
func AllowBareLF() ReaderOption {
	return func(r *Reader) {
		r.allowLF = true
	}
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	hr := &Reader{r: bufio.NewReader(r)}
	for _, opt := range opts {
		opt(hr)
	}
	return hr
}

// Line returns the number of the last line read.
func (hr *Reader) Line() int {
	return hr.line
}

// Next parses the next record. It returns io.EOF once the end-of-file record
// has been returned. Malformed lines yield *SyntaxError, bad checksums
// *ChecksumError; both are final for the reader.
func (hr *Reader) Next() (*Record, error) {
	if hr.done {
		return nil, io.EOF
	}
	hr.line++

	start, err := hr.r.ReadByte()
	if err != nil {
		hr.done = true
		if errors.Is(err, io.EOF) {
			return nil, hr.syntaxError("unexpected end of input before end-of-file record")
		}
		return nil, fmt.Errorf("line %d: read start code: %w", hr.line, err)
	}
	if start != startCode {
		hr.done = true
		return nil, hr.syntaxError(fmt.Sprintf("expected start code ':', got %q", start))
	}

	rec := &Record{}
	var sum byte

	if rec.Length, err = hr.readByte("length"); err != nil {
		return nil, err
	}
	sum += rec.Length

	hi, err := hr.readByte("address msb")
	if err != nil {
		return nil, err
	}
	lo, err := hr.readByte("address lsb")
	if err != nil {
		return nil, err
	}
	rec.Address = uint16(hi)<<8 | uint16(lo)
	sum += hi + lo

	if rec.Type, err = hr.readByte("type"); err != nil {
		return nil, err
	}
	sum += rec.Type

	rec.Data = make([]byte, rec.Length)
	for i := range rec.Data {
		if rec.Data[i], err = hr.readByte("data"); err != nil {
			return nil, err
		}
		sum += rec.Data[i]
	}

	checksum, err := hr.readByte("checksum")
	if err != nil {
		return nil, err
	}
	computed := protocol.Checksum(sum)
	if computed != checksum {
		hr.done = true
		return nil, &ChecksumError{Line: hr.line, Expected: computed, Actual: checksum}
	}
	rec.Checksum = checksum

	if err := hr.readTerminator(); err != nil {
		return nil, err
	}

	if rec.IsEOF() {
		hr.done = true
	}
	return rec, nil
}

// readByte decodes two hex digits.
func (hr *Reader) readByte(field string) (byte, error) {
	var pair [2]byte
	if _, err := io.ReadFull(hr.r, pair[:]); err != nil {
		hr.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, hr.syntaxError("truncated " + field)
		}
		return 0, fmt.Errorf("line %d: read %s: %w", hr.line, field, err)
	}

	msb, ok1 := nibble(pair[0])
	lsb, ok2 := nibble(pair[1])
	if !ok1 || !ok2 {
		hr.done = true
		return 0, hr.syntaxError(fmt.Sprintf("invalid hex digits %q in %s", pair[:], field))
	}
	return msb<<4 | lsb, nil
}

func (hr *Reader) readTerminator() error {
	b, err := hr.r.ReadByte()
	if err == nil && b == '\n' && hr.allowLF {
		return nil
	}
	if err == nil && b == '\r' {
		b, err = hr.r.ReadByte()
		if err == nil && b == '\n' {
			return nil
		}
	}
	hr.done = true
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("line %d: read line terminator: %w", hr.line, err)
	}
	return hr.syntaxError("missing CR-LF line terminator")
}

func (hr *Reader) syntaxError(msg string) error {
	return &SyntaxError{Line: hr.line, Msg: msg}
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// ReadAll parses every record up to and including the end-of-file record.
func ReadAll(r io.Reader, opts ...ReaderOption) ([]*Record, error) {
	hr := NewReader(r, opts...)
	var records []*Record
	for {
		rec, err := hr.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}
