package ihex

import "fmt"

// SyntaxError reports a line that does not follow the record layout.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// ChecksumError reports a record whose trailing checksum does not match its
// contents.
type ChecksumError struct {
	Line     int
	Expected byte // computed from the record fields
	Actual   byte // as written on the line
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("line %d: checksum mismatch: computed 0x%02X, record has 0x%02X",
		e.Line, e.Expected, e.Actual)
}
