package uploader

import (
	"errors"
	"fmt"

	"github.com/bigbag/hexboot/internal/protocol"
)

// ErrCommandRejected matches an EchoMismatchError whose reply was the
// device's unknown-command byte: the device lost track of the command stream.
var ErrCommandRejected = errors.New("device rejected command")

// ErrUnsupportedRecord is returned for records the 16-bit bootloader cannot
// place.
var ErrUnsupportedRecord = errors.New("unsupported record")

// Stage names the protocol step that failed verification.
type Stage string

const (
	StageLength   Stage = "length"
	StageAddress  Stage = "address"
	StageData     Stage = "data"
	StageChecksum Stage = "checksum"
)

// EchoMismatchError reports a reply that differs from what the device should
// have sent back.
type EchoMismatchError struct {
	Stage    Stage
	Address  uint16 // record address
	Index    int    // data byte index, -1 outside the data stage
	Expected byte
	Actual   byte
}

func (e *EchoMismatchError) Error() string {
	if e.Stage == StageData {
		return fmt.Sprintf("bad data byte #%d of record 0x%04X: expected 0x%02X, got 0x%02X",
			e.Index, e.Address, e.Expected, e.Actual)
	}
	return fmt.Sprintf("bad %s response for record 0x%04X: expected 0x%02X, got 0x%02X",
		e.Stage, e.Address, e.Expected, e.Actual)
}

// Is reports ErrCommandRejected when the device answered with '?'.
func (e *EchoMismatchError) Is(target error) bool {
	return target == ErrCommandRejected && e.Actual == protocol.ReplyUnknown
}
