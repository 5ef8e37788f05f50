package bootloader

import (
	"fmt"

	"github.com/bigbag/hexboot/internal/protocol"
)

// Flash is the self-programming interface of the target. Pages must be erased
// before they are written; words are staged with FillWord and committed by
// WritePage.
type Flash interface {
	ReadByteAt(addr uint16) (byte, error)
	ErasePage(addr uint16) error
	FillWord(addr uint16, word uint16) error
	WritePage(addr uint16) error
	// EnableRWW re-enables the read-while-write section so the application
	// can execute after programming.
	EnableRWW() error
}

// FlashPage is the RAM copy of one flash page.
type FlashPage struct {
	Base uint16
	Buf  []byte
}

// FlashWriter programs whole pages from a FlashPage buffer.
type FlashWriter struct {
	flash    Flash
	pageSize int
}

// NewFlashWriter returns a writer for pages of pageSize bytes.
func NewFlashWriter(flash Flash, pageSize int) (*FlashWriter, error) {
	if flash == nil {
		return nil, fmt.Errorf("flash cannot be nil")
	}
	if !protocol.ValidPageSize(pageSize) {
		return nil, fmt.Errorf("invalid page size %d: must be an even power of two up to 256", pageSize)
	}
	return &FlashWriter{flash: flash, pageSize: pageSize}, nil
}

// PageSize returns the page size in bytes.
func (w *FlashWriter) PageSize() int {
	return w.pageSize
}

// NewPage allocates an empty page buffer.
func (w *FlashWriter) NewPage() FlashPage {
	return FlashPage{Buf: make([]byte, w.pageSize)}
}

// Load points page at base and fills its buffer with the current flash
// contents, so bytes the session does not touch survive the next Flush.
func (w *FlashWriter) Load(page *FlashPage, base uint16) error {
	if err := w.check(page, base); err != nil {
		return err
	}
	page.Base = base
	for i := range page.Buf {
		b, err := w.flash.ReadByteAt(base + uint16(i))
		if err != nil {
			return fmt.Errorf("read 0x%04X: %w", base+uint16(i), err)
		}
		page.Buf[i] = b
	}
	return nil
}

// Flush erases the page at page.Base and programs it from page.Buf, one
// little-endian word at a time. A failure leaves the page in an unknown
// state.
func (w *FlashWriter) Flush(page *FlashPage) error {
	if err := w.check(page, page.Base); err != nil {
		return err
	}
	if err := w.flash.ErasePage(page.Base); err != nil {
		return fmt.Errorf("erase page 0x%04X: %w", page.Base, err)
	}
	for i := 0; i < w.pageSize; i += 2 {
		word := uint16(page.Buf[i]) | uint16(page.Buf[i+1])<<8
		if err := w.flash.FillWord(page.Base+uint16(i), word); err != nil {
			return fmt.Errorf("fill word 0x%04X: %w", page.Base+uint16(i), err)
		}
	}
	if err := w.flash.WritePage(page.Base); err != nil {
		return fmt.Errorf("write page 0x%04X: %w", page.Base, err)
	}
	return nil
}

func (w *FlashWriter) check(page *FlashPage, base uint16) error {
	if len(page.Buf) != w.pageSize {
		return fmt.Errorf("page buffer is %d bytes, want %d", len(page.Buf), w.pageSize)
	}
	if protocol.PageBase(base, w.pageSize) != base {
		return fmt.Errorf("page address 0x%04X is not aligned to %d bytes", base, w.pageSize)
	}
	return nil
}
