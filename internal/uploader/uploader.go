// Package uploader streams Intel HEX records to the bootloader, verifying
// every reply before sending the next byte.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/bigbag/hexboot/internal/ihex"
	"github.com/bigbag/hexboot/internal/logging"
	"github.com/bigbag/hexboot/internal/protocol"
)

// Transport is a byte-oriented serial link.
type Transport interface {
	Write(data []byte) (int, error)
	ReadByte() (byte, error)
}

// RecordSource yields records until io.EOF. *ihex.Reader satisfies it.
type RecordSource interface {
	Next() (*ihex.Record, error)
}

// ProgressCallback is called after each record is confirmed by the device.
type ProgressCallback func(p Progress)

// Progress describes upload progress.
type Progress struct {
	Record  int
	Address uint16
	Bytes   int // payload bytes confirmed so far
}

// Stats summarises a finished upload.
type Stats struct {
	Records int
	Bytes   int
	Skipped int
}

// Uploader drives one bootloader session from the host side.
type Uploader struct {
	port     Transport
	log      log.FieldLogger
	progress ProgressCallback
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option {
	return func(u *Uploader) {
		if l != nil {
			u.log = l
		}
	}
}

// WithProgressCallback sets the progress callback.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(u *Uploader) {
		u.progress = cb
	}
}

// New creates an Uploader for the given port.
func New(port Transport, opts ...Option) *Uploader {
	u := &Uploader{port: port, log: logging.Discard()}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// reportProgress calls the progress callback if set.
func (u *Uploader) reportProgress(p Progress) {
	if u.progress != nil {
		u.progress(p)
	}
}

// Run sends every data record from src and, after the end-of-file record,
// tells the device to start the application. Any verification failure is
// returned immediately; nothing is retried.
func (u *Uploader) Run(ctx context.Context, src RecordSource) (Stats, error) {
	var stats Stats

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return stats, fmt.Errorf("image ended without an end-of-file record")
		}
		if err != nil {
			return stats, fmt.Errorf("read record: %w", err)
		}

		if rec.IsEOF() {
			break
		}

		if !rec.IsData() {
			if err := checkAddressRecord(rec); err != nil {
				return stats, err
			}
			u.log.WithField("type", ihex.TypeName(rec.Type)).Warn("skipping record")
			stats.Skipped++
			continue
		}

		stats.Records++
		u.log.WithFields(log.Fields{
			"record":  stats.Records,
			"address": fmt.Sprintf("0x%04X", rec.Address),
			"length":  rec.Length,
		}).Debug("sending record")

		if err := u.SendRecord(ctx, rec); err != nil {
			return stats, fmt.Errorf("record #%d: %w", stats.Records, err)
		}
		stats.Bytes += len(rec.Data)

		u.reportProgress(Progress{
			Record:  stats.Records,
			Address: rec.Address,
			Bytes:   stats.Bytes,
		})
	}

	if err := u.End(); err != nil {
		return stats, err
	}
	return stats, nil
}

// checkAddressRecord accepts address records that keep the image inside the
// first 64K.
func checkAddressRecord(rec *ihex.Record) error {
	switch rec.Type {
	case ihex.TypeStartSegmentAddress, ihex.TypeStartLinearAddress:
		return nil
	case ihex.TypeExtendedSegmentAddress, ihex.TypeExtendedLinearAddress:
		for _, b := range rec.Data {
			if b != 0 {
				return fmt.Errorf("%w: %s 0x%X is outside the 16-bit address space",
					ErrUnsupportedRecord, ihex.TypeName(rec.Type), rec.Data)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: type 0x%02X", ErrUnsupportedRecord, rec.Type)
	}
}

// SendRecord runs one length/address/data exchange.
func (u *Uploader) SendRecord(ctx context.Context, rec *ihex.Record) error {
	if int(rec.Length) != len(rec.Data) {
		return fmt.Errorf("record length %d does not match %d data bytes", rec.Length, len(rec.Data))
	}

	if err := u.send(protocol.CmdLength, rec.Length); err != nil {
		return err
	}
	if err := u.expect(StageLength, rec, -1, rec.Length); err != nil {
		return err
	}

	if err := u.send(append([]byte{protocol.CmdAddress}, protocol.EncodeAddress(rec.Address)...)...); err != nil {
		return err
	}
	if err := u.expect(StageAddress, rec, -1, protocol.AddressSum(rec.Address)); err != nil {
		return err
	}

	if err := u.send(protocol.CmdData); err != nil {
		return err
	}
	for i, b := range rec.Data {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.send(b); err != nil {
			return err
		}
		if err := u.expect(StageData, rec, i, b); err != nil {
			return err
		}
	}

	return u.expect(StageChecksum, rec, -1, rec.Checksum)
}

// End tells the device the upload is complete. The device does not reply.
func (u *Uploader) End() error {
	if err := u.send(protocol.CmdEnd); err != nil {
		return err
	}
	u.log.Debug("end command sent")
	return nil
}

func (u *Uploader) send(data ...byte) error {
	if _, err := u.port.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (u *Uploader) expect(stage Stage, rec *ihex.Record, index int, want byte) error {
	got, err := u.port.ReadByte()
	if err != nil {
		return fmt.Errorf("read %s response: %w", stage, err)
	}
	if got != want {
		return &EchoMismatchError{
			Stage:    stage,
			Address:  rec.Address,
			Index:    index,
			Expected: want,
			Actual:   got,
		}
	}
	return nil
}

// SliceSource serves pre-parsed records.
type SliceSource struct {
	records []*ihex.Record
	pos     int
}

// NewSliceSource returns a RecordSource over records.
func NewSliceSource(records []*ihex.Record) *SliceSource {
	return &SliceSource{records: records}
}

func (s *SliceSource) Next() (*ihex.Record, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

// DataBytes counts the payload bytes of the data records.
func DataBytes(records []*ihex.Record) int {
	n := 0
	for _, r := range records {
		if r.IsData() {
			n += len(r.Data)
		}
	}
	return n
}
