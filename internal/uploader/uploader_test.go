package uploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bigbag/hexboot/internal/bootloader"
	"github.com/bigbag/hexboot/internal/device"
	"github.com/bigbag/hexboot/internal/ihex"
	"github.com/bigbag/hexboot/internal/image"
	"github.com/bigbag/hexboot/internal/protocol"
)

// scriptPort answers reads from a fixed reply script and records writes.
type scriptPort struct {
	replies []byte
	written bytes.Buffer
}

func (p *scriptPort) Write(data []byte) (int, error) {
	return p.written.Write(data)
}

func (p *scriptPort) ReadByte() (byte, error) {
	if len(p.replies) == 0 {
		return 0, io.EOF
	}
	b := p.replies[0]
	p.replies = p.replies[1:]
	return b, nil
}

type simulation struct {
	link   *device.Link
	dev    *device.Device
	done   chan struct{}
	result bootloader.Outcome
	err    error
}

func startDevice(t *testing.T, mcu string) *simulation {
	t.Helper()
	m, err := protocol.LookupMCU(mcu)
	require.NoError(t, err)

	link := device.NewLink()
	dev, err := device.New(device.Config{MCU: m}, link.DeviceRx, link.DeviceTx)
	require.NoError(t, err)

	sim := &simulation{link: link, dev: dev, done: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	go func() {
		defer close(sim.done)
		defer cancel()
		sim.result, sim.err = dev.Run(ctx)
	}()
	t.Cleanup(func() {
		link.Close()
		<-sim.done
	})
	return sim
}

func (s *simulation) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("device did not finish")
	}
}

const blinkHex = ":100000000C9434000C943E000C943E000C943E0082\r\n" +
	":100010000C943E000C943E000C943E000C943E0068\r\n" +
	":0C007C008FEF84B985B1809585B9FCCF69\r\n" +
	":00000001FF\r\n"

func TestRun_RoundTripThroughSimulatedDevice(t *testing.T) {
	sim := startDevice(t, "atmega168")

	var progress []Progress
	u := New(sim.link.Host, WithProgressCallback(func(p Progress) {
		progress = append(progress, p)
	}))

	stats, err := u.Run(context.Background(), ihex.NewReader(strings.NewReader(blinkHex)))
	require.NoError(t, err)
	require.Equal(t, Stats{Records: 3, Bytes: 44}, stats)
	require.Len(t, progress, 3)
	require.Equal(t, 44, progress[2].Bytes)

	sim.wait(t)
	require.NoError(t, sim.err)
	require.Equal(t, []uint16{0x0000}, sim.dev.CPU().Jumps())
	require.True(t, sim.dev.Flash().RWWEnabled())

	img, err := image.Load(strings.NewReader(blinkHex))
	require.NoError(t, err)
	require.NoError(t, img.Verify(sim.dev.Flash().At))

	// 0x7C..0x87 spans the page boundary at 0x80
	writes := sim.dev.Flash().Writes()
	require.Len(t, writes, 4)
	require.Equal(t, uint16(0x0000), writes[2].Base)
	require.Equal(t, uint16(0x0080), writes[3].Base)
}

func TestRun_ReconstructsUnionOfRecords(t *testing.T) {
	var records []*ihex.Record
	for addr := 0x0100; addr < 0x0300; addr += 0x18 {
		data := make([]byte, 0x18)
		for i := range data {
			data[i] = byte(addr + i*7)
		}
		records = append(records, ihex.NewRecord(ihex.TypeData, uint16(addr), data))
	}
	records = append(records, ihex.NewRecord(ihex.TypeData, 0x1000, []byte{0xDE, 0xAD}))
	records = append(records, ihex.NewRecord(ihex.TypeEOF, 0, nil))

	sim := startDevice(t, "atmega88")
	_, err := New(sim.link.Host).Run(context.Background(), NewSliceSource(records))
	require.NoError(t, err)
	sim.wait(t)
	require.NoError(t, sim.err)

	require.NoError(t, image.FromRecords(records).Verify(sim.dev.Flash().At))
	require.Equal(t, byte(0xFF), sim.dev.Flash().At(0x00FF), "bytes outside the image stay erased")
}

func TestRun_DataEchoCorrupted(t *testing.T) {
	sim := startDevice(t, "atmega168")
	// replies: length, address sum, then data echoes; corrupt the second data echo
	sim.link.Host.Corrupt(func(n int, b byte) byte {
		if n == 3 {
			return b ^ 0x01
		}
		return b
	})

	_, err := New(sim.link.Host).Run(context.Background(), ihex.NewReader(strings.NewReader(blinkHex)))
	var me *EchoMismatchError
	require.ErrorAs(t, err, &me)
	require.Equal(t, StageData, me.Stage)
	require.Equal(t, 1, me.Index)
	require.Equal(t, byte(0x94), me.Expected)
	require.Equal(t, byte(0x95), me.Actual)
	require.Contains(t, err.Error(), "bad data byte #1")
}

func TestSendRecord_LengthMismatch(t *testing.T) {
	port := &scriptPort{replies: []byte{0x05}}
	rec := ihex.NewRecord(ihex.TypeData, 0x0000, []byte{1, 2, 3, 4})

	err := New(port).SendRecord(context.Background(), rec)
	var me *EchoMismatchError
	require.ErrorAs(t, err, &me)
	require.Equal(t, StageLength, me.Stage)
	require.Equal(t, byte(0x04), me.Expected)
	require.Equal(t, byte(0x05), me.Actual)
	require.Equal(t, []byte{'L', 0x04}, port.written.Bytes(), "nothing is sent after a bad echo")
}

func TestSendRecord_WireSequence(t *testing.T) {
	rec := ihex.NewRecord(ihex.TypeData, 0x1234, []byte{0xAA, 0xBB})
	port := &scriptPort{replies: []byte{0x02, 0x46, 0xAA, 0xBB, rec.Checksum}}

	require.NoError(t, New(port).SendRecord(context.Background(), rec))
	require.Equal(t, []byte{'L', 0x02, 'A', 0x12, 0x34, 'D', 0xAA, 0xBB}, port.written.Bytes())
}

func TestSendRecord_AddressMismatch(t *testing.T) {
	port := &scriptPort{replies: []byte{0x01, 0x00}}
	rec := ihex.NewRecord(ihex.TypeData, 0x0102, []byte{7})

	err := New(port).SendRecord(context.Background(), rec)
	var me *EchoMismatchError
	require.ErrorAs(t, err, &me)
	require.Equal(t, StageAddress, me.Stage)
	require.Equal(t, byte(0x03), me.Expected)
}

func TestSendRecord_ChecksumMismatch(t *testing.T) {
	rec := ihex.NewRecord(ihex.TypeData, 0x0000, []byte{7})
	port := &scriptPort{replies: []byte{0x01, 0x00, 0x07, rec.Checksum + 1}}

	err := New(port).SendRecord(context.Background(), rec)
	var me *EchoMismatchError
	require.ErrorAs(t, err, &me)
	require.Equal(t, StageChecksum, me.Stage)
	require.Equal(t, rec.Checksum, me.Expected)
}

func TestSendRecord_RejectedCommand(t *testing.T) {
	port := &scriptPort{replies: []byte{protocol.ReplyUnknown}}
	rec := ihex.NewRecord(ihex.TypeData, 0x0000, []byte{1, 2})

	err := New(port).SendRecord(context.Background(), rec)
	require.ErrorIs(t, err, ErrCommandRejected)
}

func TestSendRecord_ReadError(t *testing.T) {
	port := &scriptPort{}
	rec := ihex.NewRecord(ihex.TypeData, 0x0000, []byte{1})

	err := New(port).SendRecord(context.Background(), rec)
	require.ErrorIs(t, err, io.EOF)
	require.False(t, errors.Is(err, ErrCommandRejected))
}

func TestRun_SendsEndAfterEOFRecord(t *testing.T) {
	port := &scriptPort{}
	records := []*ihex.Record{ihex.NewRecord(ihex.TypeEOF, 0, nil)}

	stats, err := New(port).Run(context.Background(), NewSliceSource(records))
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
	require.Equal(t, []byte{'E'}, port.written.Bytes())
}

func TestRun_MissingEOFRecord(t *testing.T) {
	port := &scriptPort{}
	_, err := New(port).Run(context.Background(), NewSliceSource(nil))
	require.Error(t, err)
	require.Empty(t, port.written.Bytes(), "'E' must not be sent for a truncated image")
}

func TestRun_MalformedInputStopsBeforeSending(t *testing.T) {
	port := &scriptPort{}
	_, err := New(port).Run(context.Background(), ihex.NewReader(strings.NewReader(":0300300002337A1F\r\n")))

	var ce *ihex.ChecksumError
	require.ErrorAs(t, err, &ce)
	require.Empty(t, port.written.Bytes())
}

func TestRun_SkipsAddressRecords(t *testing.T) {
	records := []*ihex.Record{
		ihex.NewRecord(ihex.TypeExtendedLinearAddress, 0, []byte{0x00, 0x00}),
		ihex.NewRecord(ihex.TypeStartLinearAddress, 0, []byte{0, 0, 0, 0}),
		ihex.NewRecord(ihex.TypeEOF, 0, nil),
	}
	port := &scriptPort{}

	stats, err := New(port).Run(context.Background(), NewSliceSource(records))
	require.NoError(t, err)
	require.Equal(t, 2, stats.Skipped)
	require.Equal(t, []byte{'E'}, port.written.Bytes())
}

func TestRun_RejectsHighAddressRecords(t *testing.T) {
	records := []*ihex.Record{
		ihex.NewRecord(ihex.TypeExtendedLinearAddress, 0, []byte{0x00, 0x01}),
		ihex.NewRecord(ihex.TypeEOF, 0, nil),
	}
	_, err := New(&scriptPort{}).Run(context.Background(), NewSliceSource(records))
	require.ErrorIs(t, err, ErrUnsupportedRecord)
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(&scriptPort{}).Run(ctx, NewSliceSource(nil))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDataBytes(t *testing.T) {
	records, err := ihex.ReadAll(strings.NewReader(blinkHex))
	require.NoError(t, err)
	require.Equal(t, 44, DataBytes(records))
}
