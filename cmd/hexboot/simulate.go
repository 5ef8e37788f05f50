package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigbag/hexboot/embedded"
	"github.com/bigbag/hexboot/internal/device"
	"github.com/bigbag/hexboot/internal/ihex"
	"github.com/bigbag/hexboot/internal/image"
	"github.com/bigbag/hexboot/internal/logging"
	"github.com/bigbag/hexboot/internal/protocol"
	"github.com/bigbag/hexboot/internal/uploader"
)

// checkFits rejects images that reach into the bootloader section.
func checkFits(img *image.Image, mcu protocol.MCU, bootSize int) error {
	bootStart, err := mcu.BootStart(bootSize)
	if err != nil {
		return err
	}
	for _, s := range img.Segments() {
		if s.End() > int(bootStart) {
			return fmt.Errorf("segment 0x%04X-0x%04X overlaps the boot section at 0x%04X on %s",
				s.Address, s.End()-1, bootStart, mcu.Name)
		}
	}
	return nil
}

func loadSimulationImage(args []string) (string, []byte, error) {
	if len(args) == 0 {
		return embedded.BlinkName, embedded.Blink(), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", nil, fmt.Errorf("failed to read image: %w", err)
	}
	return args[0], data, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger := logging.New(os.Stderr, verboseFlag)

	mcu, err := protocol.LookupMCU(mcuFlag)
	if err != nil {
		return err
	}

	name, data, err := loadSimulationImage(args)
	if err != nil {
		return err
	}
	records, err := ihex.ReadAll(bytes.NewReader(data), readerOptions()...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	img := image.FromRecords(records)
	if err := checkFits(img, mcu, bootSizeFlag); err != nil {
		return err
	}

	fmt.Printf("Image: %s (%d records, %d bytes)\n", name, len(records), img.Size())
	fmt.Printf("Target: simulated %s, %d byte flash, %d byte pages\n", mcu.Name, mcu.FlashSize(), mcu.PageSize)

	link := device.NewLink()
	defer link.Close()

	dev, err := device.New(device.Config{
		MCU:            mcu,
		WatchdogPeriod: watchdogFlag,
		Logger:         logger.WithField("side", "device"),
	}, link.DeviceRx, link.DeviceTx)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	devDone := make(chan error, 1)
	go func() {
		_, err := dev.Run(ctx)
		devDone <- err
	}()

	bar := newProgressBar(uploader.DataBytes(records), "Uploading")
	up := uploader.New(link.Host,
		uploader.WithLogger(logger.WithField("side", "host")),
		uploader.WithProgressCallback(func(p uploader.Progress) {
			bar.Set(p.Bytes)
		}),
	)

	stats, err := up.Run(ctx, uploader.NewSliceSource(records))
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	bar.Finish()

	if err := <-devDone; err != nil {
		return fmt.Errorf("device failed: %w", err)
	}

	fmt.Printf("\nUploaded %d records (%d bytes), %d page writes, %d watchdog resets\n",
		stats.Records, stats.Bytes, len(dev.Flash().Writes()), dev.Resets())

	if err := img.Verify(dev.Flash().At); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	printSegments(img)
	fmt.Printf("Verify: OK, application started at 0x%04X\n", dev.CPU().Jumps()[0])
	return nil
}
