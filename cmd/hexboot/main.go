package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/hexboot/internal/detect"
	"github.com/bigbag/hexboot/internal/ihex"
	"github.com/bigbag/hexboot/internal/image"
	"github.com/bigbag/hexboot/internal/logging"
	"github.com/bigbag/hexboot/internal/protocol"
	"github.com/bigbag/hexboot/internal/serial"
	"github.com/bigbag/hexboot/internal/uploader"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serialFlags holds the line settings of one command.
type serialFlags struct {
	port     string
	baud     int
	dataBits int
	parity   string
	stopBits int
	timeout  time.Duration
}

var (
	uploadSerial serialFlags
	infoSerial   serialFlags

	verboseFlag  bool
	probeFlag    bool
	bareLFFlag   bool
	mcuFlag      string
	watchdogFlag time.Duration
	bootSizeFlag int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hexboot",
		Short: "Upload Intel HEX images to an AVR serial bootloader",
		Long: `hexboot uploads Intel HEX application images to a microcontroller
running the hexboot serial bootloader.

Every byte sent is echoed by the device and every record is confirmed
with a checksum, so a bad line is detected before the application starts.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose logging")

	uploadCmd := &cobra.Command{
		Use:   "upload <file.hex>",
		Short: "Upload an image to the device",
		Long: `Upload an Intel HEX image over the serial port.

The file is parsed completely before anything is sent. After the end of
file record the device is told to start the application.

Use --port auto to probe every serial port for a bootloader.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}
	uploadSerial.register(uploadCmd, protocol.DefaultPort)
	uploadCmd.Flags().BoolVar(&probeFlag, "probe", true, "Probe for the bootloader before uploading")
	uploadCmd.Flags().BoolVar(&bareLFFlag, "allow-lf", false, "Accept records terminated by a bare LF")

	inspectCmd := &cobra.Command{
		Use:   "inspect <file.hex>",
		Short: "Show the records and memory segments of an image",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().BoolVar(&bareLFFlag, "allow-lf", false, "Accept records terminated by a bare LF")

	simulateCmd := &cobra.Command{
		Use:   "simulate [file.hex]",
		Short: "Upload an image to a simulated device",
		Long: `Run the bootloader on a simulated MCU and upload an image to it over an
in-process serial link, then compare the simulated flash with the image.

Without a file the bundled blink image is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSimulate,
	}
	simulateCmd.Flags().StringVar(&mcuFlag, "mcu", protocol.DefaultMCU, fmt.Sprintf("Target MCU %v", protocol.MCUNames()))
	simulateCmd.Flags().DurationVar(&watchdogFlag, "watchdog", 0, "Watchdog period (default 8s)")
	simulateCmd.Flags().IntVar(&bootSizeFlag, "boot-size", 1024, "Bootloader section size in bytes")
	simulateCmd.Flags().BoolVar(&bareLFFlag, "allow-lf", false, "Accept records terminated by a bare LF")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Probe serial ports for a bootloader",
		RunE:  runInfo,
	}
	infoSerial.register(infoCmd, "")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hexboot %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(uploadCmd, inspectCmd, simulateCmd, infoCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (f *serialFlags) register(cmd *cobra.Command, defaultPort string) {
	cmd.Flags().StringVarP(&f.port, "port", "p", defaultPort, "Serial port, or auto to detect")
	cmd.Flags().IntVarP(&f.baud, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	cmd.Flags().IntVar(&f.dataBits, "data-bits", protocol.DefaultDataBits, "Data bits")
	cmd.Flags().StringVar(&f.parity, "parity", protocol.DefaultParity, "Parity (none, odd, even)")
	cmd.Flags().IntVar(&f.stopBits, "stop-bits", protocol.DefaultStopBits, "Stop bits (1 or 2)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", serial.DefaultReadTimeout, "Reply timeout per byte")
}

func (f *serialFlags) config() serial.Config {
	return serial.Config{
		Port:        f.port,
		BaudRate:    f.baud,
		DataBits:    f.dataBits,
		Parity:      f.parity,
		StopBits:    f.stopBits,
		ReadTimeout: f.timeout,
	}
}

// autoPort reports whether the port should be found by probing.
func autoPort(name string) bool {
	return name == "" || name == "auto"
}

// lineFormat renders settings in the usual 8O1 notation.
func lineFormat(cfg serial.Config) string {
	parity := "N"
	if cfg.Parity != "" {
		parity = strings.ToUpper(cfg.Parity[:1])
	}
	return fmt.Sprintf("%d%s%d", cfg.DataBits, parity, cfg.StopBits)
}

func readerOptions() []ihex.ReaderOption {
	if bareLFFlag {
		return []ihex.ReaderOption{ihex.AllowBareLF()}
	}
	return nil
}

func readImage(path string) ([]*ihex.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	records, err := ihex.ReadAll(f, readerOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func runUpload(cmd *cobra.Command, args []string) error {
	logger := logging.New(os.Stderr, verboseFlag)
	imagePath := args[0]

	records, err := readImage(imagePath)
	if err != nil {
		return err
	}
	total := uploader.DataBytes(records)
	fmt.Printf("Image: %s (%d records, %d bytes)\n", imagePath, len(records), total)

	cfg := uploadSerial.config()
	if autoPort(cfg.Port) {
		fmt.Println("Detecting bootloader...")
		result, err := detect.DetectDevice(cfg)
		if err != nil {
			return fmt.Errorf("device detection failed: %w", err)
		}
		cfg.Port = result.Port
		fmt.Printf("Found bootloader on %s\n", result.Port)
	}

	port, err := serial.Open(cfg)
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud, %s\n", cfg.Port, cfg.BaudRate, lineFormat(cfg))

	if err := port.Flush(); err != nil {
		logger.WithError(err).Warn("failed to flush input")
	}
	if probeFlag {
		if _, err := detect.Probe(port, detect.DefaultAttempts); err != nil {
			return fmt.Errorf("bootloader not responding: %w", err)
		}
		logger.Debug("bootloader answered probe")
	}

	bar := newProgressBar(total, "Uploading")
	up := uploader.New(port,
		uploader.WithLogger(logger.WithField("port", cfg.Port)),
		uploader.WithProgressCallback(func(p uploader.Progress) {
			bar.Set(p.Bytes)
		}),
	)

	ctx, cancel := signalContext()
	defer cancel()

	stats, err := up.Run(ctx, uploader.NewSliceSource(records))
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	bar.Finish()

	fmt.Printf("\nUploaded %d records (%d bytes", stats.Records, stats.Bytes)
	if stats.Skipped > 0 {
		fmt.Printf(", %d skipped", stats.Skipped)
	}
	fmt.Println(")")
	fmt.Println("Application started")
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	records, err := readImage(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Records (%d):\n", len(records))
	for i, rec := range records {
		fmt.Printf("  %4d  %-26s 0x%04X  %3d bytes  checksum 0x%02X\n",
			i+1, ihex.TypeName(rec.Type), rec.Address, rec.Length, rec.Checksum)
	}

	img := image.FromRecords(records)
	printSegments(img)

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	loaded, err := image.Load(f)
	if err != nil {
		return fmt.Errorf("cross-check parse failed: %w", err)
	}
	if loaded.Size() != img.Size() {
		return fmt.Errorf("cross-check parse found %d bytes, record parser %d", loaded.Size(), img.Size())
	}
	err = loaded.Verify(func(addr uint16) byte {
		b, _ := img.At(addr)
		return b
	})
	if err != nil {
		return fmt.Errorf("cross-check parse disagrees with record parser: %w", err)
	}
	fmt.Println("Cross-check: OK")
	return nil
}

func printSegments(img *image.Image) {
	segs := img.Segments()
	fmt.Printf("Segments (%d, %d bytes):\n", len(segs), img.Size())
	for _, s := range segs {
		fmt.Printf("  0x%04X-0x%04X  %5d bytes  crc16 0x%04X\n", s.Address, s.End()-1, len(s.Data), s.CRC())
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg := infoSerial.config()
	if !autoPort(cfg.Port) {
		result, err := detect.DetectOnPort(cfg)
		if err != nil {
			return fmt.Errorf("failed to detect bootloader on %s: %w", cfg.Port, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for bootloaders...")
	devices, err := detect.ListDevices(cfg)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No bootloader found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Probes:   %d\n", d.Attempts)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListDetailed()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("  %s  (USB %s:%s %s)\n", p.Name, p.VID, p.PID, p.Product)
			continue
		}
		fmt.Printf("  %s\n", p.Name)
	}

	return nil
}
