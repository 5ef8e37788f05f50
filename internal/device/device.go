// Package device simulates an MCU running the bootloader: flash memory, a
// UART attached to a byte stream, a watchdog and the processor state the
// bootloader saves and restores.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bigbag/hexboot/internal/bootloader"
	"github.com/bigbag/hexboot/internal/logging"
	"github.com/bigbag/hexboot/internal/protocol"
)

// ErrTooManyResets is returned when the watchdog reset limit is reached.
var ErrTooManyResets = errors.New("too many watchdog resets")

// Config holds the simulator configuration.
type Config struct {
	MCU            protocol.MCU
	WatchdogPeriod time.Duration
	// MaxResets stops the simulation after this many watchdog resets. Zero
	// means no limit.
	MaxResets int
	Logger    log.FieldLogger
}

// Device is a simulated MCU.
type Device struct {
	config   Config
	flash    *Memory
	uart     *StreamUART
	watchdog *TimerWatchdog
	cpu      *CPU
	log      log.FieldLogger

	resets atomic.Int32
}

// New creates a device whose UART receives from rx and transmits to tx.
func New(cfg Config, rx io.Reader, tx io.Writer) (*Device, error) {
	if cfg.MCU.Name == "" {
		mcu, err := protocol.LookupMCU(protocol.DefaultMCU)
		if err != nil {
			return nil, err
		}
		cfg.MCU = mcu
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	flash, err := NewMemory(cfg.MCU.FlashSize(), cfg.MCU.PageSize)
	if err != nil {
		return nil, err
	}

	d := &Device{
		config:   cfg,
		flash:    flash,
		uart:     NewStreamUART(rx, tx),
		watchdog: NewTimerWatchdog(cfg.WatchdogPeriod),
		cpu:      NewCPU(cfg.MCU.RAMEnd),
		log:      cfg.Logger.WithField("mcu", cfg.MCU.Name),
	}
	d.uart.watch(d.watchdog.Expired)
	return d, nil
}

// Flash returns the simulated program memory.
func (d *Device) Flash() *Memory {
	return d.flash
}

// CPU returns the simulated processor state.
func (d *Device) CPU() *CPU {
	return d.cpu
}

// Resets returns how many watchdog resets have happened.
func (d *Device) Resets() int {
	return int(d.resets.Load())
}

// Run boots the bootloader and restarts it after every watchdog reset. It
// returns when the bootloader hands over to the application, recording the
// jump on the CPU.
func (d *Device) Run(ctx context.Context) (bootloader.Outcome, error) {
	for {
		sess, err := bootloader.New(d.uart, d.flash,
			bootloader.WithPageSize(d.config.MCU.PageSize),
			bootloader.WithWatchdog(d.watchdog),
			bootloader.WithCPU(d.cpu),
			bootloader.WithEntry(protocol.DefaultEntryAddress),
			bootloader.WithLogger(d.log),
		)
		if err != nil {
			return bootloader.Outcome{}, err
		}

		outcome, err := sess.Run(ctx)
		if errors.Is(err, bootloader.ErrReset) {
			d.cpu.Reset()
			n := int(d.resets.Add(1))
			d.log.WithField("resets", n).Warn("watchdog reset")
			if d.config.MaxResets > 0 && n >= d.config.MaxResets {
				return bootloader.Outcome{}, fmt.Errorf("%w (%d)", ErrTooManyResets, n)
			}
			continue
		}
		if err != nil {
			return bootloader.Outcome{}, err
		}

		d.cpu.Jump(outcome.Entry)
		d.log.WithFields(log.Fields{
			"entry":    fmt.Sprintf("0x%04X", outcome.Entry),
			"commands": outcome.Commands,
			"pages":    outcome.Pages,
		}).Info("jumped to application")
		return outcome, nil
	}
}
