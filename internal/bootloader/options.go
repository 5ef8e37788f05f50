package bootloader

import (
	log "github.com/sirupsen/logrus"

	"github.com/bigbag/hexboot/internal/logging"
	"github.com/bigbag/hexboot/internal/protocol"
)

// Config holds the session configuration.
type Config struct {
	// PageSize is the flash page size in bytes, a power of two.
	PageSize int

	// Entry is the application reset vector reported on handover.
	Entry uint16

	// Watchdog guards liveness. Defaults to one that never fires.
	Watchdog Watchdog

	// CPU saves and restores processor state around the session.
	CPU CPU

	Logger log.FieldLogger
}

func defaultConfig() Config {
	return Config{
		PageSize: 128,
		Entry:    protocol.DefaultEntryAddress,
		Watchdog: nopWatchdog{},
		CPU:      nopCPU{},
		Logger:   logging.Discard(),
	}
}

// Option is a functional option for configuring a Session.
type Option func(*Config)

// WithPageSize sets the flash page size.
func WithPageSize(size int) Option {
	return func(c *Config) {
		c.PageSize = size
	}
}

// WithEntry sets the application entry address.
func WithEntry(addr uint16) Option {
	return func(c *Config) {
		c.Entry = addr
	}
}

// WithWatchdog sets the liveness watchdog.
func WithWatchdog(wd Watchdog) Option {
	return func(c *Config) {
		if wd != nil {
			c.Watchdog = wd
		}
	}
}

// WithCPU sets the processor state collaborator.
func WithCPU(cpu CPU) Option {
	return func(c *Config) {
		if cpu != nil {
			c.CPU = cpu
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

type nopWatchdog struct{}

func (nopWatchdog) Enable()       {}
func (nopWatchdog) Reset()        {}
func (nopWatchdog) Disable()      {}
func (nopWatchdog) Expired() bool { return false }

type nopCPU struct{}

func (nopCPU) Save() CPUState   { return CPUState{} }
func (nopCPU) Restore(CPUState) {}
