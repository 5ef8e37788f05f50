// Package bootloader implements the device side of the upload protocol: a
// command interpreter that receives records over a UART and programs them
// into flash one page at a time.
//
// The session never transfers control itself. When the host sends the end
// command, Run returns an Outcome naming the application entry point and the
// caller performs the jump.
package bootloader

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/bigbag/hexboot/internal/protocol"
)

// ErrReset is returned when the watchdog expired and the MCU would have
// reset. Flushed pages are kept; the page being assembled is lost.
var ErrReset = errors.New("watchdog reset")

// ErrStopped is returned by Step once control has been handed to the
// application.
var ErrStopped = errors.New("bootloader stopped")

// UART is the device serial port. Receive blocks until a byte arrives.
type UART interface {
	ReceiveReady() bool
	Receive() (byte, error)
	Transmit(b byte) error
}

// Watchdog resets the MCU when it is not kicked within its period.
type Watchdog interface {
	Enable()
	Reset()
	Disable()
	// Expired reports whether the period elapsed without a Reset.
	Expired() bool
}

// CPUState is the processor state saved on entry and restored on handover.
type CPUState struct {
	Status       byte
	StackPointer uint16
}

// CPU gives access to processor state.
type CPU interface {
	Save() CPUState
	Restore(CPUState)
}

// State is the command interpreter state.
type State int

const (
	StateAwaitCommand State = iota
	StateRunApplication
)

func (s State) String() string {
	switch s {
	case StateAwaitCommand:
		return "await-command"
	case StateRunApplication:
		return "run-application"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is returned when the session hands over to the application.
type Outcome struct {
	Entry    uint16
	Commands int
	Pages    int
}

// SessionState is the per-upload protocol state.
type SessionState struct {
	CRC     byte
	Address uint16
	Length  byte
}

// Session runs one bootloader invocation, from entry until handover or reset.
type Session struct {
	uart   UART
	writer *FlashWriter
	config Config
	log    log.FieldLogger

	page  FlashPage
	regs  SessionState
	state State
	saved CPUState

	armed    bool
	commands int
	pages    int
}

// New creates a session over the given UART and flash.
func New(uart UART, flash Flash, opts ...Option) (*Session, error) {
	if uart == nil {
		return nil, fmt.Errorf("uart cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	writer, err := NewFlashWriter(flash, cfg.PageSize)
	if err != nil {
		return nil, err
	}

	return &Session{
		uart:   uart,
		writer: writer,
		config: cfg,
		log:    cfg.Logger,
		page:   writer.NewPage(),
	}, nil
}

// State returns the interpreter state.
func (s *Session) State() State {
	return s.state
}

// Registers returns a copy of the protocol state.
func (s *Session) Registers() SessionState {
	return s.regs
}

// Run saves processor state, arms the watchdog and services commands until
// the end command arrives. It returns ErrReset if the watchdog expires and
// ctx.Err() if the context is cancelled.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	s.arm()

	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if s.config.Watchdog.Expired() {
			s.log.Warn("watchdog expired, resetting")
			return Outcome{}, ErrReset
		}
		if !s.uart.ReceiveReady() {
			continue
		}

		state, err := s.Step()
		if err != nil {
			return Outcome{}, err
		}
		if state == StateRunApplication {
			return Outcome{
				Entry:    s.config.Entry,
				Commands: s.commands,
				Pages:    s.pages,
			}, nil
		}
	}
}

func (s *Session) arm() {
	if s.armed {
		return
	}
	s.armed = true
	s.saved = s.config.CPU.Save()
	s.regs.CRC = 0
	s.config.Watchdog.Enable()
	s.log.WithField("page_size", s.writer.PageSize()).Debug("bootloader ready")
}

// Step receives one command byte and services it.
func (s *Session) Step() (State, error) {
	if s.state == StateRunApplication {
		return s.state, ErrStopped
	}
	s.arm()

	cmd, err := s.uart.Receive()
	if err != nil {
		return s.state, fmt.Errorf("receive command: %w", err)
	}

	switch cmd {
	case protocol.CmdAddress:
		err = s.setAddress()
	case protocol.CmdLength:
		err = s.setLength()
	case protocol.CmdData:
		err = s.writeData()
	case protocol.CmdEnd:
		err = s.startApplication()
	default:
		s.log.WithField("byte", fmt.Sprintf("0x%02X", cmd)).Debug("unknown command")
		s.regs.CRC = 0
		err = s.uart.Transmit(protocol.ReplyUnknown)
	}
	if err != nil {
		return s.state, fmt.Errorf("%s command: %w", protocol.CommandName(cmd), err)
	}

	if protocol.IsCommand(cmd) {
		s.commands++
	}
	return s.state, nil
}

func (s *Session) setAddress() error {
	hi, err := s.uart.Receive()
	if err != nil {
		return err
	}
	s.regs.CRC += hi

	lo, err := s.uart.Receive()
	if err != nil {
		return err
	}
	s.regs.CRC += lo

	s.regs.Address = uint16(hi)<<8 | uint16(lo)
	if err := s.uart.Transmit(protocol.AddressSum(s.regs.Address)); err != nil {
		return err
	}
	s.config.Watchdog.Reset()
	return nil
}

func (s *Session) setLength() error {
	n, err := s.uart.Receive()
	if err != nil {
		return err
	}
	s.regs.Length = n
	s.regs.CRC += n

	if err := s.uart.Transmit(n); err != nil {
		return err
	}
	s.config.Watchdog.Reset()
	return nil
}

// writeData receives Length bytes for consecutive addresses starting at
// Address, flushing each page as the address leaves it and the last page
// after the final byte.
func (s *Session) writeData() error {
	pageSize := s.writer.PageSize()
	addr := s.regs.Address

	if err := s.writer.Load(&s.page, protocol.PageBase(addr, pageSize)); err != nil {
		return err
	}

	for i := 0; i < int(s.regs.Length); i, addr = i+1, addr+1 {
		if base := protocol.PageBase(addr, pageSize); base != s.page.Base {
			if err := s.flush(); err != nil {
				return err
			}
			if err := s.writer.Load(&s.page, base); err != nil {
				return err
			}
		}

		b, err := s.uart.Receive()
		if err != nil {
			return err
		}
		s.page.Buf[protocol.PageOffset(addr, pageSize)] = b
		s.regs.CRC += b

		if err := s.uart.Transmit(b); err != nil {
			return err
		}
		s.config.Watchdog.Reset()
	}

	if err := s.flush(); err != nil {
		return err
	}

	sum := s.regs.CRC
	s.regs.CRC = 0
	if err := s.uart.Transmit(protocol.Checksum(sum)); err != nil {
		return err
	}
	s.config.Watchdog.Reset()
	return nil
}

func (s *Session) flush() error {
	if err := s.writer.Flush(&s.page); err != nil {
		return err
	}
	s.pages++
	s.log.WithField("page", fmt.Sprintf("0x%04X", s.page.Base)).Debug("page written")
	return nil
}

func (s *Session) startApplication() error {
	s.config.CPU.Restore(s.saved)
	if err := s.writer.flash.EnableRWW(); err != nil {
		return fmt.Errorf("enable RWW section: %w", err)
	}
	s.config.Watchdog.Disable()
	s.state = StateRunApplication
	s.log.WithField("entry", fmt.Sprintf("0x%04X", s.config.Entry)).Info("starting application")
	return nil
}
