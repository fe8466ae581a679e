// Package sync implements the SYNC service (CiA 301 §7.2.7): a network
// time reference that is both a consumer (driving synchronous PDO
// scheduling) and a producer (periodic, timer-resolution-checked frame
// emission).
package sync

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

// TickUnit is the resolution SYNC timing is expressed in: 100 microsecond
// units, matching object 0x1006's wire encoding once divided down.
const TickUnit = 100 // microseconds per wheel tick for this service

// Service is the SYNC producer/consumer. It owns no dictionary state
// directly: objects 0x1005/0x1006 are wired to it through the SYNC_ID and
// SYNC_CYCLE type vtables below.
type Service struct {
	logger *slog.Logger
	wheel  *timer.Wheel
	driver can.Driver

	producing bool
	cobID     uint16
	cycleUs   uint32
	timerID   uint32
	hasTimer  bool
	overflow  uint8
	counter   uint8

	onSync []func(counter uint8)
}

// NewService creates a SYNC service bound to the node's shared timer
// wheel and CAN driver. The driver is needed up front because object
// 0x1005/0x1006 writes can re-activate production without the node
// process loop being involved.
func NewService(wheel *timer.Wheel, driver can.Driver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger.With("service", "[SYNC]"), wheel: wheel, driver: driver, cobID: 0x80}
}

// RegisterConsumer adds a callback invoked on every successfully received
// (or produced) SYNC with the post-increment counter value. The TPDO
// engine uses this to drive its N-th-SYNC transmission and the RPDO
// engine to flush synchronous receive buffers.
func (s *Service) RegisterConsumer(cb func(counter uint8)) {
	s.onSync = append(s.onSync, cb)
}

// SetCounterOverflow sets object 0x1019; 0 means the SYNC frame carries
// no counter byte (dlc 0).
func (s *Service) SetCounterOverflow(overflow uint8) { s.overflow = overflow }

// Activate arms the periodic production timer. It fails with ErrSyncRes
// if cycleUs can't be resolved to a nonzero tick count at this wheel's
// 100us granularity, per §4.5.
func (s *Service) Activate() error {
	if err := s.activateLocked(); err != nil {
		return err
	}
	s.producing = true
	return nil
}

// activateLocked (re)arms the production timer at the current cycleUs
// and sets the producing flag; the object 0x1005/0x1006 write handlers
// call this directly. A cycle below one tick fails with ErrSyncRes
// before any running timer is touched.
func (s *Service) activateLocked() error {
	ticks := s.cycleUs / TickUnit
	if ticks == 0 {
		return od.ErrSyncRes
	}
	if s.hasTimer {
		_ = s.wheel.Delete(s.timerID)
		s.hasTimer = false
	}
	id, err := s.wheel.Create(ticks, ticks, func(any) { s.transmit() }, nil)
	if err != nil {
		return od.ErrTmrCreate
	}
	s.timerID = id
	s.hasTimer = true
	s.producing = true
	return nil
}

// Deactivate tears down the production timer, if armed.
func (s *Service) Deactivate() {
	if s.hasTimer {
		_ = s.wheel.Delete(s.timerID)
		s.hasTimer = false
	}
	s.producing = false
}

func (s *Service) transmit() {
	s.counter++
	if s.overflow != 0 && s.counter > s.overflow {
		s.counter = 1
	}
	dlc := uint8(0)
	if s.overflow != 0 {
		dlc = 1
	}
	frame := can.NewFrame(s.cobID, dlc)
	if dlc == 1 {
		frame.Data[0] = s.counter
	}
	if err := s.driver.Send(frame); err != nil {
		s.logger.Warn("SYNC transmit failed", "error", err)
		return
	}
	s.fanOut()
}

// HandleFrame consumes an inbound SYNC frame. It must only be called
// after the node process loop has classified the frame as SYNC and the
// current NMT state allows it.
func (s *Service) HandleFrame(frame can.Frame) {
	if s.overflow == 0 {
		if frame.DLC != 0 {
			return
		}
	} else {
		if frame.DLC != 1 {
			return
		}
		s.counter = frame.Data[0]
	}
	s.fanOut()
}

func (s *Service) fanOut() {
	for _, cb := range s.onSync {
		cb(s.counter)
	}
}

// Producing reports whether the production timer is currently armed.
func (s *Service) Producing() bool { return s.producing }

// CobID returns the identifier SYNC frames are expected on, letting the
// node process loop classify an inbound frame as SYNC before calling
// HandleFrame.
func (s *Service) CobID() uint16 { return s.cobID }
