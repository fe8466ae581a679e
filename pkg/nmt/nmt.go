// Package nmt implements the Network Management state machine: slave
// state tracking, the allowed-frame-class gate the process loop uses to
// route inbound frames, master command handling, and the heartbeat
// producer driven by object 0x1017.
package nmt

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

// State is an NMT operating state, encoded exactly as it appears on the
// wire in heartbeat and master command frames.
type State uint8

const (
	StateInvalid     State = 255
	StateInit        State = 0
	StatePreOp       State = 127
	StateOperational State = 5
	StateStopped     State = 4
)

var stateNames = map[State]string{
	StateInvalid:     "INVALID",
	StateInit:        "INIT",
	StatePreOp:       "PRE-OPERATIONAL",
	StateOperational: "OPERATIONAL",
	StateStopped:     "STOPPED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// FrameClass is one bit of the allowed-frame-class gate consulted by the
// node process loop before routing an inbound frame to its service.
type FrameClass uint8

const (
	ClassNMT FrameClass = 1 << iota
	ClassSDO
	ClassPDO
	ClassSYNC
	ClassEMCY
	ClassTIME
	ClassBOOT
)

var allowedByState = map[State]FrameClass{
	StateInvalid:     0,
	StateInit:        ClassBOOT,
	StatePreOp:       ClassNMT | ClassSDO | ClassSYNC | ClassEMCY | ClassTIME,
	StateOperational: ClassNMT | ClassSDO | ClassPDO | ClassSYNC | ClassEMCY | ClassTIME,
	StateStopped:     ClassNMT,
}

// Allows reports whether the given frame class is legal to process while
// in state s.
func (s State) Allows(class FrameClass) bool { return allowedByState[s]&class != 0 }

// Command is a master NMT command, broadcast or targeted at CAN id
// 0x000.
type Command uint8

const (
	CommandStart      Command = 1
	CommandStop       Command = 2
	CommandEnterPreOp Command = 128
	CommandResetNode  Command = 129
	CommandResetComm  Command = 130
)

// ResetKind distinguishes the two reset requests a master command (or a
// local call) can raise. A requested reset is surfaced once via
// PendingReset — it is a request, not an instantaneous transition.
// Node.Process does not read it, and Node.Reset takes no kind.
type ResetKind uint8

const (
	ResetNone ResetKind = iota
	ResetComm
	ResetNode
)

// Service is the per-node NMT state machine plus heartbeat producer.
type Service struct {
	logger *slog.Logger
	driver can.Driver
	wheel  *timer.Wheel
	nodeID uint8

	state       State
	bootupSent  bool
	pendingReset ResetKind

	hbTimeMs  uint32
	hbTimerID uint32
	hasTimer  bool

	stateCallbacks      []func(State)
	operationalCallback func()
}

// NewService creates an NMT service in state Init. Call Start to run the
// bootup sequence.
func NewService(nodeID uint8, wheel *timer.Wheel, driver can.Driver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger: logger.With("service", "[NMT]"),
		driver: driver,
		wheel:  wheel,
		nodeID: nodeID,
		state:  StateInit,
	}
}

// State returns the current NMT state.
func (s *Service) State() State { return s.state }

// AddStateChangeCallback registers a callback invoked on every state
// transition, including the Init->PreOp bootup transition.
func (s *Service) AddStateChangeCallback(cb func(State)) {
	s.stateCallbacks = append(s.stateCallbacks, cb)
}

// SetOperationalCallback registers the single hook invoked on a
// PreOp->Operational transition, used by the node to trigger TPDO/RPDO
// array reinitialization. Any other transition preserves PDO mapping
// state and does not invoke it.
func (s *Service) SetOperationalCallback(cb func()) { s.operationalCallback = cb }

// Start runs the Init->PreOp bootup sequence: a bootup frame (payload 0,
// distinct from the regular heartbeat payload) is sent exactly once,
// then the heartbeat producer is armed at the current 0x1017 period.
func (s *Service) Start() {
	if s.state != StateInit {
		return
	}
	if !s.bootupSent {
		s.sendBootup()
		s.bootupSent = true
	}
	s.state = StatePreOp
	s.armHeartbeat()
	s.notify(StatePreOp)
}

// Stop tears down the heartbeat timer and clears registered callbacks,
// used as part of a full node shutdown.
func (s *Service) Stop() {
	s.disarmHeartbeat()
	s.stateCallbacks = nil
	s.operationalCallback = nil
}

// HandleFrame processes an inbound master NMT command frame (CAN id
// 0x000, dlc 2): byte 0 is the command, byte 1 is the target node id (0
// broadcasts).
func (s *Service) HandleFrame(frame can.Frame) {
	if frame.ID != 0x000 || frame.DLC != 2 {
		return
	}
	target := frame.Data[1]
	if target != 0 && target != s.nodeID {
		return
	}
	s.ApplyCommand(Command(frame.Data[0]))
}

// ApplyCommand applies a master NMT command locally, regardless of
// whether it arrived over the wire or was injected by the embedder.
func (s *Service) ApplyCommand(cmd Command) {
	switch cmd {
	case CommandStart:
		s.transition(StateOperational)
	case CommandStop:
		s.transition(StateStopped)
	case CommandEnterPreOp:
		s.transition(StatePreOp)
	case CommandResetNode:
		s.pendingReset = ResetNode
	case CommandResetComm:
		s.pendingReset = ResetComm
	}
}

// PendingReset returns and clears the pending reset request raised by a
// CommandResetNode/CommandResetComm command. Node.Process never calls
// it; the embedder reads it and applies the reset itself.
func (s *Service) PendingReset() ResetKind {
	kind := s.pendingReset
	s.pendingReset = ResetNone
	return kind
}

func (s *Service) transition(next State) {
	if next == s.state {
		return
	}
	prev := s.state
	s.state = next
	s.sendHeartbeat()
	if prev == StatePreOp && next == StateOperational && s.operationalCallback != nil {
		s.operationalCallback()
	}
	s.notify(next)
}

func (s *Service) notify(state State) {
	for _, cb := range s.stateCallbacks {
		cb(state)
	}
}

// SetHeartbeatTime sets object 0x1017: the producer heartbeat interval
// in milliseconds. Zero disables production; any other write deletes
// the existing timer and, if nonzero, arms a new periodic one.
func (s *Service) SetHeartbeatTime(ms uint32) {
	s.hbTimeMs = ms
	s.armHeartbeat()
}

// TicksPerMs is the node's shared timer wheel resolution: one tick is
// 100 microseconds, matching the SYNC service's minimum-resolution
// requirement (§4.5), so every subsystem sharing the wheel converts its
// own wire units (milliseconds here) to ticks the same way.
const TicksPerMs = 10

func (s *Service) armHeartbeat() {
	s.disarmHeartbeat()
	if s.hbTimeMs == 0 || s.wheel == nil {
		return
	}
	ticks := s.hbTimeMs * TicksPerMs
	id, err := s.wheel.Create(ticks, ticks, func(any) { s.heartbeatTimeout() }, nil)
	if err != nil {
		s.logger.Warn("failed to arm heartbeat timer", "error", err)
		return
	}
	s.hbTimerID = id
	s.hasTimer = true
}

func (s *Service) disarmHeartbeat() {
	if s.hasTimer {
		_ = s.wheel.Delete(s.hbTimerID)
		s.hasTimer = false
	}
}

func (s *Service) heartbeatTimeout() {
	s.sendHeartbeat()
}

func (s *Service) sendHeartbeat() {
	if s.driver == nil {
		return
	}
	frame := can.NewFrame(0x700+uint16(s.nodeID), 1)
	frame.Data[0] = byte(s.state)
	if err := s.driver.Send(frame); err != nil {
		s.logger.Warn("heartbeat send failed", "error", err)
	}
}

func (s *Service) sendBootup() {
	if s.driver == nil {
		return
	}
	frame := can.NewFrame(0x700+uint16(s.nodeID), 1)
	frame.Data[0] = 0
	if err := s.driver.Send(frame); err != nil {
		s.logger.Warn("bootup send failed", "error", err)
	}
}

// TypeHbProducerTime implements object 0x1017, the producer heartbeat
// time in milliseconds.
var TypeHbProducerTime = &od.TypeVTable{
	Name: "HB_PROD",
	Size: func(e *od.Entry, host od.Host) (int, error) { return 2, nil },
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		s, ok := e.Data.Ref.(*Service)
		if !ok {
			return 0, od.ErrTypeRead
		}
		dst[0], dst[1] = byte(s.hbTimeMs), byte(s.hbTimeMs>>8)
		return 2, nil
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		s, ok := e.Data.Ref.(*Service)
		if !ok {
			return od.ErrTypeWrite
		}
		ms := uint32(src[0]) | uint32(src[1])<<8
		s.SetHeartbeatTime(ms)
		return nil
	},
}
