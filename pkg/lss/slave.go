// Package lss implements the slave side of the Layer Setting Service
// (CiA 305): remote node-id and identity-based addressing, handled
// synchronously inside the node process loop like every other service
// in this module (§5, no suspension points).
package lss

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
)

// Reserved LSS COB-IDs (CiA 305).
const (
	CobIDMaster uint16 = 0x7E5
	CobIDSlave  uint16 = 0x7E4
)

// Command is the first byte of every LSS frame.
type Command uint8

const (
	CmdSwitchGlobal            Command = 4
	CmdSwitchSelectiveVendor   Command = 64
	CmdSwitchSelectiveProduct  Command = 65
	CmdSwitchSelectiveRevision Command = 66
	CmdSwitchSelectiveSerial   Command = 67
	CmdSwitchSelectiveResult   Command = 68

	CmdConfigureNodeID    Command = 17
	CmdConfigureBitTiming Command = 19
	CmdConfigureActivate  Command = 21
	CmdConfigureStore     Command = 23

	CmdInquireVendor   Command = 90
	CmdInquireProduct  Command = 91
	CmdInquireRevision Command = 92
	CmdInquireSerial   Command = 93
	CmdInquireNodeID   Command = 94
)

// Mode is the switch-state-global argument.
type Mode uint8

const (
	ModeWaiting       Mode = 0
	ModeConfiguration Mode = 1
)

const (
	ConfigNodeIDOk         = 0
	ConfigNodeIDOutOfRange = 1
)

// NodeIDUnconfigured marks a node that has not yet been assigned an id.
const NodeIDUnconfigured = 0xFF

// State is the slave's LSS mode.
type State uint8

const (
	StateWaiting State = iota
	StateConfiguration
)

func (s State) String() string {
	if s == StateConfiguration {
		return "CONFIGURATION"
	}
	return "WAITING"
}

// Address uniquely identifies a node for selective switching, built from
// the identity object (0x1018): vendor id, product code, revision, and
// serial number.
type Address struct {
	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// Slave implements the addressable, selectively-switchable LSS slave.
type Slave struct {
	logger *slog.Logger
	driver can.Driver

	address Address
	switchAddr Address

	state         State
	activeNodeID  uint8
	pendingNodeID uint8
}

// NewSlave creates an LSS slave in state Waiting, identified by address
// and carrying the node's currently configured (or unconfigured) node
// id.
func NewSlave(address Address, nodeID uint8, driver can.Driver, logger *slog.Logger) *Slave {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slave{
		logger:        logger.With("service", "[LSS]"),
		driver:        driver,
		address:       address,
		state:         StateWaiting,
		activeNodeID:  nodeID,
		pendingNodeID: nodeID,
	}
}

// State returns the slave's current LSS mode.
func (s *Slave) State() State { return s.state }

// PendingNodeID returns the last node id accepted via
// CmdConfigureNodeID. Nothing in this module copies it into
// ActiveNodeID: Node.Reset leaves the slave and the node id unchanged.
func (s *Slave) PendingNodeID() uint8 { return s.pendingNodeID }

// ActiveNodeID returns the node id currently in effect on the bus.
func (s *Slave) ActiveNodeID() uint8 { return s.activeNodeID }

// HandleFrame consumes an inbound LSS master frame (cob-id 0x7E5, dlc
// 8), replying synchronously on cob-id 0x7E4 when the protocol calls
// for a response. Reports whether the frame was LSS traffic.
func (s *Slave) HandleFrame(frame can.Frame) bool {
	if frame.ID != CobIDMaster || frame.DLC != 8 {
		return false
	}
	cmd := Command(frame.Data[0])

	switch {
	case cmd == CmdSwitchGlobal || (cmd >= CmdSwitchSelectiveVendor && cmd <= CmdSwitchSelectiveResult):
		s.handleSwitch(cmd, frame.Data)
	case s.state == StateConfiguration && cmd >= CmdConfigureNodeID && cmd <= CmdConfigureStore:
		s.handleConfigure(cmd, frame.Data)
	case s.state == StateConfiguration && cmd >= CmdInquireVendor && cmd <= CmdInquireNodeID:
		s.handleInquire(cmd)
	default:
		s.logger.Debug("unhandled LSS command in current state", "cmd", cmd, "state", s.state)
	}
	return true
}

func (s *Slave) handleSwitch(cmd Command, data [8]byte) {
	switch cmd {
	case CmdSwitchGlobal:
		switch Mode(data[1]) {
		case ModeWaiting:
			s.state = StateWaiting
		case ModeConfiguration:
			s.state = StateConfiguration
		default:
			s.logger.Warn("unknown switch-state-global mode", "mode", data[1])
		}
	case CmdSwitchSelectiveVendor:
		s.switchAddr.VendorID = leUint32(data[1:5])
	case CmdSwitchSelectiveProduct:
		s.switchAddr.ProductCode = leUint32(data[1:5])
	case CmdSwitchSelectiveRevision:
		s.switchAddr.RevisionNumber = leUint32(data[1:5])
	case CmdSwitchSelectiveSerial:
		s.switchAddr.SerialNumber = leUint32(data[1:5])
		if s.switchAddr == s.address {
			s.state = StateConfiguration
			s.send(byte(CmdSwitchSelectiveResult))
		}
	}
}

func (s *Slave) handleConfigure(cmd Command, data [8]byte) {
	switch cmd {
	case CmdConfigureNodeID:
		nodeID := data[1]
		if !(nodeID >= 1 && nodeID <= 0x7F) && nodeID != NodeIDUnconfigured {
			s.sendConfig(cmd, ConfigNodeIDOutOfRange)
			return
		}
		s.pendingNodeID = nodeID
		s.sendConfig(cmd, ConfigNodeIDOk)
	case CmdConfigureBitTiming, CmdConfigureActivate, CmdConfigureStore:
		s.logger.Debug("unsupported LSS configuration command", "cmd", cmd)
	}
}

func (s *Slave) handleInquire(cmd Command) {
	var resp [8]byte
	resp[0] = byte(cmd)
	switch cmd {
	case CmdInquireVendor:
		putLE32(resp[1:5], s.address.VendorID)
	case CmdInquireProduct:
		putLE32(resp[1:5], s.address.ProductCode)
	case CmdInquireRevision:
		putLE32(resp[1:5], s.address.RevisionNumber)
	case CmdInquireSerial:
		putLE32(resp[1:5], s.address.SerialNumber)
	case CmdInquireNodeID:
		resp[1] = s.activeNodeID
	}
	s.sendRaw(resp)
}

func (s *Slave) sendConfig(cmd Command, errCode byte) {
	s.sendRaw([8]byte{byte(cmd), errCode})
}

func (s *Slave) send(cmd byte) {
	s.sendRaw([8]byte{cmd})
}

func (s *Slave) sendRaw(data [8]byte) {
	frame := can.NewFrame(CobIDSlave, 8)
	frame.Data = data
	if err := s.driver.Send(frame); err != nil {
		s.logger.Warn("LSS response send failed", "error", err)
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
