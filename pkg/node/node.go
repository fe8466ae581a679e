// Package node assembles every service package in this module into a
// single CiA 301 node and drives the cooperative, single-threaded
// process loop described in §4.8/§5: no suspension points, the
// embedder calls Process whenever it wants to drain pending events, and
// the only thing touched off the application task is the timer wheel's
// Service method.
package node

import (
	"fmt"
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/emergency"
	"github.com/fieldbus-works/canopen/pkg/heartbeat"
	"github.com/fieldbus-works/canopen/pkg/lss"
	"github.com/fieldbus-works/canopen/pkg/nmt"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/pdo"
	"github.com/fieldbus-works/canopen/pkg/sdo"
	"github.com/fieldbus-works/canopen/pkg/sync"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

// Config bounds the fixed-capacity arrays the node allocates at build
// time (§5 "no dynamic allocation after init"): PDO counts, the history
// ring depth, the heartbeat consumer slot count, and whether an SDO
// client and/or LSS slave are present at all.
type Config struct {
	NodeID uint8

	NTPDO        int
	NRPDO        int
	HistoryDepth int
	HBConsumers  int
	EnableClient bool
	EnableLSS    bool
	LSSAddress   lss.Address
	WheelActions int
	WheelSlots   int
	WheelLocker  timer.Locker
	Logger       *slog.Logger

	// NVM, if set, backs three store/restore groups bound to objects
	// 0x1010/0x1011 subs 1-3: communication, application and
	// manufacturer parameters (§D "parameter store/restore").
	// Left nil, those objects (if present in the dictionary) stay plain
	// numeric entries and a write to them has no effect beyond storing
	// the raw signature.
	NVM od.NVM

	// TxHook, if set, is invoked on every TPDO transmission after the
	// frame is packed but before it's sent, and may mutate it (§4.6 step
	// 7).
	TxHook func(*can.Frame)
	// RxHook, if set, is invoked on every RPDO reception after length
	// validation but before the payload is written to the dictionary (or
	// buffered for the next SYNC); returning true marks the frame
	// consumed and skips that write (§4.7 step 4).
	RxHook func(*can.Frame) bool
}

// ReceiveCallback is the user fallback invoked for a frame that no
// built-in service consumed (§4.8 step 8).
type ReceiveCallback func(frame can.Frame)

// Node is the CiA 301 aggregate described in spec §3.3: CAN handle,
// dictionary, timer wheel, NMT, SYNC, TPDO/RPDO engine, emergency
// producer/history, SDO server (and optional client), optional LSS
// slave, and heartbeat consumer, all sharing one node-id and one timer
// wheel.
type Node struct {
	logger *slog.Logger
	dict   *od.Dictionary
	driver can.Driver
	wheel  *timer.Wheel

	nodeID       uint8
	unconfigured bool
	lastError    od.ErrorCode

	NMT       *nmt.Service
	SYNC      *sync.Service
	PDO       *pdo.Engine
	History   *emergency.History
	EMCY      *emergency.Producer
	SDOServer *sdo.Server
	SDOClient *sdo.Client
	LSS       *lss.Slave
	Heartbeat *heartbeat.Consumer

	// ParaComm/ParaApp/ParaMfg back objects 0x1010/0x1011 subs 1-3: the
	// communication-profile (0x1000-0x1FFF), application (0x6000-0x9FFF),
	// and manufacturer-specific (0x2000-0x5FFF) parameter groups (§D). Nil
	// unless Config.NVM is set.
	ParaComm *od.ParaGroup
	ParaApp  *od.ParaGroup
	ParaMfg  *od.ParaGroup

	onReceive ReceiveCallback
}

// New builds a node around dict, wiring every subsystem's dictionary
// objects (0x1001-0x1A00 range, per §6.3) onto the matching entries if
// present. dict need not have every such entry; a node without e.g. an
// LSS slave or SDO client simply leaves cfg.EnableLSS/EnableClient
// false and those entries (if present) are left unbound.
func New(cfg Config, dict *od.Dictionary, driver can.Driver) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wheelActions, wheelSlots := cfg.WheelActions, cfg.WheelSlots
	if wheelActions == 0 {
		wheelActions = 64
	}
	if wheelSlots == 0 {
		wheelSlots = 64
	}

	n := &Node{
		logger: logger.With("node", cfg.NodeID),
		dict:   dict,
		driver: driver,
		nodeID: cfg.NodeID,
		wheel:  timer.NewWheel(wheelActions, wheelSlots, cfg.WheelLocker),
	}
	n.unconfigured = cfg.NodeID == lss.NodeIDUnconfigured

	n.History = emergency.NewHistory(max(cfg.HistoryDepth, 1))
	n.EMCY = emergency.NewProducer(cfg.NodeID, n.History, n.wheel, logger)
	n.NMT = nmt.NewService(cfg.NodeID, n.wheel, driver, logger)
	n.SYNC = sync.NewService(n.wheel, driver, logger)
	n.PDO = pdo.NewEngine(dict, n.wheel, driver, n.EMCY, cfg.NTPDO, cfg.NRPDO, n.pdoAllowed, logger)
	if cfg.TxHook != nil {
		n.PDO.SetTxHook(cfg.TxHook)
	}
	if cfg.RxHook != nil {
		n.PDO.SetRxHook(cfg.RxHook)
	}
	n.SYNC.RegisterConsumer(n.PDO.HandleSync)
	n.SDOServer = sdo.NewServer(cfg.NodeID, dict, driver, logger)
	if cfg.EnableClient {
		n.SDOClient = sdo.NewClient(cfg.NodeID, n.wheel, driver, logger)
	}
	if cfg.EnableLSS {
		n.LSS = lss.NewSlave(cfg.LSSAddress, cfg.NodeID, driver, logger)
	}
	n.Heartbeat = heartbeat.NewConsumer(max(cfg.HBConsumers, 0), n.wheel, n.EMCY, driver, logger)
	n.NMT.SetOperationalCallback(n.PDO.Reset)
	var groups []*od.ParaGroup
	if cfg.NVM != nil {
		n.ParaComm = n.newParaGroup("comm", cfg.NVM, commParamLo, commParamHi)
		n.ParaApp = n.newParaGroup("app", cfg.NVM, appParamLo, appParamHi)
		n.ParaMfg = n.newParaGroup("mfg", cfg.NVM, mfgParamLo, mfgParamHi)
		groups = []*od.ParaGroup{n.ParaComm, n.ParaApp, n.ParaMfg}
	}

	if err := dict.Init(n); err != nil {
		return nil, fmt.Errorf("node: init object dictionary: %w", err)
	}
	n.bindObjects()
	if groups != nil {
		if err := od.LoadParaGroups(groups); err != nil {
			n.logger.Warn("restoring stored parameters failed", "error", err)
		}
	}
	return n, nil
}

// newParaGroup builds a store/restore group closed over the index range
// [lo, hi] it serializes, per §D's per-group NVM region.
func (n *Node) newParaGroup(region string, nvm od.NVM, lo, hi uint16) *od.ParaGroup {
	return &od.ParaGroup{
		Region:    region,
		NVM:       nvm,
		Serialize: func() ([]byte, error) { return n.serializeParamRange(lo, hi) },
		Apply:     n.applyParamRecords,
	}
}

// NodeID implements od.Host.
func (n *Node) NodeID() uint8 { return n.nodeID }

// TriggerByObject implements od.Host, forwarding async-trigger writes
// to the PDO engine's fanout table.
func (n *Node) TriggerByObject(dev uint32) error { return n.PDO.TriggerByObject(dev) }

// SetError implements od.Host, recording the most recent subsystem
// error for diagnostic readback; it does not itself raise an emergency
// (callers report those explicitly through EMCY where the error is
// protocol-visible).
func (n *Node) SetError(code od.ErrorCode) { n.lastError = code }

// LastError returns the most recently recorded subsystem error code and
// clears it: a second call returns od.ErrNone until SetError runs again.
func (n *Node) LastError() od.ErrorCode {
	code := n.lastError
	n.lastError = od.ErrNone
	return code
}

// SetReceiveCallback registers the fallback invoked for frames no
// built-in service consumes (§4.8 step 8).
func (n *Node) SetReceiveCallback(cb ReceiveCallback) { n.onReceive = cb }

// pdoAllowed additionally refuses PDO traffic while the node has not yet
// been assigned a node-id by LSS (Invariant: an unconfigured node can't
// bias NODEID_BIASED cob-ids correctly), mirroring the teacher's
// LocalNode.NodeIdUnconfigured gate on ProcessTPDO/ProcessRPDO.
func (n *Node) pdoAllowed() bool {
	return !n.unconfigured && n.NMT.State().Allows(nmt.ClassPDO)
}

// bindIndex rebinds every live subindex entry at index (the dictionary
// stores one Entry per (index, sub) pair, per §3.1/§4.2) onto typ/ref,
// so a VAR-per-subindex object loaded from an EDS (builtin numeric
// types only) picks up its owning subsystem's behavior and storage.
func (n *Node) bindIndex(index uint16, typ *od.TypeVTable, ref any) {
	live := n.dict.Live()
	for i := range live {
		if live[i].Key.Index() == index {
			live[i].Type = typ
			live[i].Data.Ref = ref
		}
	}
}

func (n *Node) bindObjects() {
	n.bindIndex(0x1003, emergency.TypeHist, n.History)
	n.bindIndex(0x1014, emergency.TypeCobID, n.EMCY)
	n.bindIndex(0x1016, heartbeat.TypeConsumerTime, n.Heartbeat)
	n.bindIndex(0x1017, nmt.TypeHbProducerTime, n.NMT)
	n.bindIndex(0x1005, sync.TypeID, n.SYNC)
	n.bindIndex(0x1006, sync.TypeCycle, n.SYNC)
	n.bindIndex(0x1200, sdo.TypeServerID, n.SDOServer)
	if n.SDOClient != nil {
		n.bindIndex(0x1280, sdo.TypeClientID, n.SDOClient)
	}

	for i := 0; i < n.PDO.TPDOCount(); i++ {
		tpdo := n.PDO.TPDO(i)
		n.bindIndex(0x1800+uint16(i), pdo.TypeTPdoComm, tpdo)
		n.bindIndex(0x1A00+uint16(i), pdo.TypeTPdoMap, tpdo)
	}
	for i := 0; i < n.PDO.RPDOCount(); i++ {
		rpdo := n.PDO.RPDO(i)
		n.bindIndex(0x1400+uint16(i), pdo.TypeRPdoComm, rpdo)
		n.bindIndex(0x1600+uint16(i), pdo.TypeRPdoMap, rpdo)
	}

	if n.ParaComm != nil {
		n.bindSub(0x1010, 1, od.TypeParaStore, n.ParaComm)
		n.bindSub(0x1010, 2, od.TypeParaStore, n.ParaApp)
		n.bindSub(0x1010, 3, od.TypeParaStore, n.ParaMfg)
		n.bindSub(0x1011, 1, od.TypeParaRestore, n.ParaComm)
		n.bindSub(0x1011, 2, od.TypeParaRestore, n.ParaApp)
		n.bindSub(0x1011, 3, od.TypeParaRestore, n.ParaMfg)
	}
}

// bindSub rebinds the single live entry at (index, sub), used for
// 0x1010/0x1011 where sub0 (the NumberOfEntries counter) must stay a plain
// numeric entry while each of sub1/sub2/sub3 triggers store/restore on its
// own parameter group (communication/application/manufacturer).
func (n *Node) bindSub(index uint16, sub uint8, typ *od.TypeVTable, ref any) {
	live := n.dict.Live()
	for i := range live {
		if live[i].Key.Index() == index && live[i].Key.Sub() == sub {
			live[i].Type = typ
			live[i].Data.Ref = ref
		}
	}
}

// commParamLo/commParamHi, appParamLo/appParamHi, mfgParamLo/mfgParamHi
// bound the object index ranges the three parameter groups cover, per
// §D's "PARA_STORE/PARA_RESTORE objects operate on a configurable group
// selector (communication parameters, application parameters,
// manufacturer parameters)": sub1 is CiA 301's communication profile
// area, sub2 the device-profile application area, sub3 the
// manufacturer-specific range, mirroring original_source's per-group
// NVM regions (co_para_ctrl.c) without hardcoding their number — a
// dictionary missing objects in a given range just serializes an empty
// group for it.
const (
	commParamLo, commParamHi = 0x1000, 0x1FFF
	appParamLo, appParamHi   = 0x6000, 0x9FFF
	mfgParamLo, mfgParamHi   = 0x2000, 0x5FFF
)

// serializeParamRange snapshots every live entry in [lo, hi] (excluding
// 0x1010/0x1011 themselves) into a sequence of
// [dev uint32 LE][len byte][data...] records.
func (n *Node) serializeParamRange(lo, hi uint16) ([]byte, error) {
	var out []byte
	for _, e := range n.dict.Live() {
		idx := e.Key.Index()
		if idx < lo || idx > hi || idx == 0x1010 || idx == 0x1011 {
			continue
		}
		dev := od.DevOf(idx, e.Key.Sub())
		size, err := n.dict.Size(dev)
		if err != nil || size <= 0 || size > 255 {
			continue
		}
		buf := make([]byte, size)
		if _, err := n.dict.ReadBuffer(dev, buf); err != nil {
			continue
		}
		var head [5]byte
		head[0] = byte(dev)
		head[1] = byte(dev >> 8)
		head[2] = byte(dev >> 16)
		head[3] = byte(dev >> 24)
		head[4] = byte(size)
		out = append(out, head[:]...)
		out = append(out, buf...)
	}
	return out, nil
}

// applyParamRecords restores every record serializeParamRange produced,
// skipping any entry that no longer exists (a later EDS could have
// dropped or resized it). The range itself needs no check: a record's
// dev is self-describing and restoring it outside its original group's
// range would just mean it was never written there to begin with.
func (n *Node) applyParamRecords(data []byte) error {
	for len(data) >= 5 {
		dev := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		size := int(data[4])
		data = data[5:]
		if len(data) < size {
			break
		}
		_ = n.dict.WriteBuffer(dev, data[:size])
		data = data[size:]
	}
	return nil
}

// Start runs the NMT bootup sequence (Init->PreOp, one bootup frame,
// heartbeat producer armed).
func (n *Node) Start() { n.NMT.Start() }

// Stop tears down the node's timers.
func (n *Node) Stop() {
	n.NMT.Stop()
	n.wheel.Reset()
}

// Reset re-runs the bootup sequence after a CommandResetComm/
// CommandResetNode request has been observed via n.NMT.PendingReset().
// The embedder is responsible for distinguishing a resetNode (which
// would reload the EDS from scratch, a fresh od.Dictionary and a new
// Node) from a resetComm (communication objects only, handled here):
// timers are cleared, every PDO's transient state is reinitialized, and
// the NMT bootup sequence restarts from Init.
func (n *Node) Reset() error {
	n.wheel.Reset()
	n.PDO.Reset()
	n.NMT = nmt.NewService(n.nodeID, n.wheel, n.driver, n.logger)
	n.NMT.SetOperationalCallback(n.PDO.Reset)
	n.bindIndex(0x1017, nmt.TypeHbProducerTime, n.NMT)
	n.Start()
	return nil
}

// Process drains one cooperative pass: every pending inbound frame is
// read and routed per §4.8's eight-step dispatch order, gated at each
// step by the NMT allowed-frame-class mask. Returns the number of
// frames processed.
func (n *Node) Process() int {
	n.wheel.Process()

	count := 0
	for {
		frame, ok, err := n.driver.Receive()
		if err != nil {
			n.logger.Warn("CAN receive failed", "error", err)
			break
		}
		if !ok {
			break
		}
		count++
		n.dispatch(frame)
	}
	return count
}

// dispatch implements one iteration of §4.8's frame classification.
func (n *Node) dispatch(frame can.Frame) {
	state := n.NMT.State()

	if n.LSS != nil {
		if n.LSS.HandleFrame(frame) {
			return
		}
	}

	if state.Allows(nmt.ClassSDO) {
		if n.SDOServer.HandleFrame(frame) {
			return
		}
		if n.SDOClient != nil && n.SDOClient.HandleFrame(frame) {
			return
		}
	}

	if state.Allows(nmt.ClassNMT) {
		if frame.ID == 0x000 && frame.DLC == 2 {
			n.NMT.HandleFrame(frame)
			return
		}
		if n.Heartbeat.HandleFrame(frame) {
			return
		}
	}

	if state.Allows(nmt.ClassPDO) {
		if n.PDO.HandleFrame(frame) {
			return
		}
	}

	if state.Allows(nmt.ClassSYNC) && frame.ID == n.SYNC.CobID() {
		n.SYNC.HandleFrame(frame)
		return
	}

	// Foreign-node emergency consumption (object 0x1014's cob-id range,
	// CiA 301 §7.2.8) is a supplemented feature beyond the minimal §4.8
	// steps: it never consumes the frame, so the fallback below still
	// runs for any embedder that also wants the raw frame.
	if state.Allows(nmt.ClassEMCY) && frame.ID >= 0x081 && frame.ID <= 0xFF && frame.DLC == 8 {
		n.EMCY.HandleFrame(frame)
	}

	if n.onReceive != nil {
		n.onReceive(frame)
	}
}
