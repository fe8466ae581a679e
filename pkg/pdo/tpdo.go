package pdo

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

// TicksPerMs mirrors nmt.TicksPerMs: the shared timer wheel runs at 100
// microsecond resolution, so a 1 ms wire value converts to 10 ticks.
const TicksPerMs = 10

// offBit marks a COB-ID as inactive (Invariant P1).
const offBit = 1 << 31

// TPDO is one transmit PDO: a producer of up to 8 payload bytes
// assembled from up to 8 mapped dictionary signals, driven by one of the
// three transmission modes (§4.6).
type TPDO struct {
	logger *slog.Logger
	dict   *od.Dictionary
	wheel  *timer.Wheel
	driver can.Driver
	engine *Engine
	index  int

	cobID     uint32
	transType uint8
	inhibit   uint16 // 100us units, object sub 3
	event     uint16 // 1ms units, object sub 5

	mapWords [MaxSignals]uint32
	mapCount uint8
	m        mapping

	eventTimerID    uint32
	hasEventTimer   bool
	inhibitTimerID  uint32
	hasInhibitTimer bool
	inhibiting      bool
	pendingEvent    bool
	sendRequest     bool
	syncCounter     uint8
}

// newTPDO builds an inactive TPDO (cob-id off bit set) bound to the
// given comm/mapping dictionary state. The node binds it into the
// dictionary via TypeTPdoComm/TypeTPdoMap after construction.
func newTPDO(index int, dict *od.Dictionary, wheel *timer.Wheel, driver can.Driver, engine *Engine, logger *slog.Logger) *TPDO {
	return &TPDO{
		logger: logOrDefault(logger, "[TPDO]"),
		dict:   dict,
		wheel:  wheel,
		driver: driver,
		engine: engine,
		index:  index,
		cobID:  offBit,
	}
}

func (t *TPDO) active() bool { return t.cobID&offBit == 0 }

// Active reports whether this TPDO is currently enabled for transmission.
func (t *TPDO) Active() bool { return t.active() }

func (t *TPDO) rawCobID() uint32    { return t.cobID }
func (t *TPDO) transTypeVal() uint8 { return t.transType }
func (t *TPDO) mapCountVal() uint8  { return t.mapCount }
func (t *TPDO) mapWordVal(i int) uint32 {
	if i < 0 || i >= MaxSignals {
		return 0
	}
	return t.mapWords[i]
}

func (t *TPDO) setCobID(raw uint32) error {
	wasActive := t.active()
	if wasActive {
		if raw&offBit == 0 {
			// Still requesting active: only the off bit may change while
			// active (Invariant P1).
			if raw != t.cobID {
				return od.ErrObjAcc
			}
			return nil
		}
		t.cobID = raw
		t.deactivate()
		return nil
	}
	t.cobID = raw
	if t.active() {
		return t.activate()
	}
	return nil
}

func (t *TPDO) setTransType(v uint8) error {
	if t.active() {
		return od.ErrObjAcc
	}
	t.transType = v
	return nil
}

func (t *TPDO) setMapCount(n uint8) error {
	if t.active() {
		return od.ErrObjAcc
	}
	if n > MaxSignals {
		return od.ErrObjMapLen
	}
	m, err := buildMapping(t.dict, t.mapWords[:], n, true)
	if err != nil {
		return err
	}
	t.mapCount = n
	t.m = m
	return nil
}

func (t *TPDO) setMapWord(i int, word uint32) error {
	if t.active() {
		return od.ErrObjAcc
	}
	if i < 0 || i >= MaxSignals {
		return od.ErrBadArg
	}
	t.mapWords[i] = word
	return nil
}

// activate is called whenever the COB-ID transitions from inactive to
// active: it resets transient state, rebuilds the payload layout,
// registers this TPDO's signals in the engine's trigger-fanout table,
// and arms the event timer if configured (§4.6 "Reset of one TPDO").
func (t *TPDO) activate() error {
	m, err := buildMapping(t.dict, t.mapWords[:], t.mapCount, true)
	if err != nil {
		t.cobID |= offBit
		return err
	}
	t.m = m
	t.cancelEventTimer()
	t.cancelInhibitTimer()
	t.inhibiting = false
	t.pendingEvent = false
	t.sendRequest = false
	t.syncCounter = 0
	if t.engine != nil {
		t.engine.registerLinks(t.index, m.signals)
	}
	if t.event > 0 {
		t.armEventTimer()
	}
	return nil
}

func (t *TPDO) deactivate() {
	t.cancelEventTimer()
	t.cancelInhibitTimer()
	t.inhibiting = false
	t.pendingEvent = false
	t.sendRequest = false
	if t.engine != nil {
		t.engine.registerLinks(t.index, nil)
	}
}

// reset reinitializes the TPDO exactly as a PreOp->Operational NMT
// transition requires: re-read communication and mapping, which here
// just means re-deriving active state from the current cached values.
func (t *TPDO) reset() {
	if t.active() {
		_ = t.activate()
	}
}

// asyncTrigger is invoked by Engine.TriggerByObject after a mapped
// object's async-trigger write commits.
func (t *TPDO) asyncTrigger() {
	if !t.active() {
		return
	}
	switch {
	case t.transType == 0:
		t.sendRequest = true
	case t.transType >= 254:
		_ = t.tx()
	}
}

// onSync is the SYNC-driven half of the TX algorithm: transmission
// types 0 (acyclic, waits for a pending event) and 1..240 (every N-th
// SYNC).
func (t *TPDO) onSync(uint8) {
	if !t.active() || t.transType > 240 {
		return
	}
	if t.transType == 0 {
		if t.sendRequest {
			t.sendRequest = false
			_ = t.tx()
		}
		return
	}
	if t.syncCounter == 0 {
		t.syncCounter = t.transType
	}
	t.syncCounter--
	if t.syncCounter == 0 {
		_ = t.tx()
	}
}

// tx implements the §4.6 TX algorithm.
func (t *TPDO) tx() error {
	if !t.active() {
		return nil
	}
	if t.engine != nil && !t.engine.pdoAllowed() {
		return nil
	}
	if t.inhibiting {
		t.pendingEvent = true
		return nil
	}
	t.cancelEventTimer()
	if t.inhibit > 0 {
		t.armInhibitTimer()
	}
	if t.event > 0 {
		t.armEventTimer()
	}

	frame := can.NewFrame(uint16(t.cobID&0x7FF), uint8(t.m.total))
	if _, err := pack(t.dict, t.m, frame.Data[:t.m.total]); err != nil {
		t.logger.Warn("pack failed", "error", err)
		return err
	}
	if t.engine != nil && t.engine.txHook != nil {
		t.engine.txHook(&frame)
	}
	if err := t.driver.Send(frame); err != nil {
		t.logger.Warn("transmit failed", "error", err)
		return err
	}
	return nil
}

func (t *TPDO) armEventTimer() {
	t.cancelEventTimer()
	ticks := uint32(t.event) * TicksPerMs
	if ticks == 0 {
		return
	}
	id, err := t.wheel.Create(ticks, 0, func(any) { t.eventExpired() }, nil)
	if err != nil {
		t.logger.Warn("failed to arm event timer", "error", err)
		return
	}
	t.eventTimerID = id
	t.hasEventTimer = true
}

func (t *TPDO) cancelEventTimer() {
	if t.hasEventTimer {
		_ = t.wheel.Delete(t.eventTimerID)
		t.hasEventTimer = false
	}
}

func (t *TPDO) eventExpired() {
	t.sendRequest = true
	_ = t.tx()
}

func (t *TPDO) armInhibitTimer() {
	ticks := uint32(t.inhibit)
	if ticks == 0 {
		return
	}
	id, err := t.wheel.Create(ticks, 0, func(any) { t.inhibitExpired() }, nil)
	if err != nil {
		t.logger.Warn("failed to arm inhibit timer", "error", err)
		return
	}
	t.inhibitTimerID = id
	t.hasInhibitTimer = true
	t.inhibiting = true
}

func (t *TPDO) cancelInhibitTimer() {
	if t.hasInhibitTimer {
		_ = t.wheel.Delete(t.inhibitTimerID)
		t.hasInhibitTimer = false
	}
}

func (t *TPDO) inhibitExpired() {
	t.inhibiting = false
	if t.pendingEvent {
		t.pendingEvent = false
		_ = t.tx()
	}
}
