package pdo

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/emergency"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

// RPDO is one receive PDO: a consumer that unpacks an inbound frame's
// payload into up to 8 mapped dictionary signals, either immediately
// (async) or buffered until the next SYNC (§4.7).
type RPDO struct {
	logger *slog.Logger
	dict   *od.Dictionary
	wheel  *timer.Wheel
	emcy   *emergency.Producer
	driver can.Driver
	engine *Engine

	cobID     uint32
	transType uint8
	event     uint16 // ms, RX timeout

	mapWords [MaxSignals]uint32
	mapCount uint8
	m        mapping

	buf     [MaxPayload]byte
	bufLen  uint8
	hasBuf  bool
	timerID uint32
	hasTmr  bool
}

func newRPDO(dict *od.Dictionary, wheel *timer.Wheel, driver can.Driver, emcy *emergency.Producer, engine *Engine, logger *slog.Logger) *RPDO {
	return &RPDO{
		logger: logOrDefault(logger, "[RPDO]"),
		dict:   dict,
		wheel:  wheel,
		driver: driver,
		emcy:   emcy,
		engine: engine,
		cobID:  offBit,
	}
}

func (r *RPDO) active() bool      { return r.cobID&offBit == 0 }
func (r *RPDO) Active() bool      { return r.active() }
func (r *RPDO) CobID() uint16     { return uint16(r.cobID & 0x7FF) }
func (r *RPDO) rawCobID() uint32  { return r.cobID }
func (r *RPDO) sync() bool        { return r.transType <= 240 }
func (r *RPDO) transTypeVal() uint8 { return r.transType }
func (r *RPDO) mapCountVal() uint8  { return r.mapCount }
func (r *RPDO) mapWordVal(i int) uint32 {
	if i < 0 || i >= MaxSignals {
		return 0
	}
	return r.mapWords[i]
}

func (r *RPDO) setCobID(raw uint32) error {
	wasActive := r.active()
	if wasActive {
		if raw&offBit == 0 {
			if raw != r.cobID {
				return od.ErrObjAcc
			}
			return nil
		}
		r.cobID = raw
		r.deactivate()
		return nil
	}
	r.cobID = raw
	if r.active() {
		return r.activate()
	}
	return nil
}

func (r *RPDO) setTransType(v uint8) error {
	if r.active() {
		return od.ErrObjAcc
	}
	r.transType = v
	return nil
}

func (r *RPDO) setMapCount(n uint8) error {
	if r.active() {
		return od.ErrObjAcc
	}
	if n > MaxSignals {
		return od.ErrObjMapLen
	}
	m, err := buildMapping(r.dict, r.mapWords[:], n, false)
	if err != nil {
		return err
	}
	r.mapCount = n
	r.m = m
	return nil
}

func (r *RPDO) setMapWord(i int, word uint32) error {
	if r.active() {
		return od.ErrObjAcc
	}
	if i < 0 || i >= MaxSignals {
		return od.ErrBadArg
	}
	r.mapWords[i] = word
	return nil
}

func (r *RPDO) setEventTime(ms uint16) {
	r.event = ms
	if r.active() {
		r.restartTimeout()
	}
}

func (r *RPDO) activate() error {
	m, err := buildMapping(r.dict, r.mapWords[:], r.mapCount, false)
	if err != nil {
		r.cobID |= offBit
		return err
	}
	r.m = m
	r.hasBuf = false
	r.restartTimeout()
	return nil
}

func (r *RPDO) deactivate() {
	r.hasBuf = false
	r.cancelTimeout()
}

func (r *RPDO) reset() {
	if r.active() {
		_ = r.activate()
	}
}

// Receive handles one inbound frame already matched to this RPDO's
// COB-ID by the engine's dispatch scan. A synchronous RPDO buffers the
// payload for the next SYNC (Invariant: an RPDO in sync mode is never
// applied to the dictionary outside the SYNC handler); an asynchronous
// one applies it immediately.
func (r *RPDO) Receive(frame can.Frame) {
	if !r.active() {
		return
	}
	if int(frame.DLC) != r.m.total {
		r.logger.Warn("length mismatch", "expected", r.m.total, "got", frame.DLC)
		return
	}
	r.restartTimeout()
	if r.engine != nil && r.engine.rxHook != nil && r.engine.rxHook(&frame) {
		return
	}
	if r.sync() {
		copy(r.buf[:frame.DLC], frame.Data[:frame.DLC])
		r.bufLen = frame.DLC
		r.hasBuf = true
		return
	}
	if err := unpack(r.dict, r.m, frame.Data[:frame.DLC]); err != nil {
		r.logger.Warn("write to dictionary failed", "error", err)
	}
}

// flushSync applies a buffered synchronous payload to the dictionary;
// called only from the SYNC handler, per Invariant.
func (r *RPDO) flushSync() {
	if !r.hasBuf {
		return
	}
	data := r.buf[:r.bufLen]
	r.hasBuf = false
	if err := unpack(r.dict, r.m, data); err != nil {
		r.logger.Warn("write to dictionary failed", "error", err)
	}
}

func (r *RPDO) restartTimeout() {
	r.cancelTimeout()
	if r.event == 0 {
		return
	}
	ticks := uint32(r.event) * TicksPerMs
	id, err := r.wheel.Create(ticks, 0, func(any) { r.timeoutExpired() }, nil)
	if err != nil {
		r.logger.Warn("failed to arm RX timeout", "error", err)
		return
	}
	r.timerID = id
	r.hasTmr = true
}

func (r *RPDO) cancelTimeout() {
	if r.hasTmr {
		_ = r.wheel.Delete(r.timerID)
		r.hasTmr = false
	}
}

func (r *RPDO) timeoutExpired() {
	r.hasTmr = false
	if r.emcy == nil {
		return
	}
	_ = r.emcy.Report(r.driver, emergency.CodeRpdoTimeout, emergency.ErrRegCommunication, uint32(r.cobID&0x7FF))
}
