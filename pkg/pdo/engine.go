package pdo

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/emergency"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

// linkEntry is one row of the signal->TPDO fanout table: a mapped
// object that, when written asynchronously, must trigger the TPDO that
// maps it (§4.7, "async trigger").
type linkEntry struct {
	dev     uint32
	tpdoIdx int
	used    bool
}

// Engine owns every TPDO and RPDO on a node, the signal->TPDO trigger
// table, and inbound frame/SYNC dispatch. It implements the parts of
// od.Host that the dictionary's async-trigger write path needs
// (TriggerByObject), so a node typically embeds an Engine and forwards
// that call straight through.
type Engine struct {
	logger *slog.Logger
	dict   *od.Dictionary
	wheel  *timer.Wheel
	driver can.Driver
	emcy   *emergency.Producer

	allowed func() bool
	txHook  func(*can.Frame)
	rxHook  func(*can.Frame) bool

	tpdos []*TPDO
	rpdos []*RPDO
	links []linkEntry
}

// NewEngine allocates nTPDO transmit and nRPDO receive PDOs, all
// initially inactive. allowed gates every transmission and every
// inbound-frame dispatch against the NMT PDO frame class (§4.8); it may
// be nil, in which case PDOs are always allowed to run.
func NewEngine(dict *od.Dictionary, wheel *timer.Wheel, driver can.Driver, emcy *emergency.Producer, nTPDO, nRPDO int, allowed func() bool, logger *slog.Logger) *Engine {
	e := &Engine{
		logger:  logOrDefault(logger, "[PDO]"),
		dict:    dict,
		wheel:   wheel,
		driver:  driver,
		emcy:    emcy,
		allowed: allowed,
	}
	e.tpdos = make([]*TPDO, nTPDO)
	for i := range e.tpdos {
		e.tpdos[i] = newTPDO(i, dict, wheel, driver, e, e.logger)
	}
	e.links = make([]linkEntry, nTPDO*MaxSignals)
	e.rpdos = make([]*RPDO, nRPDO)
	for i := range e.rpdos {
		e.rpdos[i] = newRPDO(dict, wheel, driver, emcy, e, e.logger)
	}
	return e
}

// SetTxHook registers the user transmit hook invoked on every TPDO
// transmission after the frame is packed but before it's sent (§4.6 step
// 7, "may mutate frame"). A nil hook (the default) is a no-op.
func (e *Engine) SetTxHook(hook func(*can.Frame)) { e.txHook = hook }

// SetRxHook registers the user receive hook invoked on every RPDO
// reception after length validation but before the payload is written
// to the dictionary (or buffered for the next SYNC). If hook returns
// true, the frame is considered consumed and the write step is skipped
// (§4.7 step 4). A nil hook (the default) is a no-op.
func (e *Engine) SetRxHook(hook func(*can.Frame) bool) { e.rxHook = hook }

// TPDO returns the i-th transmit PDO (0-based), or nil if out of range.
func (e *Engine) TPDO(i int) *TPDO {
	if i < 0 || i >= len(e.tpdos) {
		return nil
	}
	return e.tpdos[i]
}

// RPDO returns the i-th receive PDO (0-based), or nil if out of range.
func (e *Engine) RPDO(i int) *RPDO {
	if i < 0 || i >= len(e.rpdos) {
		return nil
	}
	return e.rpdos[i]
}

// TPDOCount returns the number of transmit PDOs this engine was built
// with.
func (e *Engine) TPDOCount() int { return len(e.tpdos) }

// RPDOCount returns the number of receive PDOs this engine was built
// with.
func (e *Engine) RPDOCount() int { return len(e.rpdos) }

func (e *Engine) pdoAllowed() bool {
	if e.allowed == nil {
		return true
	}
	return e.allowed()
}

// registerLinks replaces tpdoIdx's rows in the fanout table with the
// given signal set (called on activate/deactivate). The table has fixed
// capacity len(tpdos)*MaxSignals, matching the arena-style allocation
// the rest of this module uses (§9 Design Notes): no entry ever grows
// the backing slice.
func (e *Engine) registerLinks(tpdoIdx int, signals []signal) {
	base := tpdoIdx * MaxSignals
	for i := 0; i < MaxSignals; i++ {
		e.links[base+i] = linkEntry{}
	}
	for i, sig := range signals {
		if i >= MaxSignals {
			break
		}
		e.links[base+i] = linkEntry{dev: sig.dev, tpdoIdx: tpdoIdx, used: true}
	}
}

// TriggerByObject is called by the dictionary after an async-trigger
// entry's write commits (Open Question decision: fires post-commit).
// It fans out to every active TPDO that maps dev.
func (e *Engine) TriggerByObject(dev uint32) error {
	for _, link := range e.links {
		if link.used && link.dev == dev {
			e.tpdos[link.tpdoIdx].asyncTrigger()
		}
	}
	return nil
}

// HandleFrame dispatches an inbound frame to the first active RPDO
// whose COB-ID matches, honoring the NMT PDO gate. Reports whether any
// RPDO consumed the frame.
func (e *Engine) HandleFrame(frame can.Frame) bool {
	if !e.pdoAllowed() {
		return false
	}
	for _, r := range e.rpdos {
		if r.Active() && frame.ID == r.CobID() {
			r.Receive(frame)
			return true
		}
	}
	return false
}

// HandleSync is registered as the sync.Service consumer callback: it
// drives every TPDO's SYNC-mode transmission logic and flushes every
// buffered synchronous RPDO.
func (e *Engine) HandleSync(counter uint8) {
	if !e.pdoAllowed() {
		return
	}
	for _, t := range e.tpdos {
		t.onSync(counter)
	}
	for _, r := range e.rpdos {
		if r.Active() && r.sync() {
			r.flushSync()
		}
	}
}

// Reset reinitializes every TPDO and RPDO's transient state, used on a
// PreOp->Operational transition (§4.6 "Reset of one TPDO").
func (e *Engine) Reset() {
	for _, t := range e.tpdos {
		t.reset()
	}
	for _, r := range e.rpdos {
		r.reset()
	}
}
