package emergency

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

// RxCallback is invoked for every emergency frame received, including the
// producer's own transmissions (ident 0 for locally-generated ones).
type RxCallback func(ident uint16, errorCode uint16, errorRegister uint8, additional uint32)

// History is the fixed-capacity pre-defined error field (object 0x1003)
// backing object 0x1003: a ring of the most recently reported codes,
// oldest entries overwritten first, sub 0 holding the live count.
// Writing 0 to sub 0 clears it.
type History struct {
	entries []uint32 // entries[0] is the most recent
	count   int
}

// NewHistory allocates a history ring with the given fixed capacity.
func NewHistory(capacity int) *History {
	return &History{entries: make([]uint32, capacity)}
}

// Push records a new error (or "error resolved", code CodeNoError) at
// the front of the ring, evicting the oldest entry once full.
func (h *History) Push(errorCode uint16, errorRegister uint8) {
	value := uint32(errorCode)<<16 | uint32(errorRegister)<<8
	n := len(h.entries)
	if n == 0 {
		return
	}
	copy(h.entries[1:], h.entries[:n-1])
	h.entries[0] = value
	if h.count < n {
		h.count++
	}
}

// Clear empties the ring (triggered by writing 0 to sub 0).
func (h *History) Clear() {
	h.count = 0
	for i := range h.entries {
		h.entries[i] = 0
	}
}

// Count returns the number of live history entries.
func (h *History) Count() int { return h.count }

// Entry returns the raw 32-bit value (errorCode<<16 | register<<8) at sub n
// (n >= 1), or false if n is out of range.
func (h *History) Entry(n int) (uint32, bool) {
	if n < 1 || n > h.count {
		return 0, false
	}
	return h.entries[n-1], true
}

// TypeHist implements the EMCY_HIST object type (object 0x1003): sub 0 is
// the live count (writing 0 clears the ring), subs 1..N read back
// individual history entries.
var TypeHist = &od.TypeVTable{
	Name: "EMCY_HIST",
	Size: func(e *od.Entry, host od.Host) (int, error) {
		if e.Key.Sub() == 0 {
			return 1, nil
		}
		return 4, nil
	},
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		h, ok := e.Data.Ref.(*History)
		if !ok {
			return 0, od.ErrTypeRead
		}
		if e.Key.Sub() == 0 {
			dst[0] = byte(h.Count())
			return 1, nil
		}
		v, ok := h.Entry(int(e.Key.Sub()))
		if !ok {
			return 0, od.ErrNotFound
		}
		dst[0] = byte(v)
		dst[1] = byte(v >> 8)
		dst[2] = byte(v >> 16)
		dst[3] = byte(v >> 24)
		return 4, nil
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		h, ok := e.Data.Ref.(*History)
		if !ok {
			return od.ErrTypeWrite
		}
		if e.Key.Sub() != 0 {
			return od.ErrObjAcc
		}
		if len(src) != 1 || src[0] != 0 {
			return od.ErrObjRange
		}
		h.Clear()
		return nil
	},
}

// Producer emits emergency frames onto the bus, honoring object 0x1014's
// cob-id and an inhibit spacing scheduled on the shared timer wheel.
type Producer struct {
	logger *slog.Logger
	wheel  *timer.Wheel

	nodeID uint8
	cobID  uint16
	active bool

	inhibitTicks uint32 // 100us units, object 0x1015
	inhibitID    uint32
	inhibiting   bool
	pendingCode  uint16
	pendingReg   uint8
	pendingInfo  uint32
	hasPending   bool

	history *History
	rx      RxCallback
}

// NewProducer creates an emergency producer transmitting at cob_id
// 0x80+nodeID by default.
func NewProducer(nodeID uint8, history *History, wheel *timer.Wheel, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		logger:  logger.With("service", "[EMCY]"),
		wheel:   wheel,
		nodeID:  nodeID,
		cobID:   0x80 + uint16(nodeID),
		active:  true,
		history: history,
	}
}

// SetRxCallback registers the callback invoked for every frame this
// producer sends, mirroring the CAN driver's own echo so a single
// observer can see both local and remote emergencies.
func (p *Producer) SetRxCallback(cb RxCallback) { p.rx = cb }

// SetCobID updates the transmit identifier; cob-id bit 31 disables the
// producer like the equivalent PDO/SYNC cob-ids.
func (p *Producer) SetCobID(cobID uint32) {
	p.active = cobID&0x80000000 == 0
	p.cobID = uint16(cobID & 0x7FF)
}

// SetInhibitTime sets the minimum spacing between two emitted frames, in
// 100us units (object 0x1015).
func (p *Producer) SetInhibitTime(ticks uint32) { p.inhibitTicks = ticks }

// Report records an error condition and, inhibit time permitting, emits
// an emergency frame immediately; otherwise the report is held and
// flushed exactly once when the inhibit timer expires.
func (p *Producer) Report(driver can.Driver, errorCode uint16, errorRegister uint8, additional uint32) error {
	if p.history != nil {
		p.history.Push(errorCode, errorRegister)
	}
	if p.rx != nil {
		p.rx(0, errorCode, errorRegister, additional)
	}
	if !p.active {
		return nil
	}
	if p.inhibiting {
		p.pendingCode, p.pendingReg, p.pendingInfo, p.hasPending = errorCode, errorRegister, additional, true
		return nil
	}
	if err := p.send(driver, errorCode, errorRegister, additional); err != nil {
		return err
	}
	p.armInhibit(driver)
	return nil
}

func (p *Producer) send(driver can.Driver, errorCode uint16, errorRegister uint8, additional uint32) error {
	frame := can.NewFrame(p.cobID, 8)
	frame.Data[0] = byte(errorCode)
	frame.Data[1] = byte(errorCode >> 8)
	frame.Data[2] = errorRegister
	frame.Data[3] = byte(additional)
	frame.Data[4] = byte(additional >> 8)
	frame.Data[5] = byte(additional >> 16)
	frame.Data[6] = byte(additional >> 24)
	return driver.Send(frame)
}

func (p *Producer) armInhibit(driver can.Driver) {
	if p.inhibitTicks == 0 || p.wheel == nil {
		return
	}
	id, err := p.wheel.Create(p.inhibitTicks, 0, func(any) { p.inhibitExpired(driver) }, nil)
	if err != nil {
		p.logger.Warn("failed to arm inhibit timer", "error", err)
		return
	}
	p.inhibitID = id
	p.inhibiting = true
}

func (p *Producer) inhibitExpired(driver can.Driver) {
	p.inhibiting = false
	if !p.hasPending {
		return
	}
	p.hasPending = false
	if err := p.send(driver, p.pendingCode, p.pendingReg, p.pendingInfo); err != nil {
		p.logger.Warn("deferred emergency send failed", "error", err)
		return
	}
	p.armInhibit(driver)
}

// HandleFrame consumes an inbound emergency frame (cob-id in
// [0x081, 0x0FF], dlc 8) and invokes the rx callback.
func (p *Producer) HandleFrame(frame can.Frame) {
	if p.rx == nil || frame.ID == 0x80 || frame.DLC != 8 {
		return
	}
	errorCode := uint16(frame.Data[0]) | uint16(frame.Data[1])<<8
	additional := uint32(frame.Data[3]) | uint32(frame.Data[4])<<8 | uint32(frame.Data[5])<<16 | uint32(frame.Data[6])<<24
	p.rx(frame.ID, errorCode, frame.Data[2], additional)
}
