// Package heartbeat implements the heartbeat consumer (CiA 301 §7.2.8.3,
// object 0x1016): per-node timeout monitoring, duplicate-node-id
// rejection, and the boot/timeout/active event stream the node surfaces
// to its embedder.
package heartbeat

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/emergency"
	"github.com/fieldbus-works/canopen/pkg/nmt"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

// TicksPerMs mirrors nmt.TicksPerMs: the shared timer wheel runs at 100
// microsecond resolution.
const TicksPerMs = 10

// State is the monitoring state of one consumer entry.
type State uint8

const (
	StateUnconfigured State = iota
	StateUnknown
	StateActive
	StateTimeout
)

// Event classifies a consumer callback invocation.
type Event uint8

const (
	EventNone Event = iota
	EventStarted
	EventTimeout
	EventChanged
	EventBoot
)

// EventCallback is invoked on every state-affecting heartbeat reception
// or timeout.
type EventCallback func(event Event, index int, nodeID uint8, nmtState nmt.State)

type consumerEntry struct {
	nodeID     uint8
	timeoutMs  uint16
	state      State
	nmtState   nmt.State
	timerID    uint32
	hasTimer   bool
	eventCount uint8
}

// Consumer is the fixed-capacity array of monitored nodes backing object
// 0x1016. Entry count is fixed at construction, matching the arena
// allocation used throughout this module (§9 Design Notes).
type Consumer struct {
	logger *slog.Logger
	wheel  *timer.Wheel
	emcy   *emergency.Producer
	driver can.Driver

	entries []consumerEntry
	onEvent EventCallback

	allActive      bool
	allOperational bool
}

// NewConsumer allocates a consumer able to monitor n nodes, all initially
// unconfigured.
func NewConsumer(n int, wheel *timer.Wheel, emcy *emergency.Producer, driver can.Driver, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		logger:  logger.With("service", "[HB]"),
		wheel:   wheel,
		emcy:    emcy,
		driver:  driver,
		entries: make([]consumerEntry, n),
	}
}

// OnEvent registers the callback invoked for every monitoring event.
func (c *Consumer) OnEvent(cb EventCallback) { c.onEvent = cb }

// SetEntry configures consumer entry index (0-based) to monitor nodeID at
// the given timeout, in milliseconds. A nonzero timeout for a nodeID
// already monitored by a different entry is refused (object 0x1016's
// CiA 301 duplicate-node rule); a zero timeout disables the entry.
func (c *Consumer) SetEntry(index int, nodeID uint8, timeoutMs uint16) error {
	if index < 0 || index >= len(c.entries) {
		return od.ErrBadArg
	}
	if timeoutMs != 0 && nodeID != 0 {
		for i := range c.entries {
			if i != index && c.entries[i].timeoutMs != 0 && c.entries[i].nodeID == nodeID {
				return od.ErrObjIncompatible
			}
		}
	}
	e := &c.entries[index]
	c.cancelTimer(e)
	e.nodeID = nodeID
	e.timeoutMs = timeoutMs
	e.nmtState = nmt.StateInvalid
	e.eventCount = 0
	if timeoutMs == 0 || nodeID == 0 {
		e.state = StateUnconfigured
		return nil
	}
	e.state = StateUnknown
	c.restartTimer(index)
	return nil
}

// RawEntry packs entry index's nodeID and timeout into the wire format
// object 0x1016 exposes (nodeID<<16 | timeoutMs).
func (c *Consumer) RawEntry(index int) uint32 {
	if index < 0 || index >= len(c.entries) {
		return 0
	}
	e := &c.entries[index]
	return uint32(e.nodeID)<<16 | uint32(e.timeoutMs)
}

// Count returns the number of monitorable entries (object 0x1016 sub 0).
func (c *Consumer) Count() int { return len(c.entries) }

// EventCount returns entry index's HbCons.event_count: the number of
// timeouts observed since the entry was last (re)configured, saturating
// at 255.
func (c *Consumer) EventCount(index int) uint8 {
	if index < 0 || index >= len(c.entries) {
		return 0
	}
	return c.entries[index].eventCount
}

// HandleFrame consumes an inbound heartbeat/bootup frame (cob-id
// 0x700+nodeID, dlc 1) and restarts the matching entry's timeout, if
// any entry monitors that node.
func (c *Consumer) HandleFrame(frame can.Frame) bool {
	if frame.ID < 0x701 || frame.ID > 0x77F || frame.DLC != 1 {
		return false
	}
	nodeID := uint8(frame.ID - 0x700)
	state := nmt.State(frame.Data[0])

	handled := false
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == StateUnconfigured || e.nodeID != nodeID {
			continue
		}
		handled = true
		wasUnknown := e.state == StateUnknown
		prevState := e.nmtState
		e.state = StateActive
		e.nmtState = state
		c.restartTimer(i)

		switch {
		case state == nmt.StateInit:
			c.fire(EventBoot, i, nodeID, state)
		case wasUnknown:
			c.fire(EventStarted, i, nodeID, state)
		case prevState != state:
			c.fire(EventChanged, i, nodeID, state)
		}
	}
	c.checkAllMonitored()
	return handled
}

// Start (re)arms the timeout timer for every configured entry. Node does
// not call it on NMT transitions; it runs only when called explicitly.
func (c *Consumer) Start() {
	for i := range c.entries {
		if c.entries[i].state != StateUnconfigured {
			c.restartTimer(i)
		}
	}
}

// Stop tears down every timer and resets monitoring state, without
// touching configuration (nodeID/timeoutMs survive a Stop).
func (c *Consumer) Stop() {
	for i := range c.entries {
		e := &c.entries[i]
		c.cancelTimer(e)
		e.nmtState = nmt.StateInvalid
		if e.state != StateUnconfigured {
			e.state = StateUnknown
		}
	}
	c.allActive = false
	c.allOperational = false
}

func (c *Consumer) restartTimer(index int) {
	e := &c.entries[index]
	c.cancelTimer(e)
	if e.timeoutMs == 0 || c.wheel == nil {
		return
	}
	ticks := uint32(e.timeoutMs) * TicksPerMs
	id, err := c.wheel.Create(ticks, 0, func(any) { c.timeoutExpired(index) }, nil)
	if err != nil {
		c.logger.Warn("failed to arm heartbeat timeout", "error", err)
		return
	}
	e.timerID = id
	e.hasTimer = true
}

func (c *Consumer) cancelTimer(e *consumerEntry) {
	if e.hasTimer {
		_ = c.wheel.Delete(e.timerID)
		e.hasTimer = false
	}
}

func (c *Consumer) timeoutExpired(index int) {
	e := &c.entries[index]
	e.hasTimer = false
	e.state = StateTimeout
	if e.eventCount < 255 {
		e.eventCount++
	}
	c.fire(EventTimeout, index, e.nodeID, e.nmtState)
	if c.emcy != nil {
		_ = c.emcy.Report(c.driver, emergency.CodeHeartbeat, emergency.ErrRegCommunication, uint32(e.nodeID))
	}
	c.checkAllMonitored()
}

func (c *Consumer) checkAllMonitored() {
	allActive := true
	allOperational := true
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == StateUnconfigured {
			continue
		}
		if e.state != StateActive {
			allActive = false
		}
		if e.nmtState != nmt.StateOperational {
			allOperational = false
		}
	}
	c.allActive = allActive
	c.allOperational = allOperational
}

// AllMonitoredActive reports whether every configured entry currently
// holds state Active.
func (c *Consumer) AllMonitoredActive() bool { return c.allActive }

// AllMonitoredOperational reports whether every configured entry's last
// known NMT state was Operational.
func (c *Consumer) AllMonitoredOperational() bool { return c.allOperational }

func (c *Consumer) fire(event Event, index int, nodeID uint8, state nmt.State) {
	if c.onEvent != nil {
		c.onEvent(event, index, nodeID, state)
	}
}
