package pdo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

type fakeHost struct {
	triggered []uint32
}

func (h *fakeHost) NodeID() uint8 { return 5 }
func (h *fakeHost) TriggerByObject(dev uint32) error {
	h.triggered = append(h.triggered, dev)
	return nil
}
func (h *fakeHost) SetError(code od.ErrorCode) {}

type fakeDriver struct {
	mu  sync.Mutex
	out []can.Frame
}

func (d *fakeDriver) Enable() error { return nil }
func (d *fakeDriver) Close() error  { return nil }
func (d *fakeDriver) Send(f can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = append(d.out, f)
	return nil
}
func (d *fakeDriver) Receive() (can.Frame, bool, error) { return can.Frame{}, false, nil }
func (d *fakeDriver) sent() []can.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]can.Frame(nil), d.out...)
}

func newWheel() *timer.Wheel { return timer.NewWheel(32, 32, nil) }

// newTestDict builds a 2-entry dictionary: 0x2000/0 (u8, PDO-mappable,
// async-triggered) and 0x2001/0 (u16, PDO-mappable).
func newTestDict(t *testing.T) *od.Dictionary {
	t.Helper()
	backing := make([]od.Entry, 4)
	backing[0] = od.Entry{
		Key:  od.MakeKey(0x2000, 0, od.FlagReadWrite|od.FlagDirect|od.FlagPDOMappable|od.FlagAsyncTrigger, od.WidthByte),
		Type: od.TypeU8,
	}
	backing[1] = od.Entry{
		Key:  od.MakeKey(0x2001, 0, od.FlagReadWrite|od.FlagDirect|od.FlagPDOMappable, od.WidthWord),
		Type: od.TypeU16,
	}
	d := od.NewDictionary(backing)
	require.NoError(t, d.Init(&fakeHost{}))
	return d
}

func mapWord(index uint16, sub uint8, bits uint8) uint32 {
	return uint32(index)<<16 | uint32(sub)<<8 | uint32(bits)
}

func TestBuildMappingCollapsesDummyEntries(t *testing.T) {
	dict := newTestDict(t)
	words := []uint32{mapWord(0x0005, 0, 32), mapWord(0x2000, 0, 8)}
	m, err := buildMapping(dict, words, 2, true)
	require.NoError(t, err)
	require.Len(t, m.layout, 2)
	assert.True(t, m.layout[0].dummy)
	assert.Equal(t, uint8(4), m.layout[0].size)
	assert.Equal(t, 5, m.total)
}

func TestBuildMappingRejectsOversizedPayload(t *testing.T) {
	dict := newTestDict(t)
	words := []uint32{mapWord(0x0007, 0, 32), mapWord(0x0007, 0, 32), mapWord(0x0007, 0, 16)}
	_, err := buildMapping(dict, words, 3, true)
	assert.Equal(t, od.ErrObjMapLen, err)
}

func TestBuildMappingRejectsNonMappableObject(t *testing.T) {
	backing := make([]od.Entry, 2)
	backing[0] = od.Entry{Key: od.MakeKey(0x2000, 0, od.FlagReadWrite|od.FlagDirect, od.WidthByte), Type: od.TypeU8}
	dict := od.NewDictionary(backing)
	require.NoError(t, dict.Init(&fakeHost{}))

	_, err := buildMapping(dict, []uint32{mapWord(0x2000, 0, 8)}, 1, true)
	assert.Equal(t, od.ErrObjMapType, err)
}

func TestBuildMappingRejectsWrongPermissionForRPDO(t *testing.T) {
	backing := make([]od.Entry, 2)
	// read-only, mappable: fine for TPDO, refused for RPDO.
	backing[0] = od.Entry{Key: od.MakeKey(0x2000, 0, od.FlagRead|od.FlagDirect|od.FlagPDOMappable, od.WidthByte), Type: od.TypeU8}
	dict := od.NewDictionary(backing)
	require.NoError(t, dict.Init(&fakeHost{}))

	_, err := buildMapping(dict, []uint32{mapWord(0x2000, 0, 8)}, 1, false)
	assert.Equal(t, od.ErrObjMapType, err)
}

func newActiveTPDO(t *testing.T, dict *od.Dictionary, wheel *timer.Wheel, driver can.Driver, engine *Engine, cobID uint16, transType uint8) *TPDO {
	t.Helper()
	tp := newTPDO(0, dict, wheel, driver, engine, nil)
	require.NoError(t, tp.setMapCount(0))
	require.NoError(t, tp.setMapWord(0, mapWord(0x2000, 0, 8)))
	require.NoError(t, tp.setTransType(transType))
	require.NoError(t, tp.setMapCount(1))
	require.NoError(t, tp.setCobID(uint32(cobID)))
	return tp
}

func TestTPDOAsyncTriggerSendsOnEventType(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	engine := NewEngine(dict, wheel, driver, nil, 1, 0, nil, nil)
	tp := engine.TPDO(0)
	require.NoError(t, tp.setMapWord(0, mapWord(0x2000, 0, 8)))
	require.NoError(t, tp.setMapCount(1))
	require.NoError(t, tp.setTransType(255))
	require.NoError(t, tp.setCobID(0x180))

	require.NoError(t, dict.WriteU8(od.DevOf(0x2000, 0), 42))
	require.NoError(t, engine.TriggerByObject(od.DevOf(0x2000, 0)))

	frames := driver.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(0x180), frames[0].ID)
	assert.Equal(t, uint8(1), frames[0].DLC)
	assert.Equal(t, byte(42), frames[0].Data[0])
}

func TestTPDOTxHookMutatesFrameBeforeSend(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	engine := NewEngine(dict, wheel, driver, nil, 1, 0, nil, nil)
	engine.SetTxHook(func(f *can.Frame) { f.Data[0] = 0xFF })
	tp := engine.TPDO(0)
	require.NoError(t, tp.setMapWord(0, mapWord(0x2000, 0, 8)))
	require.NoError(t, tp.setMapCount(1))
	require.NoError(t, tp.setTransType(255))
	require.NoError(t, tp.setCobID(0x180))

	require.NoError(t, dict.WriteU8(od.DevOf(0x2000, 0), 42))
	require.NoError(t, engine.TriggerByObject(od.DevOf(0x2000, 0)))

	frames := driver.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, byte(0xFF), frames[0].Data[0], "tx hook must be able to mutate the frame before it is sent")
}

func TestRPDORxHookConsumingFrameSkipsWrite(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	engine := NewEngine(dict, wheel, driver, nil, 0, 1, nil, nil)
	var gotFrame can.Frame
	engine.SetRxHook(func(f *can.Frame) bool {
		gotFrame = *f
		return true
	})
	rp := engine.RPDO(0)
	require.NoError(t, rp.setMapWord(0, mapWord(0x2001, 0, 16)))
	require.NoError(t, rp.setMapCount(1))
	require.NoError(t, rp.setTransType(254))
	require.NoError(t, rp.setCobID(0x200))

	frame := can.NewFrame(0x200, 2)
	frame.Data[0], frame.Data[1] = 0x34, 0x12
	handled := engine.HandleFrame(frame)
	assert.True(t, handled)
	assert.Equal(t, uint16(0x200), gotFrame.ID, "rx hook must see the inbound frame")

	v, err := dict.ReadU16(od.DevOf(0x2001, 0))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), v, "rx hook returning consumed must skip the dictionary write")
}

func TestTPDONthSyncFiresOnThirdCount(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	tp := newActiveTPDO(t, dict, wheel, driver, nil, 0x180, 3)

	tp.onSync(1)
	tp.onSync(2)
	assert.Empty(t, driver.sent())
	tp.onSync(3)
	assert.Len(t, driver.sent(), 1)
}

func TestTPDOInhibitDefersSecondSend(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	tp := newActiveTPDO(t, dict, wheel, driver, nil, 0x180, 254)
	tp.inhibit = 10 // set before first send so the timer arms

	_ = tp.tx()
	require.Len(t, driver.sent(), 1)

	_ = tp.tx() // still inhibiting, deferred
	assert.Len(t, driver.sent(), 1)
	assert.True(t, tp.pendingEvent)

	wheel.Service(10)
	wheel.Process()
	assert.Len(t, driver.sent(), 2)
}

func TestSetCobIDRefusedWhileActiveExceptOffBit(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	tp := newActiveTPDO(t, dict, wheel, driver, nil, 0x180, 254)

	assert.Equal(t, od.ErrObjAcc, tp.setCobID(0x181))

	require.NoError(t, tp.setCobID(uint32(0x180)|offBit))
	assert.False(t, tp.Active())
}

func TestSetMapCountRefusedWhileActive(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	tp := newActiveTPDO(t, dict, wheel, driver, nil, 0x180, 254)
	assert.Equal(t, od.ErrObjAcc, tp.setMapCount(0))
}

func TestRPDOAsyncApplyImmediate(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	engine := NewEngine(dict, wheel, driver, nil, 0, 1, nil, nil)
	rp := engine.RPDO(0)
	require.NoError(t, rp.setMapWord(0, mapWord(0x2001, 0, 16)))
	require.NoError(t, rp.setMapCount(1))
	require.NoError(t, rp.setTransType(254))
	require.NoError(t, rp.setCobID(0x200))

	frame := can.NewFrame(0x200, 2)
	frame.Data[0], frame.Data[1] = 0x34, 0x12
	handled := engine.HandleFrame(frame)
	assert.True(t, handled)

	v, err := dict.ReadU16(od.DevOf(0x2001, 0))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)
}

func TestRPDOSyncModeBuffersUntilFlush(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	engine := NewEngine(dict, wheel, driver, nil, 0, 1, nil, nil)
	rp := engine.RPDO(0)
	require.NoError(t, rp.setMapWord(0, mapWord(0x2001, 0, 16)))
	require.NoError(t, rp.setMapCount(1))
	require.NoError(t, rp.setTransType(1)) // synchronous
	require.NoError(t, rp.setCobID(0x200))

	frame := can.NewFrame(0x200, 2)
	frame.Data[0], frame.Data[1] = 0xAD, 0xDE
	engine.HandleFrame(frame)

	v, _ := dict.ReadU16(od.DevOf(0x2001, 0))
	assert.Equal(t, uint16(0), v, "sync-mode RPDO must not apply outside the SYNC handler")

	engine.HandleSync(1)
	v, err := dict.ReadU16(od.DevOf(0x2001, 0))
	require.NoError(t, err)
	assert.Equal(t, uint16(0xDEAD), v)
}

func TestRPDORXTimeoutClearsTimerOnExpiry(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	wheel := newWheel()
	rp := newRPDO(dict, wheel, driver, nil, nil, nil)
	require.NoError(t, rp.setMapWord(0, mapWord(0x2001, 0, 16)))
	require.NoError(t, rp.setMapCount(1))
	require.NoError(t, rp.setTransType(254))
	rp.event = 20
	require.NoError(t, rp.setCobID(0x200))

	assert.True(t, rp.hasTmr)
	wheel.Service(20 * TicksPerMs)
	wheel.Process()
	assert.False(t, rp.hasTmr)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	dict := newTestDict(t)
	words := []uint32{mapWord(0x2000, 0, 8), mapWord(0x2001, 0, 16)}
	m, err := buildMapping(dict, words, 2, true)
	require.NoError(t, err)

	require.NoError(t, dict.WriteU8(od.DevOf(0x2000, 0), 7))
	require.NoError(t, dict.WriteU16(od.DevOf(0x2001, 0), 0xBEEF))

	buf := make([]byte, m.total)
	n, err := pack(dict, m, buf)
	require.NoError(t, err)
	assert.Equal(t, m.total, n)

	require.NoError(t, dict.WriteU8(od.DevOf(0x2000, 0), 0))
	require.NoError(t, dict.WriteU16(od.DevOf(0x2001, 0), 0))
	require.NoError(t, unpack(dict, m, buf))

	v8, _ := dict.ReadU8(od.DevOf(0x2000, 0))
	v16, _ := dict.ReadU16(od.DevOf(0x2001, 0))
	assert.Equal(t, uint8(7), v8)
	assert.Equal(t, uint16(0xBEEF), v16)
}
