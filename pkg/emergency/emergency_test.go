package emergency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

type fakeHost struct{}

func (fakeHost) NodeID() uint8                    { return 1 }
func (fakeHost) TriggerByObject(dev uint32) error { return nil }
func (fakeHost) SetError(code od.ErrorCode)       {}

type fakeDriver struct {
	out []can.Frame
}

func (d *fakeDriver) Enable() error { return nil }
func (d *fakeDriver) Close() error  { return nil }
func (d *fakeDriver) Send(f can.Frame) error {
	d.out = append(d.out, f)
	return nil
}
func (d *fakeDriver) Receive() (can.Frame, bool, error) { return can.Frame{}, false, nil }

func TestHistoryPushEvictsOldestAndTracksCount(t *testing.T) {
	h := NewHistory(2)
	h.Push(0x1000, 0x01)
	h.Push(0x2000, 0x02)
	h.Push(0x3000, 0x04)

	assert.Equal(t, 2, h.Count())
	v1, ok := h.Entry(1)
	require.True(t, ok)
	assert.Equal(t, uint32(0x3000)<<16|uint32(0x04)<<8, v1)
	v2, ok := h.Entry(2)
	require.True(t, ok)
	assert.Equal(t, uint32(0x2000)<<16|uint32(0x02)<<8, v2)
}

func TestHistoryClearResetsCount(t *testing.T) {
	h := NewHistory(2)
	h.Push(0x1000, 0x01)
	h.Clear()
	assert.Equal(t, 0, h.Count())
	_, ok := h.Entry(1)
	assert.False(t, ok)
}

func TestProducerReportSendsFrameAndUpdatesHistory(t *testing.T) {
	h := NewHistory(4)
	p := NewProducer(5, h, nil, nil)
	driver := &fakeDriver{}

	require.NoError(t, p.Report(driver, 0x1000, 0x01, 0xAABBCCDD))
	require.Len(t, driver.out, 1)

	frame := driver.out[0]
	assert.Equal(t, uint16(0x85), frame.ID)
	assert.Equal(t, uint8(8), frame.DLC)
	assert.Equal(t, byte(0x00), frame.Data[0])
	assert.Equal(t, byte(0x10), frame.Data[1])
	assert.Equal(t, byte(0x01), frame.Data[2])
	assert.Equal(t, 1, h.Count())
}

func TestProducerSetCobIDDisablesOnTopBit(t *testing.T) {
	p := NewProducer(5, nil, nil, nil)
	p.SetCobID(0x80000000 | 0x123)
	driver := &fakeDriver{}

	require.NoError(t, p.Report(driver, 0x2000, 0x00, 0))
	assert.Empty(t, driver.out)
}

func TestProducerInhibitDefersSecondSend(t *testing.T) {
	wheel := timer.NewWheel(4, 4, nil)
	p := NewProducer(5, nil, wheel, nil)
	p.SetInhibitTime(10)
	driver := &fakeDriver{}

	require.NoError(t, p.Report(driver, 0x1000, 0x01, 0))
	require.Len(t, driver.out, 1)

	require.NoError(t, p.Report(driver, 0x2000, 0x02, 0))
	assert.Len(t, driver.out, 1, "second report should be held until the inhibit timer fires")

	wheel.Service(10)
	wheel.Process()
	require.Len(t, driver.out, 2)
	assert.Equal(t, byte(0x00), driver.out[1].Data[0])
	assert.Equal(t, byte(0x20), driver.out[1].Data[1])
}

func TestHandleFrameInvokesRxCallback(t *testing.T) {
	p := NewProducer(5, nil, nil, nil)
	var gotIdent uint16
	var gotCode uint16
	var gotReg uint8
	p.SetRxCallback(func(ident uint16, errorCode uint16, errorRegister uint8, additional uint32) {
		gotIdent, gotCode, gotReg = ident, errorCode, errorRegister
	})

	frame := can.NewFrame(0x8A, 8)
	frame.Data[0], frame.Data[1] = 0x34, 0x12
	frame.Data[2] = 0x02
	p.HandleFrame(frame)

	assert.Equal(t, uint16(0x8A), gotIdent)
	assert.Equal(t, uint16(0x1234), gotCode)
	assert.Equal(t, uint8(0x02), gotReg)
}

func TestHandleFrameIgnoresShortFrames(t *testing.T) {
	p := NewProducer(5, nil, nil, nil)
	called := false
	p.SetRxCallback(func(uint16, uint16, uint8, uint32) { called = true })

	frame := can.NewFrame(0x8A, 4)
	p.HandleFrame(frame)
	assert.False(t, called)
}

func TestTypeHistReadsCountAndEntriesThroughDictionary(t *testing.T) {
	h := NewHistory(2)
	h.Push(0x1000, 0x01)

	backing := make([]od.Entry, 3)
	backing[0] = od.Entry{Key: od.MakeKey(0x1003, 0, od.FlagReadWrite, od.WidthByte), Type: TypeHist, Data: od.DataSlot{Ref: h}}
	backing[1] = od.Entry{Key: od.MakeKey(0x1003, 1, od.FlagRead, od.WidthLong), Type: TypeHist, Data: od.DataSlot{Ref: h}}
	d := od.NewDictionary(backing)
	require.NoError(t, d.Init(fakeHost{}))

	count, err := d.ReadU8(od.DevOf(0x1003, 0))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), count)

	var buf [4]byte
	n, err := d.ReadBuffer(od.DevOf(0x1003, 1), buf[:])
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, d.WriteU8(od.DevOf(0x1003, 0), 0))
	assert.Equal(t, 0, h.Count())
}
