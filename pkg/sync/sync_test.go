package sync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

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

func newWheel() *timer.Wheel {
	return timer.NewWheel(32, 32, nil)
}

func TestActivateRejectsSubResolutionCycle(t *testing.T) {
	svc := NewService(newWheel(), &fakeDriver{}, nil)
	svc.cycleUs = 50 // below the 100us tick unit
	err := svc.Activate()
	require.Error(t, err)
	assert.Equal(t, od.ErrSyncRes, err)
	assert.False(t, svc.Producing())
}

func TestActivateArmsPeriodicProduction(t *testing.T) {
	driver := &fakeDriver{}
	wheel := newWheel()
	svc := NewService(wheel, driver, nil)
	svc.cycleUs = 1000 // 10 ticks
	require.NoError(t, svc.Activate())
	assert.True(t, svc.Producing())

	wheel.Service(10)
	wheel.Process()
	wheel.Service(10)
	wheel.Process()

	frames := driver.sent()
	require.Len(t, frames, 2)
	assert.Equal(t, uint16(0x80), frames[0].ID)
	assert.Equal(t, uint8(0), frames[0].DLC)
}

func TestTransmitIncludesCounterWhenOverflowConfigured(t *testing.T) {
	driver := &fakeDriver{}
	wheel := newWheel()
	svc := NewService(wheel, driver, nil)
	svc.SetCounterOverflow(240)
	svc.cycleUs = 1000
	require.NoError(t, svc.Activate())

	wheel.Service(10)
	wheel.Process()

	frames := driver.sent()
	require.Len(t, frames, 1)
	require.Equal(t, uint8(1), frames[0].DLC)
	assert.Equal(t, uint8(1), frames[0].Data[0])
}

func TestTransmitWrapsCounterAtOverflow(t *testing.T) {
	driver := &fakeDriver{}
	wheel := newWheel()
	svc := NewService(wheel, driver, nil)
	svc.SetCounterOverflow(2)
	svc.cycleUs = 1000
	require.NoError(t, svc.Activate())

	for i := 0; i < 3; i++ {
		wheel.Service(10)
		wheel.Process()
	}

	frames := driver.sent()
	require.Len(t, frames, 3)
	assert.Equal(t, []byte{1, 2, 1}, []byte{frames[0].Data[0], frames[1].Data[0], frames[2].Data[0]})
}

func TestDeactivateStopsProduction(t *testing.T) {
	driver := &fakeDriver{}
	wheel := newWheel()
	svc := NewService(wheel, driver, nil)
	svc.cycleUs = 1000
	require.NoError(t, svc.Activate())
	svc.Deactivate()
	assert.False(t, svc.Producing())

	wheel.Service(10)
	wheel.Process()
	assert.Empty(t, driver.sent())
}

func TestHandleFrameFansOutToConsumers(t *testing.T) {
	svc := NewService(newWheel(), &fakeDriver{}, nil)
	var got uint8
	svc.RegisterConsumer(func(counter uint8) { got = counter })

	svc.HandleFrame(can.NewFrame(0x80, 0))
	assert.Equal(t, uint8(0), got)

	svc.SetCounterOverflow(10)
	frame := can.NewFrame(0x80, 1)
	frame.Data[0] = 5
	svc.HandleFrame(frame)
	assert.Equal(t, uint8(5), got)
}

func TestHandleFrameIgnoresWrongDLCForConfiguredMode(t *testing.T) {
	svc := NewService(newWheel(), &fakeDriver{}, nil)
	called := false
	svc.RegisterConsumer(func(uint8) { called = true })

	svc.HandleFrame(can.NewFrame(0x80, 1)) // dlc 1 but overflow not configured
	assert.False(t, called)

	svc.SetCounterOverflow(10)
	svc.HandleFrame(can.NewFrame(0x80, 0)) // dlc 0 but overflow configured
	assert.False(t, called)
}

func TestTypeIDReadReflectsProducerBitAndCobID(t *testing.T) {
	svc := NewService(newWheel(), &fakeDriver{}, nil)
	svc.cobID = 0x80
	entry := &od.Entry{Data: od.DataSlot{Ref: svc}}

	buf := make([]byte, 4)
	n, err := TypeID.Read(entry, nil, buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	v := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	assert.Equal(t, uint32(0x80), v) // bit 30 clear: not producing

	svc.cycleUs = 1000
	require.NoError(t, svc.Activate())
	_, err = TypeID.Read(entry, nil, buf)
	require.NoError(t, err)
	v = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	assert.NotZero(t, v&(1<<30))
}

func TestTypeIDWriteActivatesProducer(t *testing.T) {
	svc := NewService(newWheel(), &fakeDriver{}, nil)
	svc.cycleUs = 1000
	entry := &od.Entry{Data: od.DataSlot{Ref: svc}}

	v := uint32(0x80) | 1<<30
	buf := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	require.NoError(t, TypeID.Write(entry, nil, buf))
	assert.True(t, svc.Producing())
}

func TestTypeIDWriteRejectsCobIDChangeWhileProducing(t *testing.T) {
	svc := NewService(newWheel(), &fakeDriver{}, nil)
	svc.cycleUs = 1000
	require.NoError(t, svc.Activate())
	entry := &od.Entry{Data: od.DataSlot{Ref: svc}}

	v := uint32(0x81) | 1<<30
	buf := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	err := TypeID.Write(entry, nil, buf)
	assert.Equal(t, od.ErrObjRange, err)
}

func TestTypeCycleWriteReactivatesAtNewPeriod(t *testing.T) {
	driver := &fakeDriver{}
	wheel := newWheel()
	svc := NewService(wheel, driver, nil)
	svc.cycleUs = 1000
	require.NoError(t, svc.Activate())
	entry := &od.Entry{Data: od.DataSlot{Ref: svc}}

	newCycle := uint32(2000)
	buf := []byte{byte(newCycle), byte(newCycle >> 8), byte(newCycle >> 16), byte(newCycle >> 24)}
	require.NoError(t, TypeCycle.Write(entry, nil, buf))
	assert.Equal(t, newCycle, svc.cycleUs)
}

func TestTypeCycleWriteRestoresOldValueOnSyncRes(t *testing.T) {
	svc := NewService(newWheel(), &fakeDriver{}, nil)
	svc.cycleUs = 1000
	require.NoError(t, svc.Activate())
	entry := &od.Entry{Data: od.DataSlot{Ref: svc}}

	bad := uint32(50) // below tick resolution
	buf := []byte{byte(bad), byte(bad >> 8), byte(bad >> 16), byte(bad >> 24)}
	err := TypeCycle.Write(entry, nil, buf)
	assert.Equal(t, od.ErrObjRange, err)
	assert.Equal(t, uint32(1000), svc.cycleUs)
}
