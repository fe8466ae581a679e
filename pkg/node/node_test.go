package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/lss"
	"github.com/fieldbus-works/canopen/pkg/nmt"
	"github.com/fieldbus-works/canopen/pkg/od"
)

type fakeDriver struct {
	in  []can.Frame
	out []can.Frame
}

func (d *fakeDriver) Enable() error { return nil }
func (d *fakeDriver) Close() error  { return nil }
func (d *fakeDriver) Send(f can.Frame) error {
	d.out = append(d.out, f)
	return nil
}
func (d *fakeDriver) Receive() (can.Frame, bool, error) {
	if len(d.in) == 0 {
		return can.Frame{}, false, nil
	}
	f := d.in[0]
	d.in = d.in[1:]
	return f, true, nil
}
func (d *fakeDriver) push(f can.Frame) { d.in = append(d.in, f) }

// entry is a small builder for the hand-assembled object dictionary a
// node test needs: one VAR entry per subindex, matching the flat
// (index, sub) layout the real dictionary stores (§3.1/§4.2).
func entry(index uint16, sub uint8, flags od.Flag, width od.Width) od.Entry {
	return od.Entry{Key: od.MakeKey(index, sub, flags, width)}
}

func newTestDict(t *testing.T) *od.Dictionary {
	t.Helper()
	backing := make([]od.Entry, len(baseEntries())+1)
	copy(backing, baseEntries())
	return od.NewDictionary(backing)
}

func baseEntries() []od.Entry {
	rw := od.FlagReadWrite | od.FlagDirect
	ro := od.FlagRead | od.FlagDirect
	mapRW := od.FlagReadWrite | od.FlagDirect | od.FlagPDOMappable | od.FlagAsyncTrigger

	var entries []od.Entry
	// Mapped application objects.
	entries = append(entries,
		entry(0x2000, 0, mapRW, od.WidthByte),
		entry(0x2001, 0, mapRW, od.WidthWord),
	)
	// 0x1003 EMCY history: sub0 + 2 slots.
	entries = append(entries,
		entry(0x1003, 0, rw, od.WidthByte),
		entry(0x1003, 1, ro, od.WidthLong),
		entry(0x1003, 2, ro, od.WidthLong),
	)
	// 0x1005/0x1006 SYNC.
	entries = append(entries, entry(0x1005, 0, rw, od.WidthLong), entry(0x1006, 0, rw, od.WidthLong))
	// 0x1014 EMCY cob-id.
	entries = append(entries, entry(0x1014, 0, rw, od.WidthLong))
	// 0x1016 heartbeat consumer: sub0 + 1 slot.
	entries = append(entries, entry(0x1016, 0, ro, od.WidthByte), entry(0x1016, 1, rw, od.WidthLong))
	// 0x1017 heartbeat producer.
	entries = append(entries, entry(0x1017, 0, rw, od.WidthWord))
	// 0x1200 SDO server id: sub1/2.
	entries = append(entries, entry(0x1200, 1, rw, od.WidthLong), entry(0x1200, 2, rw, od.WidthLong))
	// 0x1800/0x1A00 TPDO #0.
	entries = append(entries,
		entry(0x1800, 0, ro, od.WidthByte), entry(0x1800, 1, rw, od.WidthLong),
		entry(0x1800, 2, rw, od.WidthByte), entry(0x1800, 3, rw, od.WidthWord),
		entry(0x1800, 5, rw, od.WidthWord),
		entry(0x1A00, 0, rw, od.WidthByte), entry(0x1A00, 1, rw, od.WidthLong),
	)
	// 0x1400/0x1600 RPDO #0.
	entries = append(entries,
		entry(0x1400, 0, ro, od.WidthByte), entry(0x1400, 1, rw, od.WidthLong),
		entry(0x1400, 2, rw, od.WidthByte), entry(0x1400, 5, rw, od.WidthWord),
		entry(0x1600, 0, rw, od.WidthByte), entry(0x1600, 1, rw, od.WidthLong),
	)
	return entries
}

func mapWord(index uint16, sub uint8, bits uint8) uint32 {
	return uint32(index)<<16 | uint32(sub)<<8 | uint32(bits)
}

func TestNewNodeBootsUpAndSendsBootupFrame(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	n, err := New(Config{NodeID: 5, NTPDO: 1, NRPDO: 1, HistoryDepth: 2, HBConsumers: 1}, dict, driver)
	require.NoError(t, err)

	n.Start()
	require.Len(t, driver.out, 1)
	assert.Equal(t, uint16(0x705), driver.out[0].ID)
	assert.Equal(t, byte(0), driver.out[0].Data[0]) // bootup payload
	assert.Equal(t, nmt.StatePreOp, n.NMT.State())
}

func TestProcessAppliesNMTStartCommand(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	n, err := New(Config{NodeID: 5, NTPDO: 1, NRPDO: 1, HistoryDepth: 2, HBConsumers: 1}, dict, driver)
	require.NoError(t, err)
	n.Start()
	driver.out = nil

	start := can.NewFrame(0x000, 2)
	start.Data[0] = byte(nmt.CommandStart)
	start.Data[1] = 0 // broadcast
	driver.push(start)

	n.Process()
	assert.Equal(t, nmt.StateOperational, n.NMT.State())
	require.Len(t, driver.out, 1)
	assert.Equal(t, byte(nmt.StateOperational), driver.out[0].Data[0])
}

func TestProcessRoutesSDODownloadToServer(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	n, err := New(Config{NodeID: 5, NTPDO: 1, NRPDO: 1, HistoryDepth: 2, HBConsumers: 1}, dict, driver)
	require.NoError(t, err)
	n.Start() // PreOp allows SDO traffic
	driver.out = nil

	req := can.NewFrame(0x605, 8)
	req.Data[0] = 0x2F // expedited download, 1 byte, ccs=1
	req.Data[1], req.Data[2], req.Data[3] = 0x00, 0x20, 0x00
	req.Data[4] = 7
	driver.push(req)

	n.Process()
	v, err := dict.ReadU8(od.DevOf(0x2000, 0))
	require.NoError(t, err)
	assert.Equal(t, uint8(7), v)

	require.Len(t, driver.out, 1)
	assert.Equal(t, uint16(0x585), driver.out[0].ID)
}

func TestProcessFallsBackToUserCallbackForUnknownFrame(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	n, err := New(Config{NodeID: 5, NTPDO: 1, NRPDO: 1, HistoryDepth: 2, HBConsumers: 1}, dict, driver)
	require.NoError(t, err)
	n.Start()

	var got can.Frame
	seen := false
	n.SetReceiveCallback(func(frame can.Frame) {
		got = frame
		seen = true
	})

	unknown := can.NewFrame(0x321, 4)
	driver.push(unknown)
	n.Process()

	require.True(t, seen)
	assert.Equal(t, uint16(0x321), got.ID)
}

func TestLSSFrameTakesPriorityOverOtherServices(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	addr := lss.Address{VendorID: 1, ProductCode: 2, RevisionNumber: 3, SerialNumber: 4}
	n, err := New(Config{
		NodeID: 5, NTPDO: 1, NRPDO: 1, HistoryDepth: 2, HBConsumers: 1,
		EnableLSS: true, LSSAddress: addr,
	}, dict, driver)
	require.NoError(t, err)
	n.Start()
	driver.out = nil

	global := can.NewFrame(lss.CobIDMaster, 8)
	global.Data[0] = byte(lss.CmdSwitchGlobal)
	global.Data[1] = byte(lss.ModeConfiguration)
	driver.push(global)

	n.Process()
	assert.Equal(t, lss.StateConfiguration, n.LSS.State())
}

type fakeNVM struct {
	data map[string][]byte
}

func newFakeNVM() *fakeNVM { return &fakeNVM{data: make(map[string][]byte)} }

func (n *fakeNVM) Write(region string, data []byte) error {
	n.data[region] = append([]byte(nil), data...)
	return nil
}

func (n *fakeNVM) Read(region string, dst []byte) (int, error) {
	data, ok := n.data[region]
	if !ok {
		return 0, nil
	}
	return copy(dst, data), nil
}

func TestStoreParametersWritesCommunicationProfileToNVM(t *testing.T) {
	dict := newTestDictWithPara(t)
	driver := &fakeDriver{}
	nvm := newFakeNVM()

	n, err := New(Config{NodeID: 5, NTPDO: 1, NRPDO: 1, HistoryDepth: 2, HBConsumers: 1, NVM: nvm}, dict, driver)
	require.NoError(t, err)
	require.NotNil(t, n.ParaComm)

	require.NoError(t, dict.WriteU32(od.DevOf(0x1006, 0), 1000))
	require.NoError(t, dict.WriteU32(od.DevOf(0x1010, 1), od.ParaStoreSignature))

	stored, ok := nvm.data["comm"]
	require.True(t, ok)
	require.NotEmpty(t, stored)
}

func newTestDictWithPara(t *testing.T) *od.Dictionary {
	t.Helper()
	entries := append([]od.Entry{}, baseEntries()...)
	entries = append(entries,
		entry(0x1010, 0, od.FlagRead|od.FlagDirect, od.WidthByte),
		entry(0x1010, 1, od.FlagReadWrite|od.FlagDirect, od.WidthLong),
		entry(0x1010, 2, od.FlagReadWrite|od.FlagDirect, od.WidthLong),
		entry(0x1010, 3, od.FlagReadWrite|od.FlagDirect, od.WidthLong),
		entry(0x1011, 0, od.FlagRead|od.FlagDirect, od.WidthByte),
		entry(0x1011, 1, od.FlagReadWrite|od.FlagDirect, od.WidthLong),
		entry(0x1011, 2, od.FlagReadWrite|od.FlagDirect, od.WidthLong),
		entry(0x1011, 3, od.FlagReadWrite|od.FlagDirect, od.WidthLong),
		entry(0x6000, 0, od.FlagReadWrite|od.FlagDirect, od.WidthByte), // application-range object for ParaApp coverage
	)
	backing := make([]od.Entry, len(entries)+1)
	copy(backing, entries)
	return od.NewDictionary(backing)
}

func TestStoreParametersWritesApplicationAndManufacturerGroupsToNVM(t *testing.T) {
	dict := newTestDictWithPara(t)
	driver := &fakeDriver{}
	nvm := newFakeNVM()

	n, err := New(Config{NodeID: 5, NTPDO: 1, NRPDO: 1, HistoryDepth: 2, HBConsumers: 1, NVM: nvm}, dict, driver)
	require.NoError(t, err)
	require.NotNil(t, n.ParaApp)
	require.NotNil(t, n.ParaMfg)

	require.NoError(t, dict.WriteU32(od.DevOf(0x1010, 2), od.ParaStoreSignature))
	stored, ok := nvm.data["app"]
	require.True(t, ok)
	require.NotEmpty(t, stored)

	require.NoError(t, dict.WriteU32(od.DevOf(0x1010, 3), od.ParaStoreSignature))
	stored, ok = nvm.data["mfg"]
	require.True(t, ok)
	require.NotEmpty(t, stored)

	require.NoError(t, dict.WriteU32(od.DevOf(0x1011, 2), od.ParaRestoreSignature))
	require.NoError(t, dict.WriteU32(od.DevOf(0x1011, 3), od.ParaRestoreSignature))
}

func TestTPDOMappingConfiguresThroughDictionary(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	n, err := New(Config{NodeID: 5, NTPDO: 1, NRPDO: 1, HistoryDepth: 2, HBConsumers: 1}, dict, driver)
	require.NoError(t, err)

	require.NoError(t, dict.WriteU32(od.DevOf(0x1A00, 1), mapWord(0x2000, 0, 8)))
	require.NoError(t, dict.WriteU8(od.DevOf(0x1A00, 0), 1))
	require.NoError(t, dict.WriteU8(od.DevOf(0x1800, 2), 0xFF)) // async, event-driven
	require.NoError(t, dict.WriteU32(od.DevOf(0x1800, 1), 0x180+5))

	assert.True(t, n.PDO.TPDO(0).Active())
}

func TestConfigTxHookIsWiredToTheEngine(t *testing.T) {
	dict := newTestDict(t)
	driver := &fakeDriver{}
	var hookCalled bool
	n, err := New(Config{
		NodeID: 5, NTPDO: 1, NRPDO: 1, HistoryDepth: 2, HBConsumers: 1,
		TxHook: func(f *can.Frame) { hookCalled = true },
	}, dict, driver)
	require.NoError(t, err)
	n.Start()
	n.NMT.ApplyCommand(nmt.CommandStart) // PDO traffic is only allowed in Operational

	require.NoError(t, dict.WriteU32(od.DevOf(0x1A00, 1), mapWord(0x2000, 0, 8)))
	require.NoError(t, dict.WriteU8(od.DevOf(0x1A00, 0), 1))
	require.NoError(t, dict.WriteU8(od.DevOf(0x1800, 2), 0xFF))
	require.NoError(t, dict.WriteU32(od.DevOf(0x1800, 1), 0x180+5))

	require.NoError(t, dict.WriteU8(od.DevOf(0x2000, 0), 1))
	require.NoError(t, n.PDO.TriggerByObject(od.DevOf(0x2000, 0)))
	assert.True(t, hookCalled, "node.Config.TxHook must be wired through to the PDO engine")
}
