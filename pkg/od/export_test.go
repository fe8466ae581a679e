package od

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

func TestExportEDSRoundTripsThroughLoadEDS(t *testing.T) {
	backing := make([]Entry, 4)
	backing[0] = Entry{Key: MakeKey(0x2000, 0, FlagReadWrite|FlagDirect, WidthByte), Type: TypeU8, Data: DataSlot{Direct: 0x42}}
	backing[1] = Entry{Key: MakeKey(0x2001, 1, FlagRead|FlagDirect, WidthLong), Type: TypeU32, Data: DataSlot{Direct: 0xDEADBEEF}}
	d := NewDictionary(backing)
	require.NoError(t, d.Init(&fakeHost{}))

	path := filepath.Join(t.TempDir(), "out.eds")
	require.NoError(t, ExportEDS(d, path))

	reloaded, err := LoadEDS(path, 1)
	require.NoError(t, err)

	v, err := reloaded.ReadU8(DevOf(0x2000, 0))
	require.NoError(t, err)
	assert.Equal(t, uint8(0x42), v)

	v32, err := reloaded.ReadU32(DevOf(0x2001, 1))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)
}

func TestExportEDSSkipsNonDirectEntries(t *testing.T) {
	type ref struct{ val uint32 }
	backing := make([]Entry, 2)
	backing[0] = Entry{Key: MakeKey(0x1003, 1, FlagRead, WidthLong), Type: TypeU32, Data: DataSlot{Ref: &ref{}}}
	d := NewDictionary(backing)
	require.NoError(t, d.Init(&fakeHost{}))

	path := filepath.Join(t.TempDir(), "out.eds")
	require.NoError(t, ExportEDS(d, path))

	file, err := ini.Load(path)
	require.NoError(t, err)
	assert.Empty(t, file.Sections()[1:], "referenced-storage entries should not be exported as EDS defaults")
}
