package od

// Key is the 32-bit composite identifier for a dictionary entry: index in
// bits [31:16], subindex in bits [15:8], access/storage flags in bits
// [7:0]. The historical C sources disagree on where the NODEID and
// PDOMAP bits land within the flags byte; this implementation fixes one
// layout (flags low-to-high: READ, WRITE, PDO_MAPPABLE, ASYNC_TRIGGER,
// NODEID_BIASED, DIRECT, then a 2-bit WIDTH field in bits 6-7) and does
// not vary it.
type Key uint32

// Flag is a single access/storage attribute bit within a Key's flags byte.
type Flag uint8

const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagPDOMappable
	FlagAsyncTrigger
	FlagNodeIDBiased
	FlagDirect

	flagBits = FlagRead | FlagWrite | FlagPDOMappable | FlagAsyncTrigger | FlagNodeIDBiased | FlagDirect
)

// FlagReadWrite is shorthand for the common read+write combination.
const FlagReadWrite = FlagRead | FlagWrite

// Width describes how many bytes a direct or fixed-width referenced
// entry occupies.
type Width uint8

const (
	WidthByte Width = iota // 1 byte
	WidthWord              // 2 bytes
	WidthLong              // 4 bytes
	WidthWide              // referenced storage wider than 4 bytes (I48, U64/I64, strings, domains)
)

const widthShift = 6

// Bytes returns the fixed width in bytes for Width values that have one;
// WidthWide entries declare their width through the entry's type instead.
func (w Width) Bytes() int {
	switch w {
	case WidthByte:
		return 1
	case WidthWord:
		return 2
	case WidthLong:
		return 4
	default:
		return 0
	}
}

// MakeKey builds a Key from its components.
func MakeKey(index uint16, sub uint8, flags Flag, width Width) Key {
	return Key(uint32(index)<<16 | uint32(sub)<<8 | uint32(flags&flagBits) | uint32(width&0x3)<<widthShift)
}

// Index returns the 16-bit object index.
func (k Key) Index() uint16 { return uint16(k >> 16) }

// Sub returns the 8-bit subindex.
func (k Key) Sub() uint8 { return uint8(k >> 8) }

// Dev returns the 24-bit (index, sub) lookup identifier used for sorting
// and binary search.
func (k Key) Dev() uint32 { return uint32(k >> 8) }

// Flags returns the access/storage flag bits, excluding width.
func (k Key) Flags() Flag { return Flag(k) & flagBits }

// Width returns the declared width field.
func (k Key) Width() Width { return Width(uint8(k)>>widthShift) & 0x3 }

func (k Key) Has(f Flag) bool { return Flag(k)&f != 0 }

func (k Key) Readable() bool     { return k.Has(FlagRead) }
func (k Key) Writable() bool     { return k.Has(FlagWrite) }
func (k Key) PDOMappable() bool  { return k.Has(FlagPDOMappable) }
func (k Key) AsyncTrigger() bool { return k.Has(FlagAsyncTrigger) }
func (k Key) NodeIDBiased() bool { return k.Has(FlagNodeIDBiased) }
func (k Key) Direct() bool       { return k.Has(FlagDirect) }

// DevOf packs an (index, sub) pair into the 24-bit lookup identifier
// without needing a full Key, for use in Dictionary.Find.
func DevOf(index uint16, sub uint8) uint32 {
	return uint32(index)<<8 | uint32(sub)
}
