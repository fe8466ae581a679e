package od

// Built-in numeric types. Each is a stateless singleton vtable: async
// trigger and node-id bias are applied generically by Dictionary's
// read/write path, so these only need to declare their fixed width.
var (
	TypeU8  = &TypeVTable{Name: "UNSIGNED8", Size: fixedSize(1)}
	TypeU16 = &TypeVTable{Name: "UNSIGNED16", Size: fixedSize(2)}
	TypeU32 = &TypeVTable{Name: "UNSIGNED32", Size: fixedSize(4)}
	TypeU64 = &TypeVTable{Name: "UNSIGNED64", Size: fixedSize(8)}
	TypeI8  = &TypeVTable{Name: "INTEGER8", Size: fixedSize(1)}
	TypeI16 = &TypeVTable{Name: "INTEGER16", Size: fixedSize(2)}
	TypeI32 = &TypeVTable{Name: "INTEGER32", Size: fixedSize(4)}
	TypeI64 = &TypeVTable{Name: "INTEGER64", Size: fixedSize(8)}
	// TypeI48 is a 6-byte referenced-only signed integer; packing
	// reuses the same little-endian Cell path as any other referenced
	// primitive, just with a 6-byte Cell.
	TypeI48 = &TypeVTable{Name: "INTEGER48", Size: fixedSize(6)}
)

func fixedSize(n int) SizeFunc {
	return func(e *Entry, host Host) (int, error) { return n, nil }
}

// StringCell is the backing storage for a VISIBLE_STRING entry: a fixed
// capacity buffer holding Len live bytes, with a read cursor so repeated
// reads of a string longer than the caller's buffer continue where the
// previous call left off.
type StringCell struct {
	Data   []byte
	Len    int
	offset int
}

// NewStringCell allocates a string cell with the given fixed capacity,
// seeded with an initial value.
func NewStringCell(capacity int, initial string) *StringCell {
	c := &StringCell{Data: make([]byte, capacity)}
	c.Len = copy(c.Data, initial)
	return c
}

// TypeString implements VISIBLE_STRING: size is the live string length
// (not the backing capacity), and reads are offset-stateful.
var TypeString = &TypeVTable{
	Name: "VISIBLE_STRING",
	Size: func(e *Entry, host Host) (int, error) {
		c, ok := e.Data.Ref.(*StringCell)
		if !ok {
			return 0, ErrTypeRead
		}
		return c.Len, nil
	},
	Read: func(e *Entry, host Host, dst []byte) (int, error) {
		c, ok := e.Data.Ref.(*StringCell)
		if !ok {
			return 0, ErrTypeRead
		}
		if c.offset >= c.Len {
			c.offset = 0
			return 0, nil
		}
		n := copy(dst, c.Data[c.offset:c.Len])
		c.offset += n
		return n, nil
	},
	Write: func(e *Entry, host Host, src []byte) error {
		c, ok := e.Data.Ref.(*StringCell)
		if !ok {
			return ErrTypeWrite
		}
		if len(src) > len(c.Data) {
			return ErrObjSize
		}
		copy(c.Data, src)
		c.Len = len(src)
		c.offset = 0
		return nil
	},
}

// DomainCell is the backing storage for a DOMAIN entry: an arbitrary,
// embedder-sized buffer with a read/write cursor that Reset rewinds.
type DomainCell struct {
	Data   []byte
	offset int
}

// NewDomainCell allocates a domain cell with the given fixed capacity.
func NewDomainCell(capacity int) *DomainCell {
	return &DomainCell{Data: make([]byte, capacity)}
}

// TypeDomain implements DOMAIN: read and write share one offset cursor,
// and Reset rewinds it. Neither Node.Reset nor the SDO server calls
// Dictionary.Reset, so the cursor rewinds only on an explicit call.
var TypeDomain = &TypeVTable{
	Name: "DOMAIN",
	Size: func(e *Entry, host Host) (int, error) {
		c, ok := e.Data.Ref.(*DomainCell)
		if !ok {
			return 0, ErrTypeRead
		}
		return len(c.Data), nil
	},
	Read: func(e *Entry, host Host, dst []byte) (int, error) {
		c, ok := e.Data.Ref.(*DomainCell)
		if !ok {
			return 0, ErrTypeRead
		}
		if c.offset >= len(c.Data) {
			return 0, nil
		}
		n := copy(dst, c.Data[c.offset:])
		c.offset += n
		return n, nil
	},
	Write: func(e *Entry, host Host, src []byte) error {
		c, ok := e.Data.Ref.(*DomainCell)
		if !ok {
			return ErrTypeWrite
		}
		end := c.offset + len(src)
		if end > len(c.Data) {
			return ErrObjSize
		}
		copy(c.Data[c.offset:end], src)
		c.offset = end
		return nil
	},
	Reset: func(e *Entry, host Host) error {
		c, ok := e.Data.Ref.(*DomainCell)
		if !ok {
			return ErrTypeCtrl
		}
		c.offset = 0
		return nil
	},
}
