package emergency

import "github.com/fieldbus-works/canopen/pkg/od"

// TypeCobID implements the EMCY_ID object type (object 0x1014): writes
// are rejected while the producer is active and the new cob-id falls in
// the reserved NMT/SDO range 0..127.
var TypeCobID = &od.TypeVTable{
	Name: "EMCY_ID",
	Size: func(e *od.Entry, host od.Host) (int, error) { return 4, nil },
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		p, ok := e.Data.Ref.(*Producer)
		if !ok {
			return 0, od.ErrTypeRead
		}
		v := uint32(p.cobID)
		if !p.active {
			v |= 0x80000000
		}
		dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		return 4, nil
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		p, ok := e.Data.Ref.(*Producer)
		if !ok {
			return od.ErrTypeWrite
		}
		v := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
		newID := v & 0x7FF
		if p.active && newID <= 127 {
			return od.ErrObjRange
		}
		p.SetCobID(v)
		return nil
	},
}
