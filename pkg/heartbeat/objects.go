package heartbeat

import "github.com/fieldbus-works/canopen/pkg/od"

// TypeConsumerTime implements object 0x1016: sub 0 is the number of
// monitorable entries, subs 1..N each a (nodeID<<16 | timeoutMs) word.
// Entry.Data.Ref must hold the owning *Consumer.
var TypeConsumerTime = &od.TypeVTable{
	Name: "HB_CONS",
	Size: func(e *od.Entry, host od.Host) (int, error) {
		if e.Key.Sub() == 0 {
			return 1, nil
		}
		return 4, nil
	},
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		c, ok := e.Data.Ref.(*Consumer)
		if !ok {
			return 0, od.ErrTypeRead
		}
		if e.Key.Sub() == 0 {
			dst[0] = byte(c.Count())
			return 1, nil
		}
		v := c.RawEntry(int(e.Key.Sub()) - 1)
		dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		return 4, nil
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		c, ok := e.Data.Ref.(*Consumer)
		if !ok {
			return od.ErrTypeWrite
		}
		if e.Key.Sub() == 0 {
			return od.ErrObjAcc
		}
		v := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
		nodeID := uint8(v >> 16)
		timeoutMs := uint16(v)
		return c.SetEntry(int(e.Key.Sub())-1, nodeID, timeoutMs)
	},
}
