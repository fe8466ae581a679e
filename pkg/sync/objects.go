package sync

import "github.com/fieldbus-works/canopen/pkg/od"

// TypeID implements the SYNC COB-ID object type (object 0x1005): bit 30
// marks this node the producer, bit 31 is unused by this engine (SYNC
// has no "valid" bit distinct from bit 30), bits 0..10 carry the
// identifier.
var TypeID = &od.TypeVTable{
	Name: "SYNC_ID",
	Size: func(e *od.Entry, host od.Host) (int, error) { return 4, nil },
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		s, ok := e.Data.Ref.(*Service)
		if !ok {
			return 0, od.ErrTypeRead
		}
		v := uint32(s.cobID)
		if s.producing {
			v |= 1 << 30
		}
		dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		return 4, nil
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		s, ok := e.Data.Ref.(*Service)
		if !ok {
			return od.ErrTypeWrite
		}
		v := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
		wantProducer := v&(1<<30) != 0
		newID := uint16(v & 0x7FF)

		if s.producing && newID != s.cobID {
			return od.ErrObjRange
		}

		old := s.cobID
		s.cobID = newID
		if wantProducer == s.producing {
			return nil
		}
		if !wantProducer {
			s.Deactivate()
			return nil
		}
		if err := s.activateLocked(); err != nil {
			s.cobID = old
			return od.ErrObjRange
		}
		return nil
	},
}

// TypeCycle implements the communication cycle period object (object
// 0x1006), the SYNC interval in microseconds. Writing a new value while
// producing re-activates the timer at the new period, restoring the old
// period if the new one can't be resolved (ErrSyncRes).
var TypeCycle = &od.TypeVTable{
	Name: "SYNC_CYCLE",
	Size: func(e *od.Entry, host od.Host) (int, error) { return 4, nil },
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		s, ok := e.Data.Ref.(*Service)
		if !ok {
			return 0, od.ErrTypeRead
		}
		v := s.cycleUs
		dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		return 4, nil
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		s, ok := e.Data.Ref.(*Service)
		if !ok {
			return od.ErrTypeWrite
		}
		newCycle := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
		old := s.cycleUs
		s.cycleUs = newCycle
		if !s.producing {
			return nil
		}
		if err := s.activateLocked(); err != nil {
			s.cycleUs = old
			return od.ErrObjRange
		}
		return nil
	},
}
