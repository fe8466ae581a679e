package pdo

import "github.com/fieldbus-works/canopen/pkg/od"

// TypeTPdoComm implements a TPDO communication parameter record (object
// 0x1800+n): sub 0 is the highest mapped sub-index (fixed at 6), sub 1
// the COB-ID, sub 2 the transmission type, sub 3 the inhibit time (100us
// units), sub 5 the event timer (1ms units). Entry.Data.Ref must hold
// the owning *TPDO.
var TypeTPdoComm = &od.TypeVTable{
	Name: "TPDO_COMM",
	Size: func(e *od.Entry, host od.Host) (int, error) {
		switch e.Key.Sub() {
		case 0:
			return 1, nil
		case 1:
			return 4, nil
		case 2:
			return 1, nil
		case 3, 5:
			return 2, nil
		default:
			return 0, od.ErrNotFound
		}
	},
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		t, ok := e.Data.Ref.(*TPDO)
		if !ok {
			return 0, od.ErrTypeRead
		}
		switch e.Key.Sub() {
		case 0:
			dst[0] = 6
			return 1, nil
		case 1:
			v := t.rawCobID()
			dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
			return 4, nil
		case 2:
			dst[0] = t.transTypeVal()
			return 1, nil
		case 3:
			dst[0], dst[1] = byte(t.inhibit), byte(t.inhibit>>8)
			return 2, nil
		case 5:
			dst[0], dst[1] = byte(t.event), byte(t.event>>8)
			return 2, nil
		default:
			return 0, od.ErrNotFound
		}
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		t, ok := e.Data.Ref.(*TPDO)
		if !ok {
			return od.ErrTypeWrite
		}
		switch e.Key.Sub() {
		case 1:
			v := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
			return t.setCobID(v)
		case 2:
			return t.setTransType(src[0])
		case 3:
			if t.active() {
				return od.ErrObjAcc
			}
			t.inhibit = uint16(src[0]) | uint16(src[1])<<8
			return nil
		case 5:
			t.event = uint16(src[0]) | uint16(src[1])<<8
			if t.active() {
				t.armEventTimer()
			}
			return nil
		default:
			return od.ErrObjAcc
		}
	},
}

// TypeTPdoMap implements a TPDO mapping parameter record (object
// 0x1A00+n): sub 0 is the number of mapped entries, subs 1..8 each a
// (index<<16 | sub<<8 | bit length) mapping word. Entry.Data.Ref must
// hold the owning *TPDO.
var TypeTPdoMap = &od.TypeVTable{
	Name: "TPDO_MAP",
	Size: func(e *od.Entry, host od.Host) (int, error) {
		if e.Key.Sub() == 0 {
			return 1, nil
		}
		return 4, nil
	},
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		t, ok := e.Data.Ref.(*TPDO)
		if !ok {
			return 0, od.ErrTypeRead
		}
		if e.Key.Sub() == 0 {
			dst[0] = t.mapCountVal()
			return 1, nil
		}
		v := t.mapWordVal(int(e.Key.Sub()) - 1)
		dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		return 4, nil
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		t, ok := e.Data.Ref.(*TPDO)
		if !ok {
			return od.ErrTypeWrite
		}
		if e.Key.Sub() == 0 {
			return t.setMapCount(src[0])
		}
		v := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
		return t.setMapWord(int(e.Key.Sub())-1, v)
	},
}

// TypeRPdoComm implements an RPDO communication parameter record (object
// 0x1400+n): sub 0 is fixed at 2 (this engine carries no RPDO inhibit
// time), sub 1 the COB-ID, sub 2 the transmission type, sub 5 the
// deadline-monitoring event timer (ms). Entry.Data.Ref must hold the
// owning *RPDO.
var TypeRPdoComm = &od.TypeVTable{
	Name: "RPDO_COMM",
	Size: func(e *od.Entry, host od.Host) (int, error) {
		switch e.Key.Sub() {
		case 0:
			return 1, nil
		case 1:
			return 4, nil
		case 2:
			return 1, nil
		case 5:
			return 2, nil
		default:
			return 0, od.ErrNotFound
		}
	},
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		r, ok := e.Data.Ref.(*RPDO)
		if !ok {
			return 0, od.ErrTypeRead
		}
		switch e.Key.Sub() {
		case 0:
			dst[0] = 2
			return 1, nil
		case 1:
			v := r.rawCobID()
			dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
			return 4, nil
		case 2:
			dst[0] = r.transTypeVal()
			return 1, nil
		case 5:
			dst[0], dst[1] = byte(r.event), byte(r.event>>8)
			return 2, nil
		default:
			return 0, od.ErrNotFound
		}
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		r, ok := e.Data.Ref.(*RPDO)
		if !ok {
			return od.ErrTypeWrite
		}
		switch e.Key.Sub() {
		case 1:
			v := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
			return r.setCobID(v)
		case 2:
			return r.setTransType(src[0])
		case 5:
			r.setEventTime(uint16(src[0]) | uint16(src[1])<<8)
			return nil
		default:
			return od.ErrObjAcc
		}
	},
}

// TypeRPdoMap implements an RPDO mapping parameter record (object
// 0x1600+n), identical in shape to TypeTPdoMap. Entry.Data.Ref must hold
// the owning *RPDO.
var TypeRPdoMap = &od.TypeVTable{
	Name: "RPDO_MAP",
	Size: func(e *od.Entry, host od.Host) (int, error) {
		if e.Key.Sub() == 0 {
			return 1, nil
		}
		return 4, nil
	},
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		r, ok := e.Data.Ref.(*RPDO)
		if !ok {
			return 0, od.ErrTypeRead
		}
		if e.Key.Sub() == 0 {
			dst[0] = r.mapCountVal()
			return 1, nil
		}
		v := r.mapWordVal(int(e.Key.Sub()) - 1)
		dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		return 4, nil
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		r, ok := e.Data.Ref.(*RPDO)
		if !ok {
			return od.ErrTypeWrite
		}
		if e.Key.Sub() == 0 {
			return r.setMapCount(src[0])
		}
		v := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
		return r.setMapWord(int(e.Key.Sub())-1, v)
	},
}
