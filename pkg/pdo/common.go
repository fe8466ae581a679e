// Package pdo implements the TPDO (transmit) and RPDO (receive) process
// data engines: packing/unpacking up to 8 payload bytes from scattered
// dictionary entries, the three transmission modes (event-driven with
// inhibit, synchronous N-th-SYNC, timer-driven), and dynamic remapping
// while a PDO is inactive.
package pdo

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/od"
)

// MaxSignals is the largest number of mapped signals a single PDO may
// carry (Invariant P2).
const MaxSignals = 8

// MaxPayload is the largest payload, in bytes, a single PDO frame may
// carry (Invariant P2).
const MaxPayload = 8

// dummyMaxIndex bounds the dummy-mapping index range 0x0002..0x0007
// (§4.7): a mapping word whose index falls in this range represents
// skipped bytes rather than a dictionary link.
const dummyMaxIndex = 0x0007

// signal is one real dictionary link mapped into a PDO's payload.
type signal struct {
	dev  uint32
	size uint8
}

// layoutSlot is one entry in a PDO's payload layout: either a dictionary
// link (index into the owning PDO's signals slice) or a run of skipped
// bytes contributed by one or more collapsed dummy mapping entries (Open
// Question decision: dummies collapse into a single "skip N bytes"
// pseudo-entry rather than being carried one byte at a time).
type layoutSlot struct {
	dummy     bool
	size      uint8
	signalIdx int
}

// mapping is the parsed result of a PDO's mapping object: the real
// dictionary links (used for obj_count and for trigger-table
// registration) and the ordered payload layout used to pack/unpack
// frames.
type mapping struct {
	signals []signal
	layout  []layoutSlot
	total   int
}

// buildMapping parses up to count raw mapping words (object sub 1..8)
// against dict, validating each target entry's access permission,
// PDO-mappable flag, and width (Invariant P3, Open Question decision:
// mapped signal width is capped at 4 bytes per signal). forRead selects
// TPDO semantics (target must be readable); forRead == false selects
// RPDO semantics (target must be writable).
func buildMapping(dict *od.Dictionary, words []uint32, count uint8, forRead bool) (mapping, error) {
	var m mapping
	if count > MaxSignals {
		return m, od.ErrObjMapLen
	}

	for i := 0; i < int(count); i++ {
		word := words[i]
		index := uint16(word >> 16)
		sub := uint8(word >> 8)
		bits := uint8(word)

		if bits%8 != 0 {
			return mapping{}, od.ErrObjMapLen
		}
		size := bits / 8

		if index <= dummyMaxIndex {
			m.total += int(size)
			appendDummy(&m, size)
			continue
		}

		entry := dict.Find(od.DevOf(index, sub))
		if entry == nil {
			return mapping{}, od.ErrObjMapType
		}
		if !entry.Key.PDOMappable() {
			return mapping{}, od.ErrObjMapType
		}
		if forRead && !entry.Key.Readable() {
			return mapping{}, od.ErrObjMapType
		}
		if !forRead && !entry.Key.Writable() {
			return mapping{}, od.ErrObjMapType
		}
		if size == 0 || size > 4 {
			return mapping{}, od.ErrObjMapLen
		}
		declared, err := dict.Size(od.DevOf(index, sub))
		if err != nil {
			return mapping{}, od.ErrObjMapType
		}
		if declared != int(size) {
			return mapping{}, od.ErrObjMapLen
		}

		m.total += int(size)
		if m.total > MaxPayload {
			return mapping{}, od.ErrObjMapLen
		}
		sigIdx := len(m.signals)
		m.signals = append(m.signals, signal{dev: od.DevOf(index, sub), size: size})
		m.layout = append(m.layout, layoutSlot{signalIdx: sigIdx, size: size})
	}

	if m.total > MaxPayload {
		return mapping{}, od.ErrObjMapLen
	}
	return m, nil
}

func appendDummy(m *mapping, size uint8) {
	if n := len(m.layout); n > 0 && m.layout[n-1].dummy {
		m.layout[n-1].size += size
		return
	}
	m.layout = append(m.layout, layoutSlot{dummy: true, size: size})
}

// pack copies every mapped signal's current dictionary value into dst in
// layout order, little-endian per field, returning the number of bytes
// written.
func pack(dict *od.Dictionary, m mapping, dst []byte) (int, error) {
	off := 0
	for _, slot := range m.layout {
		if slot.dummy {
			off += int(slot.size)
			continue
		}
		sig := m.signals[slot.signalIdx]
		if _, err := dict.ReadBuffer(sig.dev, dst[off:off+int(sig.size)]); err != nil {
			return off, err
		}
		off += int(sig.size)
	}
	return off, nil
}

// unpack writes each mapped signal's slice of src into the dictionary in
// layout order.
func unpack(dict *od.Dictionary, m mapping, src []byte) error {
	off := 0
	for _, slot := range m.layout {
		if slot.dummy {
			off += int(slot.size)
			continue
		}
		sig := m.signals[slot.signalIdx]
		if off+int(sig.size) > len(src) {
			return od.ErrObjSize
		}
		if err := dict.WriteBuffer(sig.dev, src[off:off+int(sig.size)]); err != nil {
			return err
		}
		off += int(sig.size)
	}
	return nil
}

func logOrDefault(logger *slog.Logger, service string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("service", service)
}
