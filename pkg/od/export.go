package od

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// dataTypeFor is the reverse of builtinTypeFor: the EDS DataType code a
// vtable name round-trips to. Only the fixed-width numeric subset
// LoadEDS accepts is exported; STRING/DOMAIN entries are skipped, same
// restriction as the loader.
func dataTypeFor(name string) (uint16, bool) {
	switch name {
	case "UNSIGNED8":
		return 0x05, true
	case "INTEGER8":
		return 0x02, true
	case "UNSIGNED16":
		return 0x06, true
	case "INTEGER16":
		return 0x03, true
	case "UNSIGNED32":
		return 0x07, true
	case "INTEGER32":
		return 0x04, true
	case "INTEGER48":
		return 0x13, true
	case "UNSIGNED64":
		return 0x1B, true
	case "INTEGER64":
		return 0x15, true
	default:
		return 0, false
	}
}

func accessTypeFor(k Key) string {
	switch {
	case k.Readable() && k.Writable():
		return "rw"
	case k.Readable():
		return "ro"
	case k.Writable():
		return "wo"
	default:
		return "ro"
	}
}

// ExportEDS writes the dictionary's live, EDS-representable entries
// (numeric VAR objects with FlagDirect storage) to an EDS/DCF-style ini
// file at path, mirroring the teacher's od/export.go shape
// (ExportEDS/populateSection) adapted to this package's flat
// sorted-array Dictionary instead of the teacher's index/subindex maps.
// Entries bound to a subsystem vtable (PDO comm, SDO client, EMCY
// history, ...) rather than a built-in numeric type are skipped: their
// live value is runtime state, not EDS-describable default
// configuration, the same restriction LoadEDS's builtinTypeFor applies
// on the way in.
func ExportEDS(d *Dictionary, path string) error {
	file := ini.Empty()
	for _, e := range d.Live() {
		if e.Type == nil || !e.Key.Direct() {
			continue
		}
		dataType, ok := dataTypeFor(e.Type.Name)
		if !ok {
			continue
		}
		name := fmt.Sprintf("%04X", e.Key.Index())
		if e.Key.Sub() != 0 {
			name = fmt.Sprintf("%04XSub%X", e.Key.Index(), e.Key.Sub())
		}
		section, err := file.NewSection(name)
		if err != nil {
			return fmt.Errorf("od: export 0x%04X sub %d: %w", e.Key.Index(), e.Key.Sub(), err)
		}
		if err := populateSection(section, e, dataType); err != nil {
			return err
		}
	}
	return file.SaveTo(path)
}

func populateSection(section *ini.Section, e Entry, dataType uint16) error {
	kvs := [][2]string{
		{"ObjectType", fmt.Sprintf("0x%02X", edsObjectTypeVar)},
		{"DataType", fmt.Sprintf("0x%04X", dataType)},
		{"AccessType", accessTypeFor(e.Key)},
		{"PDOMapping", boolString(e.Key.PDOMappable())},
		{"DefaultValue", fmt.Sprintf("0x%X", e.Data.Direct)},
	}
	for _, kv := range kvs {
		if _, err := section.NewKey(kv[0], kv[1]); err != nil {
			return fmt.Errorf("od: export key %s: %w", kv[0], err)
		}
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
