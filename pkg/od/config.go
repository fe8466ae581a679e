package od

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	edsObjectTypeVar    = 7
	edsObjectTypeArray  = 8
	edsObjectTypeRecord = 9
)

var (
	reIndexSection    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	reSubIndexSection = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)
)

// LoadEDS parses an EDS/DCF-style ini configuration (a path, []byte, or
// io.Reader — anything gopkg.in/ini.v1 accepts) into a freshly built
// Dictionary. Only VAR entries and the per-subindex sections of
// ARRAY/RECORD objects are turned into dictionary entries: the
// container sections themselves (which only carry SubNumber/ObjectType
// metadata) contribute nothing, since this dictionary's flat sorted
// array needs no separate array/record wrapper.
func LoadEDS(source any, nodeID uint8) (*Dictionary, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("od: load EDS: %w", err)
	}

	var entries []Entry
	for _, section := range file.Sections() {
		name := section.Name()
		switch {
		case reIndexSection.MatchString(name):
			idx, err := strconv.ParseUint(name, 16, 16)
			if err != nil {
				return nil, fmt.Errorf("od: section %q: %w", name, err)
			}
			entry, err := entryFromSection(section, uint16(idx), 0)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				entries = append(entries, *entry)
			}

		case reSubIndexSection.MatchString(name):
			m := reSubIndexSection.FindStringSubmatch(name)
			idx, err := strconv.ParseUint(m[1], 16, 16)
			if err != nil {
				return nil, fmt.Errorf("od: section %q: %w", name, err)
			}
			sub, err := strconv.ParseUint(m[2], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("od: section %q: %w", name, err)
			}
			entry, err := entryFromSection(section, uint16(idx), uint8(sub))
			if err != nil {
				return nil, err
			}
			if entry != nil {
				entries = append(entries, *entry)
			}
		}
	}

	// One spare slot preserves the Invariant D2 zero-key sentinel even
	// when every populated slot is used.
	backing := make([]Entry, len(entries)+1)
	copy(backing, entries)
	return NewDictionary(backing), nil
}

func entryFromSection(section *ini.Section, index uint16, sub uint8) (*Entry, error) {
	objType := section.Key("ObjectType").MustUint(edsObjectTypeVar)
	if objType == edsObjectTypeArray || objType == edsObjectTypeRecord {
		// Container-only section: the real values live in the
		// "<index>sub<n>" sections, handled on their own pass.
		return nil, nil
	}

	dataType, err := section.Key("DataType").Uint()
	if err != nil {
		return nil, fmt.Errorf("od: 0x%04X sub %d: missing or invalid DataType: %w", index, sub, err)
	}
	typ, width, err := builtinTypeFor(uint16(dataType))
	if err != nil {
		return nil, fmt.Errorf("od: 0x%04X sub %d: %w", index, sub, err)
	}

	flags := flagsFromAccessType(section.Key("AccessType").MustString("ro"), section.Key("PDOMapping").MustBool(false))

	defaultValue := section.Key("DefaultValue").MustString("0")
	value, err := parseEDSInt(defaultValue)
	if err != nil {
		return nil, fmt.Errorf("od: 0x%04X sub %d: bad DefaultValue %q: %w", index, sub, defaultValue, err)
	}

	key := MakeKey(index, sub, flags, width)
	return &Entry{Key: key, Type: typ, Data: DataSlot{Direct: value}}, nil
}

func flagsFromAccessType(accessType string, pdoMappable bool) Flag {
	flags := FlagDirect
	switch strings.ToLower(strings.TrimSpace(accessType)) {
	case "ro", "const":
		flags |= FlagRead
	case "wo":
		flags |= FlagWrite
	default: // "rw", "rww", "rwr"
		flags |= FlagReadWrite
	}
	if pdoMappable {
		flags |= FlagPDOMappable
	}
	return flags
}

// builtinTypeFor maps a CiA 301 DataType code to a built-in vtable and
// the Key width field it should be stored with. Only the fixed-width
// numeric subset is supported by the EDS loader; STRING/DOMAIN objects
// are expected to be wired programmatically since they need
// embedder-sized backing buffers the text file can't describe.
func builtinTypeFor(dataType uint16) (*TypeVTable, Width, error) {
	switch dataType {
	case 0x01, 0x05: // BOOLEAN, UNSIGNED8
		return TypeU8, WidthByte, nil
	case 0x02: // INTEGER8
		return TypeI8, WidthByte, nil
	case 0x06: // UNSIGNED16
		return TypeU16, WidthWord, nil
	case 0x03: // INTEGER16
		return TypeI16, WidthWord, nil
	case 0x07: // UNSIGNED32
		return TypeU32, WidthLong, nil
	case 0x04: // INTEGER32
		return TypeI32, WidthLong, nil
	case 0x13: // INTEGER48
		return TypeI48, WidthWide, nil
	case 0x1B: // UNSIGNED64
		return TypeU64, WidthWide, nil
	case 0x15: // INTEGER64
		return TypeI64, WidthWide, nil
	default:
		return nil, 0, fmt.Errorf("unsupported EDS DataType 0x%02X", dataType)
	}
}

// parseEDSInt parses an EDS DefaultValue, which may be decimal or
// 0x-prefixed hex, into a little-endian word.
func parseEDSInt(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	return strconv.ParseUint(s, base, 64)
}
