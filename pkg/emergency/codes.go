// Package emergency implements the EMCY service: producing emergency
// frames on error-state transitions, keeping the CiA 301 pre-defined
// error field (object 0x1003) as a fixed-capacity history ring, and
// consuming emergency frames from other nodes.
package emergency

// Error register bits (object 0x1001).
const (
	ErrRegGeneric       uint8 = 0x01
	ErrRegCurrent       uint8 = 0x02
	ErrRegVoltage       uint8 = 0x04
	ErrRegTemperature   uint8 = 0x08
	ErrRegCommunication uint8 = 0x10
	ErrRegDevProfile    uint8 = 0x20
	ErrRegManufacturer  uint8 = 0x80
)

// Standard CiA 301 emergency error codes (object 0x1003 / emergency frame
// bytes 0-1).
const (
	CodeNoError        uint16 = 0x0000
	CodeGeneric         uint16 = 0x1000
	CodeCurrent         uint16 = 0x2000
	CodeVoltage         uint16 = 0x3000
	CodeTemperature     uint16 = 0x4000
	CodeHardware        uint16 = 0x5000
	CodeSoftwareDevice  uint16 = 0x6000
	CodeDataSet         uint16 = 0x6300
	CodeAdditionalModul uint16 = 0x7000
	CodeMonitoring      uint16 = 0x8000
	CodeCommunication   uint16 = 0x8100
	CodeCanOverrun      uint16 = 0x8110
	CodeCanPassive      uint16 = 0x8120
	CodeHeartbeat       uint16 = 0x8130
	CodeBusOffRecovered uint16 = 0x8140
	CodeProtocolError   uint16 = 0x8200
	CodeRpdoTimeout     uint16 = 0x8250
	CodeExternalError   uint16 = 0x9000
	CodeDeviceSpecific  uint16 = 0xFF00
)

var codeDescriptions = map[uint16]string{
	CodeNoError:         "reset or no error",
	CodeGeneric:         "generic error",
	CodeCurrent:         "current",
	CodeVoltage:         "voltage",
	CodeTemperature:     "temperature",
	CodeHardware:        "device hardware",
	CodeSoftwareDevice:  "device software",
	CodeDataSet:         "data set",
	CodeAdditionalModul: "additional modules",
	CodeMonitoring:      "monitoring",
	CodeCommunication:   "communication",
	CodeCanOverrun:      "CAN overrun (objects lost)",
	CodeCanPassive:      "CAN in error passive mode",
	CodeHeartbeat:       "life guard error or heartbeat error",
	CodeBusOffRecovered: "recovered from bus off",
	CodeProtocolError:   "protocol error",
	CodeRpdoTimeout:     "RPDO timeout",
	CodeExternalError:   "external error",
	CodeDeviceSpecific:  "device specific",
}

// DescribeCode returns a human-readable description of a standard error
// code, or a generic fallback for codes this package doesn't recognize
// (manufacturer- and profile-specific codes are legitimate and common).
func DescribeCode(code uint16) string {
	if d, ok := codeDescriptions[code]; ok {
		return d
	}
	return "device or profile specific error"
}
