package od

import "fmt"

// ErrorCode is the flat error enumeration shared by every subsystem in
// this module: the dictionary, the PDO/SYNC/NMT engines, and SDO access
// all report failures through this closed set so that SDO write handling
// can translate any of them into a CANopen abort code in one place.
type ErrorCode int8

const (
	ErrNone ErrorCode = iota
	ErrBadArg
	ErrNotFound
	ErrObjRead
	ErrObjWrite
	ErrObjSize
	ErrObjRange
	ErrObjAcc
	ErrObjMapType
	ErrObjMapLen
	ErrObjIncompatible
	ErrTypeInit
	ErrTypeRead
	ErrTypeWrite
	ErrTypeCtrl
	ErrTPdoCom
	ErrTPdoMap
	ErrRPdoCom
	ErrRPdoMap
	ErrTmrCreate
	ErrTmrDelete
	ErrTmrInsert
	ErrNmtMode
	ErrSyncRes
	ErrCfg1001
	ErrCfg1003
	ErrCfg1005
	ErrCfg1006
	ErrCfg1014
	ErrCfg1016
	ErrCfg1017
	ErrCfg1018
	ErrParaIdx
	ErrParaRestore
	ErrNvmRead
	ErrNvmWrite
	ErrLssLoad
	ErrSdoBusy
	ErrSdoOff
	ErrSdoAbort
	ErrSdoSilent
	ErrEmcyRoot
)

var errorCodeNames = map[ErrorCode]string{
	ErrNone:            "no error",
	ErrBadArg:           "bad argument",
	ErrNotFound:         "object not found",
	ErrObjRead:          "object read failed",
	ErrObjWrite:         "object write failed",
	ErrObjSize:          "object size mismatch",
	ErrObjRange:         "object value out of range",
	ErrObjAcc:           "object access not permitted",
	ErrObjMapType:       "object not mappable",
	ErrObjMapLen:        "mapping exceeds length limit",
	ErrObjIncompatible:  "incompatible parameter change",
	ErrTypeInit:         "type init failed",
	ErrTypeRead:         "type read failed",
	ErrTypeWrite:        "type write failed",
	ErrTypeCtrl:         "type control failed",
	ErrTPdoCom:          "TPDO communication parameter invalid",
	ErrTPdoMap:          "TPDO mapping invalid",
	ErrRPdoCom:          "RPDO communication parameter invalid",
	ErrRPdoMap:          "RPDO mapping invalid",
	ErrTmrCreate:        "timer create failed",
	ErrTmrDelete:        "timer delete failed",
	ErrTmrInsert:        "timer insert failed",
	ErrNmtMode:          "NMT mode invalid",
	ErrSyncRes:          "SYNC period below timer resolution",
	ErrCfg1001:          "error register (0x1001) misconfigured",
	ErrCfg1003:          "pre-defined error field (0x1003) misconfigured",
	ErrCfg1005:          "SYNC cob-id (0x1005) misconfigured",
	ErrCfg1006:          "SYNC cycle (0x1006) misconfigured",
	ErrCfg1014:          "EMCY cob-id (0x1014) misconfigured",
	ErrCfg1016:          "heartbeat consumer (0x1016) misconfigured",
	ErrCfg1017:          "heartbeat producer (0x1017) misconfigured",
	ErrCfg1018:          "identity object (0x1018) misconfigured",
	ErrParaIdx:          "parameter group index invalid",
	ErrParaRestore:      "parameter restore failed",
	ErrNvmRead:          "non-volatile storage read failed",
	ErrNvmWrite:         "non-volatile storage write failed",
	ErrLssLoad:          "LSS persisted value load failed",
	ErrSdoBusy:          "SDO transfer already in progress",
	ErrSdoOff:           "SDO server disabled",
	ErrSdoAbort:         "SDO transfer aborted",
	ErrSdoSilent:        "SDO request requires no response",
	ErrEmcyRoot:         "emergency subsystem error",
}

func (e ErrorCode) Error() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("od: unknown error code %d", int8(e))
}

// SDOAbortCode is the 32-bit abort code CiA 301 SDO transfers carry on
// failure.
type SDOAbortCode uint32

const (
	AbortToggleBit       SDOAbortCode = 0x05030000
	AbortTimeout         SDOAbortCode = 0x05040000
	AbortCmd             SDOAbortCode = 0x05040001
	AbortBlockSize       SDOAbortCode = 0x05040002
	AbortSeqNum          SDOAbortCode = 0x05040003
	AbortCRC             SDOAbortCode = 0x05040004
	AbortOutOfMem        SDOAbortCode = 0x05040005
	AbortUnsupportedAcc  SDOAbortCode = 0x06010000
	AbortWriteOnly       SDOAbortCode = 0x06010001
	AbortReadOnly        SDOAbortCode = 0x06010002
	AbortNotExist        SDOAbortCode = 0x06020000
	AbortNoMap           SDOAbortCode = 0x06040041
	AbortMapLen          SDOAbortCode = 0x06040042
	AbortParamIncompat   SDOAbortCode = 0x06040043
	AbortDeviceIncompat  SDOAbortCode = 0x06040047
	AbortHW              SDOAbortCode = 0x06060000
	AbortTypeMismatch    SDOAbortCode = 0x06070010
	AbortDataLong        SDOAbortCode = 0x06070012
	AbortDataShort       SDOAbortCode = 0x06070013
	AbortSubUnknown      SDOAbortCode = 0x06090011
	AbortInvalidValue    SDOAbortCode = 0x06090030
	AbortValueHigh       SDOAbortCode = 0x06090031
	AbortValueLow        SDOAbortCode = 0x06090032
	AbortMaxLessMin      SDOAbortCode = 0x06090036
	AbortNoResource      SDOAbortCode = 0x060A0023
	AbortGeneral         SDOAbortCode = 0x08000000
	AbortDataTransfer    SDOAbortCode = 0x08000020
	AbortDataLocalCtrl   SDOAbortCode = 0x08000021
	AbortDataDeviceState SDOAbortCode = 0x08000022
	AbortDataOD          SDOAbortCode = 0x08000023
	AbortNoData          SDOAbortCode = 0x08000024
)

func (a SDOAbortCode) Error() string {
	return fmt.Sprintf("SDO abort 0x%08X", uint32(a))
}

// odToAbort maps an ErrorCode to the SDO abort code an SDO server reports
// when a dictionary access fails with that cause. Anything not listed
// falls back to AbortGeneral.
var odToAbort = map[ErrorCode]SDOAbortCode{
	ErrNotFound:        AbortNotExist,
	ErrObjRead:         AbortGeneral,
	ErrObjWrite:        AbortGeneral,
	ErrObjSize:         AbortTypeMismatch,
	ErrObjRange:        AbortInvalidValue,
	ErrObjAcc:          AbortUnsupportedAcc,
	ErrObjMapType:      AbortNoMap,
	ErrObjMapLen:       AbortMapLen,
	ErrObjIncompatible: AbortParamIncompat,
	ErrTypeInit:        AbortDeviceIncompat,
	ErrTypeRead:        AbortGeneral,
	ErrTypeWrite:       AbortGeneral,
	ErrBadArg:          AbortDeviceIncompat,
}

// Abort returns the SDO abort code associated with this error, defaulting
// to AbortGeneral when there is no specific mapping.
func (e ErrorCode) Abort() SDOAbortCode {
	if code, ok := odToAbort[e]; ok {
		return code
	}
	return AbortGeneral
}
