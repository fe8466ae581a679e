// Package sdo implements expedited-only SDO server and client transfers
// (CiA 301 §7.2.4): single-frame request/response exchanges for objects
// up to 4 bytes, with CANopen abort codes surfacing dictionary errors.
// Segmented and block transfer are out of scope (spec Non-goals).
package sdo

import "github.com/fieldbus-works/canopen/pkg/od"

const (
	ccsDownloadInit byte = 1
	ccsUploadInit   byte = 2
	ccsAbort        byte = 4

	scsDownloadInitResp byte = 3
	scsUploadInitResp   byte = 2
)

// offBit marks a client/server COB-ID as inactive, mirroring the PDO/
// SYNC/EMCY cob-id convention.
const offBit = 1 << 31

func csFromByte0(b byte) byte { return b >> 5 }

func buildCommand(cs byte, expedited, sizeIndicated bool, n uint8) byte {
	b := cs << 5
	if expedited {
		b |= 0x02
	}
	if sizeIndicated {
		b |= 0x01
	}
	b |= (n & 0x3) << 2
	return b
}

// dataSize extracts the expedited payload length from a command byte
// whose e and s bits are both set.
func dataSize(b byte) int {
	n := (b >> 2) & 0x3
	return 4 - int(n)
}

func decodeDev(data [8]byte) uint32 {
	index := uint16(data[1]) | uint16(data[2])<<8
	sub := data[3]
	return od.DevOf(index, sub)
}

func decodeAbortCode(data [8]byte) od.SDOAbortCode {
	return od.SDOAbortCode(uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24)
}

func putAbortCode(data *[8]byte, code od.SDOAbortCode) {
	v := uint32(code)
	data[4], data[5], data[6], data[7] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putDev(data *[8]byte, dev uint32) {
	data[1] = byte(dev >> 8)
	data[2] = byte(dev >> 16)
	data[3] = byte(dev)
}
