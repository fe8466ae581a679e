package sdo

import "github.com/fieldbus-works/canopen/pkg/od"

// TypeServerID implements object 0x1200: sub 1 is the client->server
// (rx) COB-ID, sub 2 the server->client (tx) COB-ID. Entry.Data.Ref must
// hold the owning *Server.
var TypeServerID = &od.TypeVTable{
	Name: "SDO_SERVER_ID",
	Size: func(e *od.Entry, host od.Host) (int, error) { return 4, nil },
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		s, ok := e.Data.Ref.(*Server)
		if !ok {
			return 0, od.ErrTypeRead
		}
		var v uint32
		switch e.Key.Sub() {
		case 1:
			v = s.RawRxCobID()
		case 2:
			v = s.RawTxCobID()
		default:
			return 0, od.ErrNotFound
		}
		dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		return 4, nil
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		s, ok := e.Data.Ref.(*Server)
		if !ok {
			return od.ErrTypeWrite
		}
		v := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
		switch e.Key.Sub() {
		case 1:
			s.SetRxCobID(v)
		case 2:
			s.SetTxCobID(v)
		default:
			return od.ErrObjAcc
		}
		return nil
	},
}

// TypeClientID implements object 0x1280+n: sub 1 the client->server (tx)
// COB-ID, sub 2 the server->client (rx) COB-ID, sub 3 the target node
// id. Entry.Data.Ref must hold the owning *Client.
var TypeClientID = &od.TypeVTable{
	Name: "SDO_CLIENT_ID",
	Size: func(e *od.Entry, host od.Host) (int, error) {
		if e.Key.Sub() == 3 {
			return 1, nil
		}
		return 4, nil
	},
	Read: func(e *od.Entry, host od.Host, dst []byte) (int, error) {
		c, ok := e.Data.Ref.(*Client)
		if !ok {
			return 0, od.ErrTypeRead
		}
		switch e.Key.Sub() {
		case 1:
			v := c.txCobID
			dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
			return 4, nil
		case 2:
			v := uint32(c.rxCobID)
			dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
			return 4, nil
		case 3:
			dst[0] = c.targetNodeID
			return 1, nil
		default:
			return 0, od.ErrNotFound
		}
	},
	Write: func(e *od.Entry, host od.Host, src []byte) error {
		c, ok := e.Data.Ref.(*Client)
		if !ok {
			return od.ErrTypeWrite
		}
		switch e.Key.Sub() {
		case 1:
			c.txCobID = uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
		case 2:
			c.rxCobID = uint16(uint32(src[0]) | uint32(src[1])<<8)
		case 3:
			c.targetNodeID = src[0]
		default:
			return od.ErrObjAcc
		}
		return nil
	},
}
