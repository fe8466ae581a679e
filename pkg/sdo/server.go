package sdo

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/od"
)

// Server answers expedited SDO download/upload requests against a
// dictionary. Every request completes within the single frame that
// carries it: there is no pending-transfer state to track, matching
// §5's "no suspension points" model.
type Server struct {
	logger *slog.Logger
	dict   *od.Dictionary
	driver can.Driver

	rxCobID uint32
	txCobID uint16
}

// NewServer creates a server listening on 0x600+nodeID and replying on
// 0x580+nodeID by default (object 0x1200).
func NewServer(nodeID uint8, dict *od.Dictionary, driver can.Driver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:  logger.With("service", "[SDOS]"),
		dict:    dict,
		driver:  driver,
		rxCobID: 0x600 + uint32(nodeID),
		txCobID: 0x580 + uint16(nodeID),
	}
}

func (s *Server) active() bool { return s.rxCobID&offBit == 0 }

// SetRxCobID and SetTxCobID implement object 0x1200 subs 1 and 2.
func (s *Server) SetRxCobID(v uint32) { s.rxCobID = v }
func (s *Server) SetTxCobID(v uint32) { s.txCobID = uint16(v & 0x7FF) }
func (s *Server) RawRxCobID() uint32  { return s.rxCobID }
func (s *Server) RawTxCobID() uint32  { return uint32(s.txCobID) }

// HandleFrame consumes an inbound SDO client request, replying
// synchronously on the same call. Reports whether the frame matched
// this server's rx COB-ID.
func (s *Server) HandleFrame(frame can.Frame) bool {
	if !s.active() || uint32(frame.ID) != s.rxCobID&0x7FF || frame.DLC != 8 {
		return false
	}

	cs := csFromByte0(frame.Data[0])
	dev := decodeDev(frame.Data)

	switch cs {
	case ccsDownloadInit:
		s.handleDownload(frame, dev)
	case ccsUploadInit:
		s.handleUpload(dev)
	case ccsAbort:
		// Client aborted its own request; nothing to reply.
	default:
		s.abort(dev, od.AbortCmd)
	}
	return true
}

func (s *Server) handleDownload(frame can.Frame, dev uint32) {
	b0 := frame.Data[0]
	expedited := b0&0x02 != 0
	sizeIndicated := b0&0x01 != 0
	if !expedited || !sizeIndicated {
		s.abort(dev, od.AbortCmd)
		return
	}
	size := dataSize(b0)
	payload := frame.Data[4 : 4+size]

	declared, err := s.dict.Size(dev)
	if err != nil {
		s.abort(dev, err.(od.ErrorCode).Abort())
		return
	}
	if size != declared {
		if size > declared {
			s.abort(dev, od.AbortDataLong)
		} else {
			s.abort(dev, od.AbortDataShort)
		}
		return
	}
	if writeErr := s.dict.WriteBuffer(dev, payload); writeErr != nil {
		code, ok := writeErr.(od.ErrorCode)
		if !ok {
			code = od.ErrObjWrite
		}
		s.abort(dev, code.Abort())
		return
	}

	var resp [8]byte
	resp[0] = buildCommand(scsDownloadInitResp, false, false, 0)
	putDev(&resp, dev)
	s.send(resp)
}

func (s *Server) handleUpload(dev uint32) {
	declared, err := s.dict.Size(dev)
	if err != nil {
		s.abort(dev, err.(od.ErrorCode).Abort())
		return
	}
	if declared > 4 {
		s.abort(dev, od.AbortDataLong)
		return
	}
	var buf [4]byte
	n, readErr := s.dict.ReadBuffer(dev, buf[:declared])
	if readErr != nil {
		code, ok := readErr.(od.ErrorCode)
		if !ok {
			code = od.ErrObjRead
		}
		s.abort(dev, code.Abort())
		return
	}

	var resp [8]byte
	resp[0] = buildCommand(scsUploadInitResp, true, true, uint8(4-n))
	putDev(&resp, dev)
	copy(resp[4:4+n], buf[:n])
	s.send(resp)
}

func (s *Server) abort(dev uint32, code od.SDOAbortCode) {
	var resp [8]byte
	resp[0] = 0x80
	putDev(&resp, dev)
	putAbortCode(&resp, code)
	s.send(resp)
}

func (s *Server) send(data [8]byte) {
	frame := can.NewFrame(s.txCobID, 8)
	frame.Data = data
	if err := s.driver.Send(frame); err != nil {
		s.logger.Warn("SDO response send failed", "error", err)
	}
}
