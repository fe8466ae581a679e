package sdo

import (
	"log/slog"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/timer"
)

// DownloadCallback is invoked once a client download completes, either
// with err == nil on success or a non-nil error (an od.SDOAbortCode on
// explicit abort, od.ErrSdoSilent on timeout).
type DownloadCallback func(err error)

// UploadCallback is invoked once a client upload completes, carrying the
// uploaded bytes on success.
type UploadCallback func(data []byte, err error)

// TimeoutTicks is the default client response timeout, in wheel ticks
// (100us units): 1 second.
const TimeoutTicks = 10000

// Client issues one expedited SDO transfer at a time against a single
// remote server (object 0x1280+n). A second request while one is in
// flight is refused with ErrSdoBusy, matching §5's "no suspension
// points" rule: there is no queueing, the embedder retries later.
type Client struct {
	logger *slog.Logger
	wheel  *timer.Wheel
	driver can.Driver

	txCobID      uint32 // request cob-id (client -> server), off bit disables
	rxCobID      uint16 // response cob-id (server -> client)
	targetNodeID uint8

	busy       bool
	pendingDev uint32
	isUpload   bool
	onDownload DownloadCallback
	onUpload   UploadCallback

	timeoutID uint32
	hasTmr    bool
}

// NewClient creates a client targeting serverNodeID at the conventional
// 0x600/0x580 COB-IDs.
func NewClient(serverNodeID uint8, wheel *timer.Wheel, driver can.Driver, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:       logger.With("service", "[SDOC]"),
		wheel:        wheel,
		driver:       driver,
		targetNodeID: serverNodeID,
		txCobID:      0x600 + uint32(serverNodeID),
		rxCobID:      0x580 + uint16(serverNodeID),
	}
}

func (c *Client) active() bool { return c.txCobID&offBit == 0 }

// Download writes up to 4 bytes to a remote object, expedited. Returns
// ErrSdoOff if the client cob-ids are disabled, ErrSdoBusy if a transfer
// is already in flight.
func (c *Client) Download(dev uint32, data []byte, done DownloadCallback) error {
	if !c.active() {
		return od.ErrSdoOff
	}
	if c.busy {
		return od.ErrSdoBusy
	}
	if len(data) == 0 || len(data) > 4 {
		return od.ErrBadArg
	}

	frame := can.NewFrame(uint16(c.txCobID&0x7FF), 8)
	frame.Data[0] = buildCommand(ccsDownloadInit, true, true, uint8(4-len(data)))
	putDev(&frame.Data, dev)
	copy(frame.Data[4:4+len(data)], data)

	if err := c.driver.Send(frame); err != nil {
		return od.ErrObjWrite
	}
	c.busy = true
	c.isUpload = false
	c.pendingDev = dev
	c.onDownload = done
	c.armTimeout()
	return nil
}

// Upload reads a remote object, expedited.
func (c *Client) Upload(dev uint32, done UploadCallback) error {
	if !c.active() {
		return od.ErrSdoOff
	}
	if c.busy {
		return od.ErrSdoBusy
	}

	frame := can.NewFrame(uint16(c.txCobID&0x7FF), 8)
	frame.Data[0] = buildCommand(ccsUploadInit, false, false, 0)
	putDev(&frame.Data, dev)

	if err := c.driver.Send(frame); err != nil {
		return od.ErrObjRead
	}
	c.busy = true
	c.isUpload = true
	c.pendingDev = dev
	c.onUpload = done
	c.armTimeout()
	return nil
}

// HandleFrame consumes an inbound SDO server response. Reports whether
// the frame matched this client's rx COB-ID.
func (c *Client) HandleFrame(frame can.Frame) bool {
	if uint32(frame.ID) != uint32(c.rxCobID) || frame.DLC != 8 {
		return false
	}
	if !c.busy {
		return true
	}
	c.cancelTimeout()
	c.busy = false

	b0 := frame.Data[0]
	switch {
	case b0 == 0x80:
		code := decodeAbortCode(frame.Data)
		c.finish(nil, code)
	case csFromByte0(b0) == scsDownloadInitResp && !c.isUpload:
		c.finish(nil, nil)
	case csFromByte0(b0) == scsUploadInitResp && c.isUpload:
		n := dataSize(b0)
		c.finish(append([]byte(nil), frame.Data[4:4+n]...), nil)
	default:
		c.finish(nil, od.ErrSdoAbort)
	}
	return true
}

func (c *Client) finish(data []byte, err error) {
	if c.isUpload {
		if c.onUpload != nil {
			c.onUpload(data, err)
		}
		return
	}
	if c.onDownload != nil {
		c.onDownload(err)
	}
}

func (c *Client) armTimeout() {
	if c.wheel == nil {
		return
	}
	id, err := c.wheel.Create(TimeoutTicks, 0, func(any) { c.timeoutExpired() }, nil)
	if err != nil {
		c.logger.Warn("failed to arm SDO response timeout", "error", err)
		return
	}
	c.timeoutID = id
	c.hasTmr = true
}

func (c *Client) cancelTimeout() {
	if c.hasTmr {
		_ = c.wheel.Delete(c.timeoutID)
		c.hasTmr = false
	}
}

func (c *Client) timeoutExpired() {
	c.hasTmr = false
	c.busy = false
	c.finish(nil, od.ErrSdoSilent)
}
