//go:build linux

// Package socketcan implements a can.Driver on top of Linux SocketCAN raw
// sockets, used by cmd/canopen when running against real CAN hardware.
package socketcan

import (
	"fmt"
	"log/slog"
	"net"
	"unsafe"

	"github.com/fieldbus-works/canopen/pkg/can"
	"golang.org/x/sys/unix"
)

func init() {
	can.Register("socketcan", New)
}

const frameSize = 16

// wireFrame mirrors struct can_frame from linux/can.h.
type wireFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

// Bus is a can.Driver backed by an AF_CAN SOCK_RAW socket. Receive is
// non-blocking thanks to a short SO_RCVTIMEO on the socket.
type Bus struct {
	channel string
	fd      int
	logger  *slog.Logger
}

// New creates a driver bound to the given interface name (e.g. "can0").
// The interface must already be up.
func New(channel string) (can.Driver, error) {
	return &Bus{channel: channel, fd: -1, logger: slog.Default().With("driver", "socketcan", "channel", channel)}, nil
}

// Enable opens and binds the raw CAN socket.
func (b *Bus) Enable() error {
	iface, err := net.InterfaceByName(b.channel)
	if err != nil {
		return fmt.Errorf("socketcan: %w", err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socketcan: create socket: %w", err)
	}
	// Non-blocking receive: a short timeout turns Read into a poll.
	timeout := unix.Timeval{Sec: 0, Usec: 1000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &timeout); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("socketcan: set recv timeout: %w", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("socketcan: bind: %w", err)
	}
	b.fd = fd
	return nil
}

// Close releases the socket.
func (b *Bus) Close() error {
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// Send writes one frame to the socket.
func (b *Bus) Send(frame can.Frame) error {
	wf := wireFrame{id: uint32(frame.ID), dlc: frame.DLC, data: frame.Data}
	raw := (*(*[frameSize]byte)(unsafe.Pointer(&wf)))[:]
	n, err := unix.Write(b.fd, raw)
	if err != nil {
		return err
	}
	if n != frameSize {
		return fmt.Errorf("socketcan: short write (%d/%d bytes)", n, frameSize)
	}
	return nil
}

// Receive polls the socket once, non-blocking thanks to SO_RCVTIMEO.
func (b *Bus) Receive() (can.Frame, bool, error) {
	raw := make([]byte, frameSize)
	n, err := unix.Read(b.fd, raw)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return can.Frame{}, false, nil
		}
		return can.Frame{}, false, err
	}
	if n != frameSize {
		return can.Frame{}, false, fmt.Errorf("socketcan: short read (%d/%d bytes)", n, frameSize)
	}
	wf := (*wireFrame)(unsafe.Pointer(&raw[0]))
	frame := can.Frame{ID: uint16(wf.id) & can.MaxID, DLC: wf.dlc, Data: wf.data}
	return frame, true, nil
}

// SetReceiveOwn toggles CAN_RAW_RECV_OWN_MSGS, mostly useful for loopback
// testing against a vcan interface.
func (b *Bus) SetReceiveOwn(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, v)
}
