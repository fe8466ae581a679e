// Package virtual implements a TCP-relayed virtual CAN bus for setups that
// don't have real CAN hardware.
// It requires a broker relaying frames to all connected clients, see
// https://github.com/windelbouwman/virtualcan
package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fieldbus-works/canopen/pkg/can"
)

func init() {
	can.Register("virtual", New)
	can.Register("virtualcan", New)
}

// Bus is a can.Driver backed by a TCP connection to a virtual CAN broker.
// The wire protocol is a 4-byte big-endian length prefix followed by the
// binary encoding of a Frame.
type Bus struct {
	logger     *slog.Logger
	mu         sync.Mutex
	channel    string
	conn       net.Conn
	rx         chan can.Frame
	closing    chan struct{}
	wg         sync.WaitGroup
	ReceiveOwn bool
}

// New creates a (not yet connected) virtual bus for the given "host:port"
// channel.
func New(channel string) (can.Driver, error) {
	return &Bus{
		channel: channel,
		rx:      make(chan can.Frame, 256),
		closing: make(chan struct{}),
		logger:  slog.Default().With("driver", "virtual"),
	}, nil
}

func serializeFrame(frame can.Frame) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, frame); err != nil {
		return nil, err
	}
	payload := buf.Bytes()
	framed := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(framed, uint32(len(payload)))
	return append(framed, payload...), nil
}

func deserializeFrame(raw []byte) (can.Frame, error) {
	var frame can.Frame
	err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &frame)
	return frame, err
}

// Enable dials the broker and starts the background reader.
func (b *Bus) Enable() error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	b.wg.Add(1)
	go b.readLoop(conn)
	return nil
}

// Close disconnects from the broker.
func (b *Bus) Close() error {
	close(b.closing)
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	b.wg.Wait()
	return nil
}

// Send writes a frame to the broker. If ReceiveOwn is set, it is also
// looped back locally (useful for single-process tests).
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	conn := b.conn
	receiveOwn := b.ReceiveOwn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("virtual can: not connected")
	}
	raw, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(20 * time.Millisecond))
	if _, err := conn.Write(raw); err != nil {
		return err
	}
	if receiveOwn {
		select {
		case b.rx <- frame:
		default:
			b.logger.Warn("loopback queue full, dropping own frame")
		}
	}
	return nil
}

// Receive is non-blocking: it returns ok == false when the inbound queue
// is empty.
func (b *Bus) Receive() (can.Frame, bool, error) {
	select {
	case frame := <-b.rx:
		return frame, true, nil
	default:
		return can.Frame{}, false, nil
	}
}

func (b *Bus) readLoop(conn net.Conn) {
	defer b.wg.Done()
	lenBuf := make([]byte, 4)
	for {
		select {
		case <-b.closing:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := readFull(conn, lenBuf); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			b.logger.Debug("read loop exiting", "error", err)
			return
		}
		payloadLen := binary.BigEndian.Uint32(lenBuf)
		payload := make([]byte, payloadLen)
		if _, err := readFull(conn, payload); err != nil {
			b.logger.Debug("read loop exiting mid-frame", "error", err)
			return
		}
		frame, err := deserializeFrame(payload)
		if err != nil {
			b.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		select {
		case b.rx <- frame:
		default:
			b.logger.Warn("inbound queue full, dropping frame", "id", fmt.Sprintf("x%x", frame.ID))
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
