//go:build linux

package socketcan

import (
	"log/slog"
	"sync"

	sockcan "github.com/brutella/can"
	"github.com/fieldbus-works/canopen/pkg/can"
)

func init() {
	can.Register("socketcan-brutella", NewBrutellaBus)
}

// BrutellaBus adapts github.com/brutella/can's push-style Bus to the
// pull-style can.Driver interface, buffering received frames so Receive
// stays non-blocking. Kept alongside the raw-syscall driver as an
// alternate backend for platforms where cgo-free raw sockets aren't an
// option.
type BrutellaBus struct {
	logger *slog.Logger
	bus    *sockcan.Bus
	rx     chan can.Frame
	mu     sync.Mutex
}

// NewBrutellaBus creates a driver wrapping brutella/can for the named
// interface.
func NewBrutellaBus(channel string) (can.Driver, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	b := &BrutellaBus{
		bus:    bus,
		rx:     make(chan can.Frame, 256),
		logger: slog.Default().With("driver", "socketcan-brutella", "channel", channel),
	}
	bus.Subscribe(b)
	return b, nil
}

// Handle implements brutella/can's frame handler interface.
func (b *BrutellaBus) Handle(frame sockcan.Frame) {
	converted := can.Frame{ID: uint16(frame.ID) & can.MaxID, DLC: frame.Length, Data: frame.Data}
	select {
	case b.rx <- converted:
	default:
		b.logger.Warn("inbound queue full, dropping frame")
	}
}

// Enable starts the brutella/can receive loop in the background.
func (b *BrutellaBus) Enable() error {
	go func() {
		if err := b.bus.ConnectAndPublish(); err != nil {
			b.logger.Error("bus terminated", "error", err)
		}
	}()
	return nil
}

// Close disconnects the underlying bus.
func (b *BrutellaBus) Close() error {
	return b.bus.Disconnect()
}

// Send publishes one frame.
func (b *BrutellaBus) Send(frame can.Frame) error {
	return b.bus.Publish(sockcan.Frame{ID: uint32(frame.ID), Length: frame.DLC, Data: frame.Data})
}

// Receive is non-blocking.
func (b *BrutellaBus) Receive() (can.Frame, bool, error) {
	select {
	case frame := <-b.rx:
		return frame, true, nil
	default:
		return can.Frame{}, false, nil
	}
}
