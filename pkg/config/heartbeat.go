package config

import "github.com/fieldbus-works/canopen/pkg/od"

// ReadHeartbeatPeriod reads object 0x1017, the producer heartbeat time
// in milliseconds (0 disables heartbeat production).
func (c *NodeConfigurator) ReadHeartbeatPeriod(done func(periodMs uint16, err error)) error {
	return c.readU16(od.DevOf(0x1017, 0), done)
}

// WriteHeartbeatPeriod writes object 0x1017.
func (c *NodeConfigurator) WriteHeartbeatPeriod(periodMs uint16, done func(err error)) error {
	return c.writeU16(od.DevOf(0x1017, 0), periodMs, done)
}

// ReadMaxMonitorable reads object 0x1016 sub 0, the number of
// configured heartbeat consumer slots.
func (c *NodeConfigurator) ReadMaxMonitorable(done func(count uint8, err error)) error {
	return c.readU8(od.DevOf(0x1016, 0), done)
}

// ReadMonitoredNode reads one consumer slot (object 0x1016 sub index),
// splitting the packed value into the monitored node id and period.
func (c *NodeConfigurator) ReadMonitoredNode(index uint8, done func(nodeID uint8, periodMs uint16, err error)) error {
	return c.readU32(od.DevOf(0x1016, index), func(v uint32, err error) {
		if err != nil {
			done(0, 0, err)
			return
		}
		done(uint8(v>>16), uint16(v), nil)
	})
}

// WriteMonitoredNode configures one consumer slot to watch nodeID with
// the given heartbeat period.
func (c *NodeConfigurator) WriteMonitoredNode(index uint8, nodeID uint8, periodMs uint16, done func(err error)) error {
	v := uint32(nodeID)<<16 | uint32(periodMs)
	return c.writeU32(od.DevOf(0x1016, index), v, done)
}
