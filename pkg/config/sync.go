package config

import "github.com/fieldbus-works/canopen/pkg/od"

// ReadCobIDSync reads object 0x1005 (COB-ID SYNC).
func (c *NodeConfigurator) ReadCobIDSync(done func(cobID uint32, err error)) error {
	return c.readU32(od.DevOf(0x1005, 0), done)
}

// WriteCobIDSync writes object 0x1005.
func (c *NodeConfigurator) WriteCobIDSync(cobID uint32, done func(err error)) error {
	return c.writeU32(od.DevOf(0x1005, 0), cobID, done)
}

// ReadCommunicationPeriod reads object 0x1006, the SYNC communication
// cycle period in microseconds (0 disables periodic SYNC production).
func (c *NodeConfigurator) ReadCommunicationPeriod(done func(periodUs uint32, err error)) error {
	return c.readU32(od.DevOf(0x1006, 0), done)
}

// WriteCommunicationPeriod writes object 0x1006.
func (c *NodeConfigurator) WriteCommunicationPeriod(periodUs uint32, done func(err error)) error {
	return c.writeU32(od.DevOf(0x1006, 0), periodUs, done)
}
