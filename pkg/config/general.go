package config

import "github.com/fieldbus-works/canopen/pkg/od"

// Identity mirrors object 0x1018's four subindices.
type Identity struct {
	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// ReadIdentity reads object 0x1018 subs 1..4. The client only ever has
// one transfer in flight (§5), so the four uploads are chained rather
// than fired concurrently; done is called once with the assembled
// Identity, or with the first error hit along the way.
func (c *NodeConfigurator) ReadIdentity(done func(id *Identity, err error)) error {
	id := &Identity{}
	return c.readU32(od.DevOf(0x1018, 1), func(vendorID uint32, err error) {
		id.VendorID = vendorID
		c.readIdentityProductCode(id, err, done)
	})
}

func (c *NodeConfigurator) readIdentityProductCode(id *Identity, prevErr error, done func(*Identity, error)) {
	if prevErr != nil {
		done(nil, prevErr)
		return
	}
	if err := c.readU32(od.DevOf(0x1018, 2), func(productCode uint32, err error) {
		id.ProductCode = productCode
		c.readIdentityRevision(id, err, done)
	}); err != nil {
		done(nil, err)
	}
}

func (c *NodeConfigurator) readIdentityRevision(id *Identity, prevErr error, done func(*Identity, error)) {
	if prevErr != nil {
		done(nil, prevErr)
		return
	}
	if err := c.readU32(od.DevOf(0x1018, 3), func(revision uint32, err error) {
		id.RevisionNumber = revision
		c.readIdentitySerial(id, err, done)
	}); err != nil {
		done(nil, err)
	}
}

func (c *NodeConfigurator) readIdentitySerial(id *Identity, prevErr error, done func(*Identity, error)) {
	if prevErr != nil {
		done(nil, prevErr)
		return
	}
	if err := c.readU32(od.DevOf(0x1018, 4), func(serial uint32, err error) {
		id.SerialNumber = serial
		done(id, nil)
	}); err != nil {
		done(nil, err)
	}
}
