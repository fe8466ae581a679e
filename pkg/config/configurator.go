// Package config provides typed helpers for reading and writing a
// remote node's CiA 301 communication objects over SDO, without that
// node's EDS file loaded locally. Grounded on the teacher's
// pkg/config.NodeConfigurator, adapted from synchronous client calls to
// the callback shape pkg/sdo.Client exposes: every method here either
// arms the client's next (and only) in-flight transfer and returns nil,
// or fails fast with an error, matching §5's no-suspension-points rule.
package config

import (
	"encoding/binary"

	"github.com/fieldbus-works/canopen/pkg/od"
	"github.com/fieldbus-works/canopen/pkg/sdo"
)

// NodeConfigurator issues expedited SDO requests against one remote
// node's dictionary through an embedder-owned sdo.Client. The client's
// target node id decides which node is addressed; a NodeConfigurator
// just adds typed encode/decode around raw Download/Upload calls.
type NodeConfigurator struct {
	client *sdo.Client
}

// NewNodeConfigurator wraps an existing SDO client.
func NewNodeConfigurator(client *sdo.Client) *NodeConfigurator {
	return &NodeConfigurator{client: client}
}

func (c *NodeConfigurator) readU8(dev uint32, done func(uint8, error)) error {
	return c.client.Upload(dev, func(data []byte, err error) {
		if err != nil {
			done(0, err)
			return
		}
		if len(data) < 1 {
			done(0, od.ErrBadArg)
			return
		}
		done(data[0], nil)
	})
}

func (c *NodeConfigurator) readU16(dev uint32, done func(uint16, error)) error {
	return c.client.Upload(dev, func(data []byte, err error) {
		if err != nil {
			done(0, err)
			return
		}
		if len(data) < 2 {
			done(0, od.ErrBadArg)
			return
		}
		done(binary.LittleEndian.Uint16(data), nil)
	})
}

func (c *NodeConfigurator) readU32(dev uint32, done func(uint32, error)) error {
	return c.client.Upload(dev, func(data []byte, err error) {
		if err != nil {
			done(0, err)
			return
		}
		if len(data) < 4 {
			done(0, od.ErrBadArg)
			return
		}
		done(binary.LittleEndian.Uint32(data), nil)
	})
}

func (c *NodeConfigurator) writeU8(dev uint32, v uint8, done sdo.DownloadCallback) error {
	return c.client.Download(dev, []byte{v}, done)
}

func (c *NodeConfigurator) writeU16(dev uint32, v uint16, done sdo.DownloadCallback) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return c.client.Download(dev, buf, done)
}

func (c *NodeConfigurator) writeU32(dev uint32, v uint32, done sdo.DownloadCallback) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return c.client.Download(dev, buf, done)
}
