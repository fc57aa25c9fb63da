package mainboilerplate

import (
	"context"
	"net"

	"github.com/orbitinghail/sqlsync/syncproto"
)

// AddressConfig of a remote sqlsyncd coordinator.
type AddressConfig struct {
	Address string `long:"address" env:"ADDRESS" default:"localhost:7071" description:"Coordinator address"`
}

// MustDial opens a raw TCP connection to the coordinator, suitable for use
// as a syncproto.Link.
func (c *AddressConfig) MustDial(ctx context.Context) syncproto.Link {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.Address)
	Must(err, "failed to dial coordinator", "address", c.Address)
	return conn
}

// Dialer adapts AddressConfig into a syncproto.Dialer for use with a
// syncproto.LinkManager.
func (c *AddressConfig) Dialer() syncproto.Dialer {
	return func(ctx context.Context) (syncproto.Link, error) {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", c.Address)
	}
}
