package probe

import (
	"context"
	"net"
)

// TCP probes by opening a connection to the address. Anything accepting
// the dial counts as ready.
type TCP struct{}

func (TCP) Check(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
