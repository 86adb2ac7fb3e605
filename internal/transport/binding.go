// Package transport provides the transport bindings for BACnet communication
package transport

import (
	"context"
	"net"
)

// Packet is a datagram or frame received by a binding. A Packet with Err
// set reports a binding failure; no Data follows it on the same channel.
type Packet struct {
	Data   []byte
	Source net.Addr
	Err    error
}

// Binding is a transport endpoint. Received packets are delivered on the
// Packets channel until the binding is closed.
type Binding interface {
	Open(ctx context.Context) error
	Packets() <-chan Packet
	Send(addr net.Addr, data []byte) error
	Close() error
}
