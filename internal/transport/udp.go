package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
)

const udpReadBufferSize = 1500 // MTU size

// UDPBinding implements BACnet/IP transport over UDP
type UDPBinding struct {
	localAddr     string
	broadcastAddr *net.UDPAddr

	mu       sync.RWMutex
	conn     *net.UDPConn
	closed   bool
	packets  chan Packet
	done     chan struct{}
	localIPs map[string]struct{}
	wg       sync.WaitGroup
}

// NewUDPBinding creates a UDP binding listening on localAddr and
// broadcasting to broadcastAddr
func NewUDPBinding(localAddr string, broadcastAddr *net.UDPAddr) *UDPBinding {
	return &UDPBinding{
		localAddr:     localAddr,
		broadcastAddr: broadcastAddr,
		packets:       make(chan Packet, 64),
		done:          make(chan struct{}),
	}
}

// Open binds the UDP socket and starts the receive loop
func (b *UDPBinding) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil
	}

	var addr *net.UDPAddr
	var err error

	if b.localAddr != "" {
		addr, err = net.ResolveUDPAddr("udp4", b.localAddr)
		if err != nil {
			return fmt.Errorf("resolve local address: %w", err)
		}
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}

	b.conn = conn
	b.closed = false
	b.done = make(chan struct{})
	b.localIPs = localInterfaceIPs()

	b.wg.Add(1)
	go b.readLoop(conn)
	return nil
}

// localInterfaceIPs collects the IPv4 addresses of the local interfaces so
// the receive loop can drop our own broadcasts
func localInterfaceIPs() map[string]struct{} {
	ips := make(map[string]struct{})
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			ips[ip4.String()] = struct{}{}
		}
	}
	return ips
}

func (b *UDPBinding) readLoop(conn *net.UDPConn) {
	defer b.wg.Done()

	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	buf := make([]byte, udpReadBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !b.deliverReadError(err) {
				return
			}
			continue
		}

		// Drop our own broadcasts looping back through the interface
		if addr.Port == localPort {
			if _, ok := b.localIPs[addr.IP.To4().String()]; ok {
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case b.packets <- Packet{Data: data, Source: addr}:
		case <-b.done:
			return
		}
	}
}

// deliverReadError surfaces a transient receive failure on the packet
// channel and reports whether the read loop should keep going. A closed
// socket stops the loop; anything else is transient.
func (b *UDPBinding) deliverReadError(err error) bool {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed || strings.Contains(err.Error(), "use of closed network connection") {
		return false
	}
	select {
	case b.packets <- Packet{Err: fmt.Errorf("read UDP: %w", err)}:
	case <-b.done:
		return false
	}
	return true
}

// Packets returns the receive channel
func (b *UDPBinding) Packets() <-chan Packet {
	return b.packets
}

// LocalAddr returns the bound local address
func (b *UDPBinding) LocalAddr() net.Addr {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

// Send sends a datagram to a specific address
func (b *UDPBinding) Send(addr net.Addr, data []byte) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("transport not open")
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("not a UDP address: %v", addr)
	}

	n, err := conn.WriteToUDP(data, udpAddr)
	if err != nil {
		return fmt.Errorf("write UDP: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("partial write: %d of %d bytes", n, len(data))
	}

	return nil
}

// Broadcast sends a datagram to the configured broadcast address
func (b *UDPBinding) Broadcast(data []byte) error {
	return b.Send(b.broadcastAddr, data)
}

// Close closes the socket and stops the receive loop
func (b *UDPBinding) Close() error {
	b.mu.Lock()
	if b.conn == nil || b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	close(b.done)
	err := conn.Close()
	b.wg.Wait()

	b.mu.Lock()
	b.conn = nil
	b.mu.Unlock()
	return err
}
