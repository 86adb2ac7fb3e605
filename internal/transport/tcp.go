package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// FrameHeaderSize is the length of the stream frame header
	FrameHeaderSize = 4
	// FrameType identifies a BACnet stream frame
	FrameType = 0x82
	// MaxFramePayload bounds the NPDU carried in a single frame
	MaxFramePayload = 1600
)

// EncodeFrame wraps an NPDU in a stream frame. The header is the frame
// type, a reserved byte, and the total frame length in big-endian.
func EncodeFrame(npdu []byte) ([]byte, error) {
	if len(npdu) > MaxFramePayload {
		return nil, fmt.Errorf("frame payload too large: %d bytes", len(npdu))
	}
	frame := make([]byte, FrameHeaderSize+len(npdu))
	frame[0] = FrameType
	frame[1] = 0
	binary.BigEndian.PutUint16(frame[2:4], uint16(FrameHeaderSize+len(npdu)))
	copy(frame[FrameHeaderSize:], npdu)
	return frame, nil
}

// ReadFrame reads one stream frame and returns its NPDU payload
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	if header[0] != FrameType {
		return nil, fmt.Errorf("invalid frame type 0x%02X", header[0])
	}
	length := binary.BigEndian.Uint16(header[2:4])
	if length < FrameHeaderSize {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}
	payload := length - FrameHeaderSize
	if payload > MaxFramePayload {
		return nil, fmt.Errorf("frame payload too large: %d bytes", payload)
	}
	npdu := make([]byte, payload)
	if _, err := io.ReadFull(r, npdu); err != nil {
		return nil, err
	}
	return npdu, nil
}

// streamConn is one established connection to a peer
type streamConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// TCPBinding carries framed NPDUs over per-destination TCP connections.
// Connections are dialed lazily on first send and reaped after sitting
// idle; a failed connection is dropped and redialed on the next send.
type TCPBinding struct {
	connectTimeout time.Duration
	idleTimeout    time.Duration

	mu      sync.Mutex
	conns   map[string]*streamConn
	closed  bool
	packets chan Packet
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewTCPBinding creates a stream binding with the given connect and idle
// timeouts
func NewTCPBinding(connectTimeout, idleTimeout time.Duration) *TCPBinding {
	return &TCPBinding{
		connectTimeout: connectTimeout,
		idleTimeout:    idleTimeout,
		conns:          make(map[string]*streamConn),
		packets:        make(chan Packet, 64),
		done:           make(chan struct{}),
	}
}

// Open marks the binding ready. Connections are dialed per destination on
// first send.
func (b *TCPBinding) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.done = make(chan struct{})
	}
	b.closed = false
	return nil
}

// Packets returns the receive channel
func (b *TCPBinding) Packets() <-chan Packet {
	return b.packets
}

// Send frames data and writes it to the connection for addr, dialing if
// none is established
func (b *TCPBinding) Send(addr net.Addr, data []byte) error {
	frame, err := EncodeFrame(data)
	if err != nil {
		return err
	}

	key := addr.String()
	sc, err := b.connFor(key)
	if err != nil {
		return err
	}

	if err := sc.conn.SetWriteDeadline(time.Now().Add(b.connectTimeout)); err != nil {
		b.dropConn(key, sc)
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := sc.conn.Write(frame); err != nil {
		b.dropConn(key, sc)
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}

func (b *TCPBinding) connFor(key string) (*streamConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("transport not open")
	}
	if sc, ok := b.conns[key]; ok {
		return sc, nil
	}

	conn, err := net.DialTimeout("tcp", key, b.connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	sc := &streamConn{conn: conn, reader: bufio.NewReader(conn)}
	b.conns[key] = sc

	b.wg.Add(1)
	go b.readLoop(key, sc)
	return sc, nil
}

func (b *TCPBinding) readLoop(key string, sc *streamConn) {
	defer b.wg.Done()

	for {
		if b.idleTimeout > 0 {
			if err := sc.conn.SetReadDeadline(time.Now().Add(b.idleTimeout)); err != nil {
				b.dropConn(key, sc)
				return
			}
		}
		npdu, err := ReadFrame(sc.reader)
		if err != nil {
			// Idle connections are reaped quietly; the next send redials
			b.dropConn(key, sc)
			return
		}
		select {
		case b.packets <- Packet{Data: npdu, Source: sc.conn.RemoteAddr()}:
		case <-b.done:
			b.dropConn(key, sc)
			return
		}
	}
}

// dropConn closes a connection and forgets it if it is still the current
// one for its destination
func (b *TCPBinding) dropConn(key string, sc *streamConn) {
	b.mu.Lock()
	if cur, ok := b.conns[key]; ok && cur == sc {
		delete(b.conns, key)
	}
	b.mu.Unlock()
	sc.conn.Close()
}

// Disconnect closes any connection to addr
func (b *TCPBinding) Disconnect(addr net.Addr) {
	key := addr.String()
	b.mu.Lock()
	sc, ok := b.conns[key]
	if ok {
		delete(b.conns, key)
	}
	b.mu.Unlock()
	if ok {
		sc.conn.Close()
	}
}

// Close closes every connection and stops the binding
func (b *TCPBinding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := b.conns
	b.conns = make(map[string]*streamConn)
	b.mu.Unlock()

	close(b.done)
	for _, sc := range conns {
		sc.conn.Close()
	}
	b.wg.Wait()
	return nil
}
