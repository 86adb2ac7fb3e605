package bacnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/trellis-bas/bacnet/internal/transport"
)

// ConnectionState represents the client connection state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// binding is the transport surface the client needs from its datagram
// endpoint
type binding interface {
	transport.Binding
	Broadcast(data []byte) error
	LocalAddr() net.Addr
}

// Client is the BACnet transport core: PDU codec, segmentation,
// transaction management and address resolution over one or more
// transport bindings.
//
// All protocol state lives on a single run loop goroutine. Exported
// methods are safe for concurrent use; they post work to the loop and
// never touch protocol state directly.
type Client struct {
	opts *clientOptions

	udp binding
	tcp transport.Binding

	state atomic.Int32

	// Owned by the run loop goroutine
	tm           *txManager
	reasm        *reassembler
	resolver     *addressResolver
	reregisterAt time.Time

	calls    chan func()
	stop     chan struct{}
	loopDone chan struct{}

	metrics *Metrics
	logger  *slog.Logger
}

// NewClient creates a new BACnet transport client
func NewClient(opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	broadcastIP := net.ParseIP(options.broadcastAddress)
	if broadcastIP == nil {
		return nil, fmt.Errorf("invalid broadcast address %q", options.broadcastAddress)
	}

	c := &Client{
		opts:    options,
		metrics: NewMetrics(),
		logger:  options.logger,
	}

	c.udp = transport.NewUDPBinding(
		fmt.Sprintf("%s:%d", options.bindAddress, options.bindPort),
		&net.UDPAddr{IP: broadcastIP, Port: options.bindPort},
	)
	if options.tcpEnabled {
		c.tcp = transport.NewTCPBinding(options.tcpConnectTimeout, options.tcpIdleTimeout)
	}

	c.reasm = newReassembler(options.segmentWindow, options.reassemblyIdle)
	c.tm = newTxManager(c.reasm, c.sendAPDU, c.metrics, c.logger)
	c.resolver = newAddressResolver(options.deviceCacheTTL, options.discoveryTimeout,
		c.broadcastUnconfirmed, c.metrics, c.logger)
	c.tm.onOutcome = c.noteOutcome

	return c, nil
}

// Connect opens the transport bindings and starts the run loop
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	c.metrics.ConnectAttempts.Inc()

	if err := c.udp.Open(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		c.metrics.ConnectFailures.Inc()
		return fmt.Errorf("open datagram binding: %w", err)
	}
	if c.tcp != nil {
		if err := c.tcp.Open(ctx); err != nil {
			c.udp.Close()
			c.state.Store(int32(StateDisconnected))
			c.metrics.ConnectFailures.Inc()
			return fmt.Errorf("open stream binding: %w", err)
		}
	}

	c.calls = make(chan func(), 32)
	c.stop = make(chan struct{})
	c.loopDone = make(chan struct{})

	if c.opts.bbmdAddress != "" {
		if err := c.registerForeignDevice(); err != nil {
			c.logger.Warn("failed to register as foreign device",
				slog.String("error", err.Error()),
			)
		} else {
			c.reregisterAt = time.Now().Add(c.opts.foreignDeviceTTL / 2)
		}
	}

	go c.run()

	c.state.Store(int32(StateConnected))
	c.metrics.ConnectSuccesses.Inc()

	if addr := c.udp.LocalAddr(); addr != nil {
		c.logger.Info("connected", slog.String("local_addr", addr.String()))
	}

	return nil
}

// Close stops the run loop and closes the bindings. Pending requests fail
// with ErrClientClosed.
func (c *Client) Close() error {
	if c.state.Load() == int32(StateDisconnected) {
		return nil
	}
	c.state.Store(int32(StateDisconnected))
	c.metrics.Disconnects.Inc()

	close(c.stop)
	<-c.loopDone

	err := c.udp.Close()
	if c.tcp != nil {
		if terr := c.tcp.Close(); err == nil {
			err = terr
		}
	}
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}

	c.logger.Info("disconnected")
	return nil
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns the client metrics
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// post hands fn to the run loop goroutine
func (c *Client) post(fn func()) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	select {
	case c.calls <- fn:
		return nil
	case <-c.loopDone:
		return ErrClientClosed
	}
}

// SubmitRequest sends a confirmed request toward dest and returns a
// handle that resolves when the transaction completes. The payload holds
// fully encoded service parameters and is segmented when it exceeds the
// negotiated APDU size.
func (c *Client) SubmitRequest(ctx context.Context, dest DeviceAddress, service uint8, payload []byte, opts ...RequestOption) (*Request, error) {
	if dest.IsBroadcast() {
		return nil, fmt.Errorf("confirmed request needs a unicast destination, got %s", dest)
	}

	// Sequence numbers are 8 bits; a payload needing more than 256 segments
	// cannot be sent in one transaction
	segSize := int(c.opts.maxAPDULength) - segmentOverhead
	if len(payload) > 256*segSize {
		return nil, ErrPayloadTooLarge
	}

	ro := RequestOptions{
		Timeout:    c.opts.defaultTimeout,
		MaxRetries: c.opts.maxRetries,
		Window:     c.opts.segmentWindow,
		Expects:    ReplyComplex,
	}
	for _, opt := range opts {
		opt(&ro)
	}

	type submitResult struct {
		req *Request
		err error
	}
	resCh := make(chan submitResult, 1)

	err := c.post(func() {
		invokeID, err := c.tm.allocInvokeID(dest)
		if err != nil {
			resCh <- submitResult{err: err}
			return
		}
		req := &Request{
			client:   c,
			invokeID: invokeID,
			dest:     dest,
			done:     make(chan struct{}),
		}
		c.metrics.ActiveRequests.Inc()
		c.tm.submit(req, service, ro.Expects, payload, segSize, ro.Window,
			c.opts.maxAPDULength, ro.Timeout, ro.MaxRetries, time.Now())
		resCh <- submitResult{req: req}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resCh:
		return res.req, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.loopDone:
		return nil, ErrClientClosed
	}
}

// Do sends a confirmed request and blocks for its outcome
func (c *Client) Do(ctx context.Context, dest DeviceAddress, service uint8, payload []byte, opts ...RequestOption) ([]byte, error) {
	req, err := c.SubmitRequest(ctx, dest, service, payload, opts...)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// Cancel withdraws a pending request. Canceling a request that already
// resolved is a no-op.
func (c *Client) Cancel(req *Request) {
	c.post(func() {
		c.tm.cancel(req)
	})
}

// InFlight returns the number of pending confirmed requests
func (c *Client) InFlight() int {
	n := make(chan int, 1)
	if err := c.post(func() { n <- c.tm.inFlight() }); err != nil {
		return 0
	}
	select {
	case v := <-n:
		return v
	case <-c.loopDone:
		return 0
	}
}

// SendUnconfirmed sends an unconfirmed request toward dest, which may be
// a broadcast address
func (c *Client) SendUnconfirmed(dest DeviceAddress, service UnconfirmedServiceChoice, data []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	apdu := EncodeUnconfirmedRequest(service, data)
	return c.sendAPDU(dest, apdu, false)
}

// WhoIs broadcasts a Who-Is limited to the given device instance range.
// WhoIs(0, 0x3FFFFF) asks every device to respond; answers arrive as
// I-Am announcements and land in the device cache.
func (c *Client) WhoIs(low, high uint32) error {
	c.metrics.WhoIsSent.Inc()
	return c.SendUnconfirmed(LocalBroadcast(), ServiceWhoIs, EncodeWhoIs(low, high))
}

// ResolveDevice resolves a device instance to its address and
// capabilities, broadcasting a targeted Who-Is when the cache has no
// fresh entry. Concurrent resolutions of the same instance share one
// discovery.
func (c *Client) ResolveDevice(ctx context.Context, instance uint32) (*DeviceInfo, error) {
	waiter := make(chan resolveOutcome, 1)
	if err := c.post(func() { c.resolver.resolve(instance, waiter, time.Now()) }); err != nil {
		return nil, err
	}

	select {
	case out := <-waiter:
		return out.info, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.loopDone:
		return nil, ErrClientClosed
	}
}

// Devices returns a snapshot of every device in the address cache
func (c *Client) Devices() []*DeviceInfo {
	out := make(chan []*DeviceInfo, 1)
	if err := c.post(func() { out <- c.resolver.devices() }); err != nil {
		return nil
	}
	select {
	case devs := <-out:
		return devs
	case <-c.loopDone:
		return nil
	}
}

// noteOutcome observes every terminal transaction transition, keeping the
// active-request gauge honest and feeding the resolver's reachability
// tracking. Cancellations and remote failures release the gauge but say
// nothing about reachability. Runs on the loop goroutine.
func (c *Client) noteOutcome(dest DeviceAddress, err error) {
	c.metrics.ActiveRequests.Dec()
	switch {
	case err == nil:
		c.resolver.noteSuccess(dest)
	case IsTimeout(err):
		c.resolver.noteFailure(dest)
	}
}

// sendAPDU wraps an encoded APDU in NPDU and link-layer framing and hands
// it to the right binding. Remote stations without a direct IP path go
// out as a local broadcast; routers forward on the destination specifier.
func (c *Client) sendAPDU(dest DeviceAddress, apdu []byte, expectsReply bool) error {
	npdu := EncodeNPDU(dest, expectsReply, NPDUControlPriorityNormal)

	if dest.Kind == AddrUnicast && dest.Net == 0 {
		udpAddr, err := dest.UDPAddr()
		if err != nil {
			return err
		}
		if c.tcp != nil {
			payload := make([]byte, 0, len(npdu)+len(apdu))
			payload = append(payload, npdu...)
			payload = append(payload, apdu...)
			tcpAddr := &net.TCPAddr{IP: udpAddr.IP, Port: udpAddr.Port}
			if err := c.tcp.Send(tcpAddr, payload); err != nil {
				c.metrics.TransportErrors.Inc()
				return fmt.Errorf("%w: %v", ErrTransport, err)
			}
			c.metrics.BytesSent.Add(int64(transport.FrameHeaderSize + len(payload)))
			c.metrics.RecordActivity()
			return nil
		}

		packet := buildDatagram(BVLCOriginalUnicastNPDU, npdu, apdu)
		if err := c.udp.Send(udpAddr, packet); err != nil {
			c.metrics.TransportErrors.Inc()
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		c.metrics.BytesSent.Add(int64(len(packet)))
		c.metrics.RecordActivity()
		return nil
	}

	packet := buildDatagram(BVLCOriginalBroadcastNPDU, npdu, apdu)
	if err := c.udp.Broadcast(packet); err != nil {
		c.metrics.TransportErrors.Inc()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	c.metrics.BytesSent.Add(int64(len(packet)))
	c.metrics.RecordActivity()
	return nil
}

// broadcastUnconfirmed is the resolver's transmit path
func (c *Client) broadcastUnconfirmed(service UnconfirmedServiceChoice, data []byte) error {
	return c.sendAPDU(LocalBroadcast(), EncodeUnconfirmedRequest(service, data), false)
}

func buildDatagram(fn BVLCFunction, npdu, apdu []byte) []byte {
	bvlc := EncodeBVLC(fn, len(npdu)+len(apdu))
	packet := make([]byte, 0, len(bvlc)+len(npdu)+len(apdu))
	packet = append(packet, bvlc...)
	packet = append(packet, npdu...)
	packet = append(packet, apdu...)
	return packet
}

// registerForeignDevice registers with the configured BBMD so its network
// forwards broadcasts to us
func (c *Client) registerForeignDevice() error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", c.opts.bbmdAddress, c.opts.bbmdPort))
	if err != nil {
		return fmt.Errorf("resolve BBMD address: %w", err)
	}

	// TTL in seconds
	ttl := uint16(c.opts.foreignDeviceTTL.Seconds())

	data := make([]byte, 6)
	data[0] = byte(BVLCTypeBACnetIP)
	data[1] = byte(BVLCRegisterForeignDevice)
	binary.BigEndian.PutUint16(data[2:], 6)
	binary.BigEndian.PutUint16(data[4:], ttl)

	if err := c.udp.Send(addr, data); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	c.logger.Info("registered as foreign device",
		slog.String("bbmd", addr.String()),
		slog.Duration("ttl", c.opts.foreignDeviceTTL),
	)

	return nil
}
