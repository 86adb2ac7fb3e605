// Copyright 2026 Trellis Building Automation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"encoding/binary"
	"log/slog"
	"net"
	"time"

	"github.com/trellis-bas/bacnet/internal/transport"
)

// run is the client's event loop. It is the only goroutine that touches
// the transaction manager, the reassembler and the resolver, so none of
// them carry locks. Each cycle waits on the bindings, posted calls and
// the nearest pending deadline, then dispatches exactly one event.
func (c *Client) run() {
	defer close(c.loopDone)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var tcpPackets <-chan transport.Packet
	if c.tcp != nil {
		tcpPackets = c.tcp.Packets()
	}

	for {
		c.armTimer(timer)

		select {
		case <-c.stop:
			c.tm.failAll(ErrClientClosed)
			c.drainCalls()
			return

		case fn := <-c.calls:
			fn()

		case p := <-c.udp.Packets():
			c.handleDatagram(p)

		case p := <-tcpPackets:
			c.handleStream(p)

		case now := <-timer.C:
			c.onTimer(now)
		}
	}
}

// drainCalls runs calls that were posted before shutdown won the race, so
// their callers are not left waiting
func (c *Client) drainCalls() {
	for {
		select {
		case fn := <-c.calls:
			fn()
		default:
			return
		}
	}
}

// armTimer points the loop timer at the nearest pending deadline, if any
func (c *Client) armTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	next, ok := c.nextDeadline()
	if !ok {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

// nextDeadline returns the earliest deadline across retry timers,
// reassembly idle timers, discovery timers and BBMD re-registration
func (c *Client) nextDeadline() (time.Time, bool) {
	var earliest time.Time

	consider := func(t time.Time, ok bool) {
		if ok && (earliest.IsZero() || t.Before(earliest)) {
			earliest = t
		}
	}

	consider(c.tm.nextDeadline())
	consider(c.reasm.nextDeadline())
	consider(c.resolver.nextDeadline())
	consider(c.reregisterAt, !c.reregisterAt.IsZero())

	return earliest, !earliest.IsZero()
}

// onTimer fires every expiry source. Each source re-checks its own
// deadlines against now, so a stale wakeup is harmless.
func (c *Client) onTimer(now time.Time) {
	c.tm.expire(now)
	c.tm.expireReassembly(now)
	c.resolver.expire(now)

	if !c.reregisterAt.IsZero() && !now.Before(c.reregisterAt) {
		if err := c.registerForeignDevice(); err != nil {
			c.logger.Warn("foreign device re-registration failed",
				slog.String("error", err.Error()),
			)
		}
		c.reregisterAt = now.Add(c.opts.foreignDeviceTTL / 2)
	}
}

// handleDatagram processes one BACnet/IP datagram from the UDP binding
func (c *Client) handleDatagram(p transport.Packet) {
	if p.Err != nil {
		c.metrics.TransportErrors.Inc()
		c.logger.Warn("datagram binding failed", slog.String("error", p.Err.Error()))
		return
	}

	c.metrics.BytesReceived.Add(int64(len(p.Data)))
	c.metrics.RecordActivity()

	hdr, err := DecodeBVLC(p.Data)
	if err != nil {
		c.metrics.MalformedPDUs.Inc()
		c.logger.Debug("invalid BVLC", slog.String("error", err.Error()))
		return
	}
	body := p.Data[4:hdr.Length]

	udpAddr, ok := p.Source.(*net.UDPAddr)
	if !ok {
		return
	}
	src := AddressFromUDP(udpAddr)

	switch hdr.Function {
	case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU:

	case BVLCForwardedNPDU:
		// The B/IP origin precedes the NPDU
		if len(body) < 6 {
			c.metrics.MalformedPDUs.Inc()
			return
		}
		src = AddressFromUDP(&net.UDPAddr{
			IP:   net.IP(body[:4]),
			Port: int(binary.BigEndian.Uint16(body[4:6])),
		})
		body = body[6:]

	case BVLCResult:
		if len(body) >= 2 {
			if code := binary.BigEndian.Uint16(body); code != 0 {
				c.logger.Warn("BVLC negative result",
					slog.Uint64("code", uint64(code)),
					slog.String("from", src.String()),
				)
			}
		}
		return

	default:
		// BDT/FDT management is a BBMD concern
		return
	}

	c.handleNPDU(src, body)
}

// handleStream processes one framed NPDU from the TCP binding
func (c *Client) handleStream(p transport.Packet) {
	if p.Err != nil {
		c.metrics.TransportErrors.Inc()
		c.logger.Warn("stream binding failed", slog.String("error", p.Err.Error()))
		return
	}

	c.metrics.BytesReceived.Add(int64(transport.FrameHeaderSize + len(p.Data)))
	c.metrics.RecordActivity()

	tcpAddr, ok := p.Source.(*net.TCPAddr)
	if !ok {
		return
	}
	src := AddressFromUDP(&net.UDPAddr{IP: tcpAddr.IP, Port: tcpAddr.Port})

	c.handleNPDU(src, p.Data)
}

// handleNPDU decodes the network and application layers and dispatches
func (c *Client) handleNPDU(src DeviceAddress, data []byte) {
	npdu, offset, err := DecodeNPDU(data)
	if err != nil {
		c.metrics.MalformedPDUs.Inc()
		c.logger.Debug("invalid NPDU", slog.String("error", err.Error()))
		return
	}

	if npdu.IsNetworkMessage() {
		return
	}

	// A source specifier names the true origin behind a router
	if npdu.Source != nil {
		src = *npdu.Source
	}

	apdu, err := DecodeAPDU(data[offset:])
	if err != nil {
		c.metrics.MalformedPDUs.Inc()
		c.logger.Debug("invalid APDU",
			slog.String("error", err.Error()),
			slog.String("from", src.String()),
		)
		return
	}

	switch apdu.Type {
	case PDUTypeUnconfirmedRequest:
		c.handleUnconfirmed(src, npdu, apdu)

	case PDUTypeConfirmedRequest:
		// This core does not serve requests
		c.logger.Debug("unsolicited confirmed request",
			slog.String("from", src.String()),
			slog.Uint64("service", uint64(apdu.Service)),
		)

	default:
		c.metrics.ResponsesReceived.Inc()
		c.tm.handleReply(src, apdu, time.Now())
	}
}

// handleUnconfirmed consumes I-Am announcements and forwards everything
// else to the application handler
func (c *Client) handleUnconfirmed(src DeviceAddress, npdu *NPDU, apdu *APDU) {
	service := UnconfirmedServiceChoice(apdu.Service)

	if service == ServiceIAm {
		info, err := ParseIAm(apdu.Data, src, npdu)
		if err != nil {
			c.metrics.MalformedPDUs.Inc()
			c.logger.Debug("invalid I-Am", slog.String("error", err.Error()))
			return
		}
		c.resolver.handleIAm(info, time.Now())
		return
	}

	if c.opts.unconfirmedHandler != nil {
		c.opts.unconfirmedHandler(src, service, apdu.Data)
	}
}
