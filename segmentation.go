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
	"bytes"
	"fmt"
	"time"
)

// segment header overhead of a segmented confirmed request or complex ack
// (type/flags, max-segs/max-apdu, invoke id, sequence, window, service)
const segmentOverhead = 6

// seqBefore reports whether a precedes b in mod-256 sequence space
func seqBefore(a, b uint8) bool {
	return a != b && (b-a) < 128
}

// segmentPayload splits service parameters into ordered chunks of at most
// segSize bytes. A payload that fits in one chunk still yields one entry.
func segmentPayload(data []byte, segSize int) [][]byte {
	if segSize <= 0 {
		segSize = 1
	}
	var chunks [][]byte
	for len(data) > segSize {
		chunks = append(chunks, data[:segSize])
		data = data[segSize:]
	}
	chunks = append(chunks, data)
	return chunks
}

// encodeMaxAPDU maps an APDU byte size onto its 4-bit wire encoding
func encodeMaxAPDU(size uint16) uint8 {
	switch {
	case size >= 1476:
		return 5
	case size >= 1024:
		return 4
	case size >= 480:
		return 3
	case size >= 206:
		return 2
	case size >= 128:
		return 1
	default:
		return 0
	}
}

// decodeMaxAPDU maps the 4-bit wire encoding back to a byte size
func decodeMaxAPDU(enc uint8) uint16 {
	sizes := [...]uint16{50, 128, 206, 480, 1024, 1476}
	if int(enc) < len(sizes) {
		return sizes[enc]
	}
	return 50
}

// encodeMaxSegments maps a segment count onto its 3-bit wire encoding
func encodeMaxSegments(n int) uint8 {
	switch {
	case n <= 0:
		return 0 // unspecified
	case n <= 2:
		return 1
	case n <= 4:
		return 2
	case n <= 8:
		return 3
	case n <= 16:
		return 4
	case n <= 32:
		return 5
	case n <= 64:
		return 6
	default:
		return 7
	}
}

// segmentSender paces the transmission of a segmented confirmed request.
// The first segment travels alone proposing a window; the peer's SegmentAck
// grants the actual window and each later ack slides it forward.
type segmentSender struct {
	invokeID uint8
	service  uint8
	segments [][]byte

	proposedWindow uint8
	window         uint8 // granted by the peer, 0 until the first ack
	base           int   // index of the first unacknowledged segment
	next           int   // index of the next segment to transmit

	maxSegments uint8
	maxAPDU     uint8
}

func newSegmentSender(invokeID, service uint8, payload []byte, segSize int, proposedWindow uint8, maxAPDUSize uint16) *segmentSender {
	return &segmentSender{
		invokeID:       invokeID,
		service:        service,
		segments:       segmentPayload(payload, segSize),
		proposedWindow: proposedWindow,
		maxSegments:    encodeMaxSegments((len(payload) + segSize - 1) / segSize),
		maxAPDU:        encodeMaxAPDU(maxAPDUSize),
	}
}

// encodeSegment builds the APDU for segment i
func (s *segmentSender) encodeSegment(i int) []byte {
	more := i < len(s.segments)-1
	window := s.window
	if window == 0 {
		window = s.proposedWindow
	}
	return EncodeConfirmedSegment(s.invokeID, s.service, uint8(i), window, more, s.segments[i], s.maxSegments, s.maxAPDU)
}

// start returns the initial transmission: the first segment only
func (s *segmentSender) start() [][]byte {
	s.next = 1
	return [][]byte{s.encodeSegment(0)}
}

// restart rewinds to the first unacknowledged segment, for retry
func (s *segmentSender) restart() [][]byte {
	s.next = s.base + 1
	return [][]byte{s.encodeSegment(s.base)}
}

// onAck consumes a SegmentAck from the peer and returns the next batch of
// segments to transmit. done is true once every segment is acknowledged.
func (s *segmentSender) onAck(apdu *APDU) (send [][]byte, done bool, err error) {
	if apdu.WindowSize == 0 {
		return nil, false, fmt.Errorf("%w: zero window in segment ack", ErrInvalidAPDU)
	}
	s.window = apdu.WindowSize

	acked := int(apdu.SequenceNumber) + 1
	if apdu.NAK {
		// retransmit from the segment after the last one received in order
		s.next = acked
	} else if acked > s.base {
		s.base = acked
	}

	if s.base >= len(s.segments) {
		return nil, true, nil
	}

	if s.next < s.base {
		s.next = s.base
	}
	for s.next < len(s.segments) && s.next < s.base+int(s.window) {
		send = append(send, s.encodeSegment(s.next))
		s.next++
	}
	return send, false, nil
}

// reassemblyKey identifies one in-progress inbound transfer
type reassemblyKey struct {
	src      string
	invokeID uint8
}

// reassemblyBuffer accumulates ordered segments of one transfer
type reassemblyBuffer struct {
	key      reassemblyKey
	source   DeviceAddress
	service  uint8
	next     uint8 // expected sequence number
	sinceAck uint8
	payload  bytes.Buffer
	deadline time.Time
}

// segmentResult is the outcome of feeding one segment to the reassembler
type segmentResult struct {
	// Complete holds the reassembled service parameters once the final
	// segment lands; nil while the transfer is still open
	Complete []byte
	// Service is the service choice carried by the transfer, valid with
	// Complete
	Service uint8
	// Ack is a SegmentAck APDU to send back, nil when no ack is due
	Ack []byte
	// NAK reports that Ack is a negative acknowledgment
	NAK bool
	// Abort reports that the transfer has no usable context. The ack
	// vocabulary cannot say "nothing received", so the caller aborts the
	// transaction instead of acking.
	Abort bool
}

// reassembler owns every inbound reassembly buffer, keyed by source address
// and invoke id. Buffers that stall longer than the idle window are dropped
// by the expiry sweep so a sender that never finishes cannot pin memory.
type reassembler struct {
	window uint8
	idle   time.Duration
	bufs   map[reassemblyKey]*reassemblyBuffer
}

func newReassembler(window uint8, idle time.Duration) *reassembler {
	if window == 0 {
		window = 1
	}
	return &reassembler{
		window: window,
		idle:   idle,
		bufs:   make(map[reassemblyKey]*reassemblyBuffer),
	}
}

// accept feeds one segmented APDU into its buffer. Out-of-window segments
// produce a NAK requesting retransmission from the expected sequence;
// duplicates are re-acknowledged and otherwise ignored.
func (r *reassembler) accept(src DeviceAddress, apdu *APDU, now time.Time) segmentResult {
	key := reassemblyKey{src: src.key(), invokeID: apdu.InvokeID}

	buf := r.bufs[key]
	if buf == nil {
		if apdu.SequenceNumber != 0 {
			// mid-transfer segment with no open buffer. A NAK would carry a
			// last-received sequence number that was never received, so the
			// transfer can only be abandoned.
			return segmentResult{Abort: true}
		}
		buf = &reassemblyBuffer{key: key, source: src, service: apdu.Service}
		r.bufs[key] = buf
	}
	buf.deadline = now.Add(r.idle)

	switch {
	case apdu.SequenceNumber == buf.next:
		buf.payload.Write(apdu.Data)
		buf.next++
		buf.sinceAck++

		if !apdu.MoreFollows {
			complete := make([]byte, buf.payload.Len())
			copy(complete, buf.payload.Bytes())
			service := buf.service
			delete(r.bufs, key)
			return segmentResult{
				Complete: complete,
				Service:  service,
				Ack:      EncodeSegmentAck(false, false, apdu.InvokeID, apdu.SequenceNumber, r.window),
			}
		}

		if buf.sinceAck >= r.window {
			buf.sinceAck = 0
			return segmentResult{
				Ack: EncodeSegmentAck(false, false, apdu.InvokeID, apdu.SequenceNumber, r.window),
			}
		}
		return segmentResult{}

	case seqBefore(apdu.SequenceNumber, buf.next):
		// duplicate of an already accepted segment; re-ack so the sender
		// can make progress
		return segmentResult{
			Ack: EncodeSegmentAck(false, false, apdu.InvokeID, buf.next-1, r.window),
		}

	default:
		// beyond the accept window: negative acknowledgment instead of
		// buffering out of order
		buf.sinceAck = 0
		return segmentResult{
			Ack: EncodeSegmentAck(true, false, apdu.InvokeID, buf.next-1, r.window),
			NAK: true,
		}
	}
}

// open reports whether a transfer is in progress for the key
func (r *reassembler) open(src DeviceAddress, invokeID uint8) bool {
	_, ok := r.bufs[reassemblyKey{src: src.key(), invokeID: invokeID}]
	return ok
}

// drop releases the buffer for the key, if any
func (r *reassembler) drop(src DeviceAddress, invokeID uint8) {
	delete(r.bufs, reassemblyKey{src: src.key(), invokeID: invokeID})
}

// expire releases every buffer whose idle deadline passed and returns them
func (r *reassembler) expire(now time.Time) []*reassemblyBuffer {
	var expired []*reassemblyBuffer
	for key, buf := range r.bufs {
		if !buf.deadline.After(now) {
			expired = append(expired, buf)
			delete(r.bufs, key)
		}
	}
	return expired
}

// nextDeadline returns the earliest idle deadline over all open buffers
func (r *reassembler) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	for _, buf := range r.bufs {
		if earliest.IsZero() || buf.deadline.Before(earliest) {
			earliest = buf.deadline
		}
	}
	return earliest, !earliest.IsZero()
}
