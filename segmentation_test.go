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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStation(last byte) DeviceAddress {
	return AddressFromUDP(&net.UDPAddr{IP: net.IPv4(10, 0, 0, last), Port: DefaultPort})
}

func TestSeqBefore(t *testing.T) {
	assert.True(t, seqBefore(0, 1))
	assert.True(t, seqBefore(254, 255))
	assert.True(t, seqBefore(255, 0)) // wrap
	assert.False(t, seqBefore(1, 0))
	assert.False(t, seqBefore(5, 5))
	assert.False(t, seqBefore(0, 200)) // too far ahead to be "before"
}

func TestSegmentPayloadSplits(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 10)

	chunks := segmentPayload(data, 4)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 4)
	assert.Len(t, chunks[1], 4)
	assert.Len(t, chunks[2], 2)

	// reassembling the chunks restores the original
	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	assert.Equal(t, data, joined)

	assert.Len(t, segmentPayload(data, 10), 1)
	assert.Len(t, segmentPayload(data, 100), 1)
}

func TestMaxAPDUEncoding(t *testing.T) {
	for _, size := range []uint16{50, 128, 206, 480, 1024, 1476} {
		assert.Equal(t, size, decodeMaxAPDU(encodeMaxAPDU(size)))
	}
	assert.Equal(t, uint8(5), encodeMaxAPDU(2000))
	assert.Equal(t, uint16(50), decodeMaxAPDU(15))
}

func TestSegmentSenderWindowPacing(t *testing.T) {
	payload := bytes.Repeat([]byte{0x11}, 50)
	s := newSegmentSender(3, 12, payload, 10, 4, MaxAPDULength)
	require.Len(t, s.segments, 5)

	// only the first segment goes out until the peer grants a window
	first := s.start()
	require.Len(t, first, 1)
	apdu, err := DecodeAPDU(first[0])
	require.NoError(t, err)
	assert.True(t, apdu.Segmented)
	assert.True(t, apdu.MoreFollows)
	assert.Equal(t, uint8(0), apdu.SequenceNumber)
	assert.Equal(t, uint8(4), apdu.WindowSize)

	// peer acks segment 0 and grants window 2: segments 1 and 2 go out
	batch, done, err := s.onAck(&APDU{Type: PDUTypeSegmentAck, InvokeID: 3, SequenceNumber: 0, WindowSize: 2})
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, batch, 2)

	// ack for segment 2 slides the window over 3 and 4
	batch, done, err = s.onAck(&APDU{Type: PDUTypeSegmentAck, InvokeID: 3, SequenceNumber: 2, WindowSize: 2})
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, batch, 2)

	last, err := DecodeAPDU(batch[1])
	require.NoError(t, err)
	assert.Equal(t, uint8(4), last.SequenceNumber)
	assert.False(t, last.MoreFollows)

	// final ack completes the transfer
	batch, done, err = s.onAck(&APDU{Type: PDUTypeSegmentAck, InvokeID: 3, SequenceNumber: 4, WindowSize: 2})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, batch)
}

func TestSegmentSenderNAKRewinds(t *testing.T) {
	payload := bytes.Repeat([]byte{0x22}, 30)
	s := newSegmentSender(1, 12, payload, 10, 4, MaxAPDULength)

	s.start()
	_, _, err := s.onAck(&APDU{SequenceNumber: 0, WindowSize: 4})
	require.NoError(t, err)

	// NAK at sequence 0 retransmits from segment 1
	batch, done, err := s.onAck(&APDU{NAK: true, SequenceNumber: 0, WindowSize: 4})
	require.NoError(t, err)
	assert.False(t, done)
	require.NotEmpty(t, batch)

	apdu, err := DecodeAPDU(batch[0])
	require.NoError(t, err)
	assert.Equal(t, uint8(1), apdu.SequenceNumber)
}

func TestSegmentSenderRejectsZeroWindow(t *testing.T) {
	s := newSegmentSender(1, 12, bytes.Repeat([]byte{0x33}, 30), 10, 4, MaxAPDULength)
	s.start()

	_, _, err := s.onAck(&APDU{SequenceNumber: 0, WindowSize: 0})
	assert.ErrorIs(t, err, ErrInvalidAPDU)
}

func TestReassemblerInOrder(t *testing.T) {
	r := newReassembler(2, 5*time.Second)
	src := testStation(1)
	now := time.Now()

	seg := func(seq uint8, more bool, data []byte) *APDU {
		apdu, err := DecodeAPDU(EncodeComplexAckSegment(9, 12, seq, 2, more, data))
		require.NoError(t, err)
		return apdu
	}

	res := r.accept(src, seg(0, true, []byte{0x01}), now)
	assert.Nil(t, res.Complete)
	assert.Nil(t, res.Ack) // within the window, no ack due yet
	assert.True(t, r.open(src, 9))

	res = r.accept(src, seg(1, true, []byte{0x02}), now)
	assert.Nil(t, res.Complete)
	require.NotNil(t, res.Ack) // window filled
	assert.False(t, res.NAK)

	res = r.accept(src, seg(2, false, []byte{0x03}), now)
	require.NotNil(t, res.Complete)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, res.Complete)
	assert.Equal(t, uint8(12), res.Service)
	require.NotNil(t, res.Ack)
	assert.False(t, r.open(src, 9))
}

func TestReassemblerDuplicateReacked(t *testing.T) {
	r := newReassembler(1, 5*time.Second)
	src := testStation(2)
	now := time.Now()

	first, _ := DecodeAPDU(EncodeComplexAckSegment(9, 12, 0, 1, true, []byte{0x01}))
	r.accept(src, first, now)

	// the same segment again: re-ack, no double append
	res := r.accept(src, first, now)
	require.NotNil(t, res.Ack)
	assert.False(t, res.NAK)

	final, _ := DecodeAPDU(EncodeComplexAckSegment(9, 12, 1, 1, false, []byte{0x02}))
	res = r.accept(src, final, now)
	require.NotNil(t, res.Complete)
	assert.Equal(t, []byte{0x01, 0x02}, res.Complete)
}

func TestReassemblerOutOfWindowNAK(t *testing.T) {
	r := newReassembler(1, 5*time.Second)
	src := testStation(3)
	now := time.Now()

	first, _ := DecodeAPDU(EncodeComplexAckSegment(9, 12, 0, 1, true, []byte{0x01}))
	r.accept(src, first, now)

	// segment 5 arrives while 1 is expected
	skip, _ := DecodeAPDU(EncodeComplexAckSegment(9, 12, 5, 1, true, []byte{0x05}))
	res := r.accept(src, skip, now)
	assert.Nil(t, res.Complete)
	require.NotNil(t, res.Ack)
	assert.True(t, res.NAK)

	ack, err := DecodeAPDU(res.Ack)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeSegmentAck, ack.Type)
	assert.True(t, ack.NAK)
	assert.Equal(t, uint8(0), ack.SequenceNumber) // last in-order segment

	// the retransmitted segment 1 recovers the transfer
	second, _ := DecodeAPDU(EncodeComplexAckSegment(9, 12, 1, 1, false, []byte{0x02}))
	res = r.accept(src, second, now)
	require.NotNil(t, res.Complete)
	assert.Equal(t, []byte{0x01, 0x02}, res.Complete)
}

func TestReassemblerMidTransferWithoutBuffer(t *testing.T) {
	r := newReassembler(1, 5*time.Second)
	src := testStation(4)

	stray, _ := DecodeAPDU(EncodeComplexAckSegment(9, 12, 3, 1, true, []byte{0x03}))
	res := r.accept(src, stray, time.Now())

	// no ack can honestly describe "nothing received": the transfer is
	// abandoned instead
	assert.True(t, res.Abort)
	assert.Nil(t, res.Ack)
	assert.False(t, res.NAK)
	assert.False(t, r.open(src, 9))
}

func TestReassemblerSequenceWrap(t *testing.T) {
	r := newReassembler(255, 5*time.Second)
	src := testStation(5)
	now := time.Now()

	// feed 300 segments so the sequence number wraps past 255
	want := make([]byte, 0, 300)
	for i := 0; i < 300; i++ {
		more := i < 299
		b := byte(i % 251)
		want = append(want, b)
		apdu, err := DecodeAPDU(EncodeComplexAckSegment(9, 12, uint8(i%256), 255, more, []byte{b}))
		require.NoError(t, err)

		res := r.accept(src, apdu, now)
		if i < 299 {
			require.Nil(t, res.Complete, "segment %d", i)
		} else {
			require.NotNil(t, res.Complete)
			assert.Equal(t, want, res.Complete)
		}
	}
}

func TestReassemblerIdleExpiry(t *testing.T) {
	r := newReassembler(1, 100*time.Millisecond)
	src := testStation(6)
	now := time.Now()

	first, _ := DecodeAPDU(EncodeComplexAckSegment(9, 12, 0, 1, true, []byte{0x01}))
	r.accept(src, first, now)

	deadline, ok := r.nextDeadline()
	require.True(t, ok)
	assert.WithinDuration(t, now.Add(100*time.Millisecond), deadline, 10*time.Millisecond)

	assert.Empty(t, r.expire(now.Add(50*time.Millisecond)))
	expired := r.expire(now.Add(150 * time.Millisecond))
	require.Len(t, expired, 1)
	assert.Equal(t, uint8(9), expired[0].key.invokeID)
	assert.False(t, r.open(src, 9))

	_, ok = r.nextDeadline()
	assert.False(t, ok)
}
