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
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPDU struct {
	dest         DeviceAddress
	apdu         []byte
	expectsReply bool
}

// txHarness wires a transaction manager to a capturing send function.
// Submitted requests declare the expects cardinality, ReplySimple unless a
// test overrides it.
type txHarness struct {
	tm      *txManager
	metrics *Metrics
	sent    []sentPDU
	sendErr error
	expects ReplyCardinality
}

func newTxHarness(t *testing.T) *txHarness {
	t.Helper()
	h := &txHarness{metrics: NewMetrics()}
	reasm := newReassembler(1, 5*time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.tm = newTxManager(reasm, func(dest DeviceAddress, apdu []byte, expectsReply bool) error {
		h.sent = append(h.sent, sentPDU{dest: dest, apdu: apdu, expectsReply: expectsReply})
		return h.sendErr
	}, h.metrics, logger)
	return h
}

func (h *txHarness) submit(t *testing.T, dest DeviceAddress, payload []byte, retries int) *Request {
	t.Helper()
	id, err := h.tm.allocInvokeID(dest)
	require.NoError(t, err)
	req := &Request{invokeID: id, dest: dest, done: make(chan struct{})}
	h.tm.submit(req, 12, h.expects, payload, 0, 1, MaxAPDULength, time.Second, retries, time.Now())
	return req
}

func outcomeOf(t *testing.T, req *Request) requestOutcome {
	t.Helper()
	select {
	case <-req.done:
		return req.outcome
	default:
		t.Fatal("request not resolved")
		return requestOutcome{}
	}
}

func TestInvokeIDUniquePerDestination(t *testing.T) {
	h := newTxHarness(t)
	a, b := testStation(1), testStation(2)

	reqA := h.submit(t, a, []byte{0x01}, 0)

	// a different destination may reuse the same id space
	idB, err := h.tm.allocInvokeID(b)
	require.NoError(t, err)
	assert.Equal(t, reqA.invokeID, idB)

	// the id busy on destination a is skipped there
	next, err := h.tm.allocInvokeID(a)
	require.NoError(t, err)
	assert.NotEqual(t, reqA.invokeID, next)
}

func TestInvokeIDExhaustion(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)

	for i := 0; i < 256; i++ {
		h.submit(t, dest, []byte{0x01}, 0)
	}
	assert.Equal(t, 256, h.tm.inFlight())

	_, err := h.tm.allocInvokeID(dest)
	assert.ErrorIs(t, err, ErrInvokeIDExhausted)
	assert.EqualValues(t, 1, h.metrics.InvokeIDExhausted.Value())
}

func TestSimpleAckResolves(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)
	req := h.submit(t, dest, []byte{0x01}, 0)
	require.Len(t, h.sent, 1)
	assert.True(t, h.sent[0].expectsReply)

	ack, err := DecodeAPDU(EncodeSimpleAck(req.invokeID, 12))
	require.NoError(t, err)
	h.tm.handleReply(dest, ack, time.Now())

	out := outcomeOf(t, req)
	assert.NoError(t, out.err)
	assert.Nil(t, out.payload)
	assert.Equal(t, 0, h.tm.inFlight())
	assert.EqualValues(t, 1, h.metrics.RequestsSucceeded.Value())
}

func TestComplexAckCarriesPayload(t *testing.T) {
	h := newTxHarness(t)
	h.expects = ReplyComplex
	dest := testStation(1)
	req := h.submit(t, dest, []byte{0x01}, 0)

	ack, err := DecodeAPDU(EncodeComplexAck(req.invokeID, 12, []byte{0xDE, 0xAD}))
	require.NoError(t, err)
	h.tm.handleReply(dest, ack, time.Now())

	out := outcomeOf(t, req)
	require.NoError(t, out.err)
	assert.Equal(t, []byte{0xDE, 0xAD}, out.payload)
}

func TestSegmentedComplexAckReassembled(t *testing.T) {
	h := newTxHarness(t)
	h.expects = ReplyComplex
	dest := testStation(1)
	req := h.submit(t, dest, []byte{0x01}, 0)
	h.sent = nil
	now := time.Now()

	parts := [][]byte{{0x01, 0x02}, {0x03, 0x04}, {0x05}}
	for i, part := range parts {
		more := i < len(parts)-1
		seg, err := DecodeAPDU(EncodeComplexAckSegment(req.invokeID, 12, uint8(i), 1, more, part))
		require.NoError(t, err)
		h.tm.handleReply(dest, seg, now)
	}

	out := outcomeOf(t, req)
	require.NoError(t, out.err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05}, out.payload)

	// reassembly window 1: every segment was acknowledged
	require.Len(t, h.sent, 3)
	for _, s := range h.sent {
		ack, err := DecodeAPDU(s.apdu)
		require.NoError(t, err)
		assert.Equal(t, PDUTypeSegmentAck, ack.Type)
		assert.False(t, s.expectsReply)
	}
	assert.EqualValues(t, 3, h.metrics.SegmentsReceived.Value())
}

func TestSegmentedRequestPacedByAcks(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)

	id, err := h.tm.allocInvokeID(dest)
	require.NoError(t, err)
	req := &Request{invokeID: id, dest: dest, done: make(chan struct{})}
	payload := bytes.Repeat([]byte{0x55}, 25)
	h.tm.submit(req, 12, ReplySimple, payload, 10, 4, MaxAPDULength, time.Second, 0, time.Now())

	// only the first of three segments goes out initially
	require.Len(t, h.sent, 1)
	first, err := DecodeAPDU(h.sent[0].apdu)
	require.NoError(t, err)
	assert.True(t, first.Segmented)
	assert.Equal(t, uint8(0), first.SequenceNumber)

	segAck, err := DecodeAPDU(EncodeSegmentAck(false, true, id, 0, 4))
	require.NoError(t, err)
	h.tm.handleReply(dest, segAck, time.Now())
	require.Len(t, h.sent, 3) // segments 1 and 2 released

	// the peer's final response resolves the transaction
	ack, err := DecodeAPDU(EncodeSimpleAck(id, 12))
	require.NoError(t, err)
	h.tm.handleReply(dest, ack, time.Now())
	assert.NoError(t, outcomeOf(t, req).err)
}

func TestErrorPDUFailsRequest(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)
	req := h.submit(t, dest, []byte{0x01}, 0)

	errPDU, err := DecodeAPDU(EncodeError(req.invokeID, 12, ErrorClassObject, 31))
	require.NoError(t, err)
	h.tm.handleReply(dest, errPDU, time.Now())

	out := outcomeOf(t, req)
	var remote *RemoteError
	require.ErrorAs(t, out.err, &remote)
	assert.Equal(t, ErrorClassObject, remote.Class)
	assert.Equal(t, uint8(31), remote.Code)
	assert.EqualValues(t, 1, h.metrics.ErrorsReceived.Value())
}

func TestRejectAndAbortFailRequest(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)

	req := h.submit(t, dest, []byte{0x01}, 0)
	reject, err := DecodeAPDU(EncodeReject(req.invokeID, RejectReasonUnrecognizedService))
	require.NoError(t, err)
	h.tm.handleReply(dest, reject, time.Now())

	var rej *RejectError
	require.ErrorAs(t, outcomeOf(t, req).err, &rej)
	assert.Equal(t, RejectReasonUnrecognizedService, rej.Reason)

	req = h.submit(t, dest, []byte{0x01}, 0)
	abort, err := DecodeAPDU(EncodeAbort(true, req.invokeID, AbortReasonBufferOverflow))
	require.NoError(t, err)
	h.tm.handleReply(dest, abort, time.Now())

	var ab *AbortError
	require.ErrorAs(t, outcomeOf(t, req).err, &ab)
	assert.True(t, ab.Server)
	assert.Equal(t, AbortReasonBufferOverflow, ab.Reason)
}

func TestStrayReplyDiscarded(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)

	ack, err := DecodeAPDU(EncodeSimpleAck(99, 12))
	require.NoError(t, err)
	h.tm.handleReply(dest, ack, time.Now())
	assert.EqualValues(t, 1, h.metrics.StrayReplies.Value())

	// a reply from the wrong peer does not match either
	req := h.submit(t, dest, []byte{0x01}, 0)
	ack, err = DecodeAPDU(EncodeSimpleAck(req.invokeID, 12))
	require.NoError(t, err)
	h.tm.handleReply(testStation(2), ack, time.Now())
	assert.EqualValues(t, 2, h.metrics.StrayReplies.Value())
	assert.Equal(t, 1, h.tm.inFlight())
}

func TestRetryBudgetThenTimeout(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)
	req := h.submit(t, dest, []byte{0x01}, 2)
	require.Len(t, h.sent, 1)

	now := time.Now()
	h.tm.expire(now.Add(1100 * time.Millisecond))
	assert.Len(t, h.sent, 2)
	h.tm.expire(now.Add(2200 * time.Millisecond))
	assert.Len(t, h.sent, 3)

	// retries exhausted: the next expiry fails the request
	h.tm.expire(now.Add(3300 * time.Millisecond))
	assert.Len(t, h.sent, 3)
	assert.ErrorIs(t, outcomeOf(t, req).err, ErrRequestTimeout)
	assert.EqualValues(t, 2, h.metrics.Retransmits.Value())
	assert.EqualValues(t, 1, h.metrics.RequestsTimedOut.Value())
}

func TestSendFailureRidesRetryPath(t *testing.T) {
	h := newTxHarness(t)
	h.sendErr = errors.New("network unreachable")
	dest := testStation(1)

	req := h.submit(t, dest, []byte{0x01}, 0)
	// the transaction stays pending despite the failed transmit
	assert.Equal(t, 1, h.tm.inFlight())
	assert.EqualValues(t, 1, h.metrics.TransportErrors.Value())

	h.tm.expire(time.Now().Add(2 * time.Second))
	assert.ErrorIs(t, outcomeOf(t, req).err, ErrRequestTimeout)
}

func TestReassemblyTimeoutFailsTransaction(t *testing.T) {
	h := newTxHarness(t)
	h.expects = ReplyComplex
	dest := testStation(1)
	req := h.submit(t, dest, []byte{0x01}, 0)
	now := time.Now()

	seg, err := DecodeAPDU(EncodeComplexAckSegment(req.invokeID, 12, 0, 1, true, []byte{0x01}))
	require.NoError(t, err)
	h.tm.handleReply(dest, seg, now)

	h.tm.expireReassembly(now.Add(10 * time.Second))
	assert.ErrorIs(t, outcomeOf(t, req).err, ErrReassemblyTimeout)
	assert.EqualValues(t, 1, h.metrics.ReassemblyTimeouts.Value())
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)
	req := h.submit(t, dest, []byte{0x01}, 0)

	h.tm.cancel(req)
	assert.ErrorIs(t, outcomeOf(t, req).err, ErrRequestCanceled)
	assert.Equal(t, 0, h.tm.inFlight())

	// second cancel finds nothing; a repeated terminal transition would
	// close the done channel twice and panic
	h.tm.cancel(req)
	assert.ErrorIs(t, outcomeOf(t, req).err, ErrRequestCanceled)
}

func TestOutcomeHookSeesEveryTerminal(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)

	var outcomes []error
	h.tm.onOutcome = func(d DeviceAddress, err error) {
		assert.True(t, d.Equal(dest))
		outcomes = append(outcomes, err)
	}

	req := h.submit(t, dest, []byte{0x01}, 0)
	ack, err := DecodeAPDU(EncodeSimpleAck(req.invokeID, 12))
	require.NoError(t, err)
	h.tm.handleReply(dest, ack, time.Now())

	// cancellation is a terminal transition like any other
	canceled := h.submit(t, dest, []byte{0x01}, 0)
	h.tm.cancel(canceled)

	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0])
	assert.ErrorIs(t, outcomes[1], ErrRequestCanceled)
}

func TestReplyCardinalityEnforced(t *testing.T) {
	h := newTxHarness(t)
	dest := testStation(1)

	// a complex ack to a request that declared a simple reply
	req := h.submit(t, dest, []byte{0x01}, 0)
	ack, err := DecodeAPDU(EncodeComplexAck(req.invokeID, 12, []byte{0x01}))
	require.NoError(t, err)
	h.tm.handleReply(dest, ack, time.Now())

	out := outcomeOf(t, req)
	assert.ErrorIs(t, out.err, ErrUnexpectedReply)
	assert.Nil(t, out.payload)

	// and the reverse
	h.expects = ReplyComplex
	req = h.submit(t, dest, []byte{0x01}, 0)
	simple, err := DecodeAPDU(EncodeSimpleAck(req.invokeID, 12))
	require.NoError(t, err)
	h.tm.handleReply(dest, simple, time.Now())

	assert.ErrorIs(t, outcomeOf(t, req).err, ErrUnexpectedReply)
	assert.Equal(t, 0, h.tm.inFlight())
}

func TestMidTransferSegmentWithoutBufferAborts(t *testing.T) {
	h := newTxHarness(t)
	h.expects = ReplyComplex
	dest := testStation(1)
	req := h.submit(t, dest, []byte{0x01}, 0)
	h.sent = nil

	// segment 0 was lost; segment 1 arrives with no open transfer
	seg, err := DecodeAPDU(EncodeComplexAckSegment(req.invokeID, 12, 1, 1, true, []byte{0x02}))
	require.NoError(t, err)
	h.tm.handleReply(dest, seg, time.Now())

	assert.ErrorIs(t, outcomeOf(t, req).err, ErrInvalidAPDU)
	assert.Equal(t, 0, h.tm.inFlight())

	// the peer is told to abort rather than coaxed with a misleading ack
	require.Len(t, h.sent, 1)
	abort, err := DecodeAPDU(h.sent[0].apdu)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeAbort, abort.Type)
	assert.Equal(t, uint8(AbortReasonInvalidApduInThisState), abort.Service)
	assert.False(t, abort.Server)
}

func TestFailAllOnShutdown(t *testing.T) {
	h := newTxHarness(t)
	reqs := []*Request{
		h.submit(t, testStation(1), []byte{0x01}, 0),
		h.submit(t, testStation(2), []byte{0x02}, 0),
	}

	h.tm.failAll(ErrClientClosed)
	for _, req := range reqs {
		assert.ErrorIs(t, outcomeOf(t, req).err, ErrClientClosed)
	}
	assert.Equal(t, 0, h.tm.inFlight())

	_, ok := h.tm.nextDeadline()
	assert.False(t, ok)
}

func TestNextDeadlineTracksEarliest(t *testing.T) {
	h := newTxHarness(t)
	_, ok := h.tm.nextDeadline()
	assert.False(t, ok)

	h.submit(t, testStation(1), []byte{0x01}, 0)
	deadline, ok := h.tm.nextDeadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)
}
