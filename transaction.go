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
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TxState is the lifecycle state of a confirmed-request transaction
type TxState uint8

const (
	// TxPending: request sent, awaiting the first response
	TxPending TxState = iota
	// TxAwaitingSegments: a segmented complex ack is partially received
	TxAwaitingSegments
	// TxResolved: terminal, acknowledged
	TxResolved
	// TxFailed: terminal, explicit error/reject/abort from the peer
	TxFailed
	// TxTimedOut: terminal, retries exhausted
	TxTimedOut
	// TxCanceled: terminal, withdrawn by the caller
	TxCanceled
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxAwaitingSegments:
		return "awaiting-segments"
	case TxResolved:
		return "resolved"
	case TxFailed:
		return "failed"
	case TxTimedOut:
		return "timed-out"
	case TxCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s TxState) terminal() bool {
	return s >= TxResolved
}

// requestOutcome is delivered exactly once per submitted request
type requestOutcome struct {
	payload []byte
	err     error
}

// Request is the caller's handle for an in-flight confirmed request.
// It resolves exactly once; Wait may be called from any goroutine, any
// number of times.
type Request struct {
	client   *Client
	invokeID uint8
	dest     DeviceAddress

	// outcome is written by the run loop before done is closed
	outcome requestOutcome
	done    chan struct{}
}

// InvokeID returns the invoke id assigned to the request
func (r *Request) InvokeID() uint8 { return r.invokeID }

// Destination returns the request's destination address
func (r *Request) Destination() DeviceAddress { return r.dest }

// Done returns a channel that is closed when the transaction reaches a
// terminal state. The outcome stays retrievable through Wait.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the transaction resolves or ctx expires. On context
// expiry the request is canceled so its invoke id is released.
func (r *Request) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.outcome.payload, r.outcome.err
	case <-ctx.Done():
		r.client.Cancel(r)
		return nil, ctx.Err()
	}
}

// txKey identifies a pending transaction. Invoke ids are only unique per
// destination, so the destination participates in the key.
type txKey struct {
	invokeID uint8
	dest     string
}

// pendingTx is the transaction manager's record of one confirmed request
type pendingTx struct {
	req      *Request
	key      txKey
	dest     DeviceAddress
	service  uint8
	expects  ReplyCardinality
	state    TxState
	attempts int // retries consumed, not counting the initial send
	retries  int
	timeout  time.Duration
	deadline time.Time
	started  time.Time

	// apdu is the encoded request for unsegmented resend
	apdu []byte
	// sender paces a segmented request; nil for unsegmented ones
	sender *segmentSender
}

// txManager tracks every in-flight confirmed request, allocates invoke ids,
// drives retries and matches inbound responses. All methods run on the
// client's event loop goroutine; the manager has no locking of its own.
type txManager struct {
	pending map[txKey]*pendingTx
	nextID  map[string]uint8
	reasm   *reassembler

	send    func(dest DeviceAddress, apdu []byte, expectsReply bool) error
	metrics *Metrics
	logger  *slog.Logger

	// onOutcome, when set, observes every terminal transition, including
	// cancellation. The client uses it for gauge upkeep and to feed the
	// address resolver's reachability tracking.
	onOutcome func(dest DeviceAddress, err error)
}

func newTxManager(reasm *reassembler, send func(DeviceAddress, []byte, bool) error, metrics *Metrics, logger *slog.Logger) *txManager {
	return &txManager{
		pending: make(map[txKey]*pendingTx),
		nextID:  make(map[string]uint8),
		reasm:   reasm,
		send:    send,
		metrics: metrics,
		logger:  logger,
	}
}

// allocInvokeID hands out the next free invoke id for the destination,
// wrapping modulo 256 and skipping ids still in flight. With all 256 ids
// busy it fails with ErrInvokeIDExhausted: backpressure, not fatal.
func (m *txManager) allocInvokeID(dest DeviceAddress) (uint8, error) {
	destKey := dest.key()
	id := m.nextID[destKey]
	for i := 0; i < 256; i++ {
		candidate := id + uint8(i)
		if _, busy := m.pending[txKey{invokeID: candidate, dest: destKey}]; !busy {
			m.nextID[destKey] = candidate + 1
			return candidate, nil
		}
	}
	m.metrics.InvokeIDExhausted.Inc()
	return 0, ErrInvokeIDExhausted
}

// submit registers and transmits a new confirmed request. payload holds the
// fully encoded service parameters; segSize > 0 and len(payload) > segSize
// selects the segmented path. expects declares the reply kind the caller's
// service contract allows; a mismatched ack fails the transaction.
func (m *txManager) submit(req *Request, service uint8, expects ReplyCardinality, payload []byte, segSize int, window uint8, maxAPDUSize uint16, timeout time.Duration, retries int, now time.Time) {
	tx := &pendingTx{
		req:      req,
		key:      txKey{invokeID: req.invokeID, dest: req.dest.key()},
		dest:     req.dest,
		service:  service,
		expects:  expects,
		state:    TxPending,
		retries:  retries,
		timeout:  timeout,
		deadline: now.Add(timeout),
		started:  now,
	}

	if segSize > 0 && len(payload) > segSize {
		tx.sender = newSegmentSender(req.invokeID, service, payload, segSize, window, maxAPDUSize)
		m.pending[tx.key] = tx
		for _, seg := range tx.sender.start() {
			m.metrics.SegmentsSent.Inc()
			m.transmit(tx, seg)
		}
		return
	}

	tx.apdu = EncodeConfirmedRequest(req.invokeID, service, payload, 0, encodeMaxAPDU(maxAPDUSize))
	m.pending[tx.key] = tx
	m.transmit(tx, tx.apdu)
}

func (m *txManager) transmit(tx *pendingTx, apdu []byte) {
	m.metrics.RequestsSent.Inc()
	if err := m.send(tx.dest, apdu, true); err != nil {
		// socket-level failures ride the normal retry path
		m.metrics.TransportErrors.Inc()
		m.logger.Debug("send failed",
			slog.String("dest", tx.dest.String()),
			slog.Int("invoke_id", int(tx.key.invokeID)),
			slog.String("error", err.Error()),
		)
	}
}

// lookup finds the pending transaction for an inbound reply
func (m *txManager) lookup(src DeviceAddress, invokeID uint8) *pendingTx {
	return m.pending[txKey{invokeID: invokeID, dest: src.key()}]
}

// handleReply correlates an inbound ack/error/reject/abort/segment-ack with
// its transaction. Unmatched replies are strays: logged and discarded.
func (m *txManager) handleReply(src DeviceAddress, apdu *APDU, now time.Time) {
	tx := m.lookup(src, apdu.InvokeID)
	if tx == nil {
		m.metrics.StrayReplies.Inc()
		m.logger.Debug("stray reply discarded",
			slog.String("source", src.String()),
			slog.String("pdu_type", apdu.Type.String()),
			slog.Int("invoke_id", int(apdu.InvokeID)),
		)
		return
	}

	switch apdu.Type {
	case PDUTypeSimpleAck:
		if tx.expects == ReplyComplex {
			m.resolve(tx, nil, fmt.Errorf("%w: simple ack to a request expecting a complex ack", ErrUnexpectedReply))
			return
		}
		m.resolve(tx, nil, nil)

	case PDUTypeComplexAck:
		if tx.expects == ReplySimple {
			m.resolve(tx, nil, fmt.Errorf("%w: complex ack to a request expecting a simple ack", ErrUnexpectedReply))
			return
		}
		if !apdu.Segmented {
			m.resolve(tx, apdu.Data, nil)
			return
		}
		m.metrics.SegmentsReceived.Inc()
		tx.state = TxAwaitingSegments
		tx.deadline = now.Add(tx.timeout)
		res := m.reasm.accept(src, apdu, now)
		if res.Abort {
			// reassembly context is gone; acking would mislead the peer
			m.ackTo(src, EncodeAbort(false, apdu.InvokeID, AbortReasonInvalidApduInThisState))
			m.resolve(tx, nil, fmt.Errorf("%w: response segment %d without an open transfer", ErrInvalidAPDU, apdu.SequenceNumber))
			return
		}
		if res.Ack != nil {
			if res.NAK {
				m.metrics.SegmentNAKsSent.Inc()
			}
			m.ackTo(src, res.Ack)
		}
		if res.Complete != nil {
			m.resolve(tx, res.Complete, nil)
		}

	case PDUTypeSegmentAck:
		m.handleSegmentAck(tx, apdu)

	case PDUTypeError:
		m.metrics.ErrorsReceived.Inc()
		class, code, err := decodeErrorPayload(apdu.Data)
		if err != nil {
			m.resolve(tx, nil, err)
			return
		}
		m.resolve(tx, nil, &RemoteError{InvokeID: apdu.InvokeID, Class: class, Code: code})

	case PDUTypeReject:
		m.metrics.RejectsReceived.Inc()
		m.resolve(tx, nil, &RejectError{InvokeID: apdu.InvokeID, Reason: RejectReason(apdu.Service)})

	case PDUTypeAbort:
		m.metrics.AbortsReceived.Inc()
		m.resolve(tx, nil, &AbortError{InvokeID: apdu.InvokeID, Server: apdu.Server, Reason: AbortReason(apdu.Service)})
	}
}

func (m *txManager) handleSegmentAck(tx *pendingTx, apdu *APDU) {
	if tx.sender == nil {
		m.metrics.StrayReplies.Inc()
		return
	}
	if apdu.NAK {
		m.metrics.SegmentNAKsReceived.Inc()
	}
	batch, done, err := tx.sender.onAck(apdu)
	if err != nil {
		m.resolve(tx, nil, err)
		return
	}
	for _, seg := range batch {
		m.metrics.SegmentsSent.Inc()
		m.transmit(tx, seg)
	}
	_ = done // all segments acknowledged; the response PDU resolves the tx
}

// ackTo transmits a segment-layer control PDU toward the peer
func (m *txManager) ackTo(dest DeviceAddress, ack []byte) {
	if err := m.send(dest, ack, false); err != nil {
		m.metrics.TransportErrors.Inc()
	}
}

// expire walks deadlines: transactions still within their retry budget are
// retransmitted unchanged, exhausted ones fail with ErrRequestTimeout.
func (m *txManager) expire(now time.Time) {
	for _, tx := range m.pending {
		if tx.deadline.After(now) {
			continue
		}
		if tx.attempts < tx.retries {
			tx.attempts++
			tx.deadline = now.Add(tx.timeout)
			m.metrics.Retransmits.Inc()
			m.logger.Debug("retrying request",
				slog.String("dest", tx.dest.String()),
				slog.Int("invoke_id", int(tx.key.invokeID)),
				slog.Int("attempt", tx.attempts),
			)
			if tx.sender != nil {
				for _, seg := range tx.sender.restart() {
					m.metrics.SegmentsSent.Inc()
					m.transmit(tx, seg)
				}
			} else {
				m.transmit(tx, tx.apdu)
			}
			continue
		}
		m.metrics.RequestsTimedOut.Inc()
		m.resolveState(tx, TxTimedOut, nil, ErrRequestTimeout)
	}
}

// expireReassembly fails transactions whose partial segmented response went
// idle past the reassembly window
func (m *txManager) expireReassembly(now time.Time) {
	for _, buf := range m.reasm.expire(now) {
		m.metrics.ReassemblyTimeouts.Inc()
		if tx := m.pending[txKey{invokeID: buf.key.invokeID, dest: buf.key.src}]; tx != nil {
			m.resolveState(tx, TxFailed, nil, ErrReassemblyTimeout)
		}
	}
}

// cancel withdraws a pending request. Idempotent: canceling a resolved or
// unknown transaction is a no-op.
func (m *txManager) cancel(req *Request) {
	key := txKey{invokeID: req.invokeID, dest: req.dest.key()}
	tx := m.pending[key]
	if tx == nil || tx.req != req {
		return
	}
	m.reasm.drop(tx.dest, tx.key.invokeID)
	m.resolveState(tx, TxCanceled, nil, ErrRequestCanceled)
}

// resolve moves a transaction to Resolved or Failed and delivers the outcome
func (m *txManager) resolve(tx *pendingTx, payload []byte, err error) {
	state := TxResolved
	if err != nil {
		state = TxFailed
	}
	m.resolveState(tx, state, payload, err)
}

// resolveState performs the terminal transition exactly once: the record
// leaves the pending table and the caller's channel receives the single
// outcome.
func (m *txManager) resolveState(tx *pendingTx, state TxState, payload []byte, err error) {
	if tx.state.terminal() {
		return
	}
	tx.state = state
	delete(m.pending, tx.key)

	if err != nil {
		m.metrics.RequestsFailed.Inc()
	} else {
		m.metrics.RequestsSucceeded.Inc()
		if !tx.started.IsZero() {
			m.metrics.RequestLatency.Record(time.Since(tx.started))
		}
	}

	if m.onOutcome != nil {
		m.onOutcome(tx.dest, err)
	}

	tx.req.outcome = requestOutcome{payload: payload, err: err}
	close(tx.req.done)
}

// failAll terminates every pending transaction, for client shutdown
func (m *txManager) failAll(err error) {
	for _, tx := range m.pending {
		m.resolveState(tx, TxFailed, nil, err)
	}
}

// nextDeadline returns the earliest retry deadline across pending
// transactions
func (m *txManager) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	for _, tx := range m.pending {
		if earliest.IsZero() || tx.deadline.Before(earliest) {
			earliest = tx.deadline
		}
	}
	return earliest, !earliest.IsZero()
}

// inFlight returns the number of pending transactions
func (m *txManager) inFlight() int {
	return len(m.pending)
}
