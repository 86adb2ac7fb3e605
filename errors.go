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
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrMalformedPDU is the base error for every decode failure. Layer
	// specific sentinels below wrap it so callers can match either.
	ErrMalformedPDU = errors.New("bacnet: malformed PDU")

	ErrInvalidBVLC = fmt.Errorf("%w: invalid BVLC header", ErrMalformedPDU)
	ErrInvalidNPDU = fmt.Errorf("%w: invalid NPDU", ErrMalformedPDU)
	ErrInvalidAPDU = fmt.Errorf("%w: invalid APDU", ErrMalformedPDU)

	ErrRequestTimeout    = errors.New("bacnet: request timeout")
	ErrRequestCanceled   = errors.New("bacnet: request canceled")
	ErrUnexpectedReply   = errors.New("bacnet: reply kind does not match the declared expectation")
	ErrInvokeIDExhausted = errors.New("bacnet: invoke IDs exhausted for destination")
	ErrReassemblyTimeout = errors.New("bacnet: segment reassembly timed out")
	ErrDeviceUnreachable = errors.New("bacnet: device unreachable")
	ErrTransport         = errors.New("bacnet: transport error")
	ErrClientClosed      = errors.New("bacnet: client closed")
	ErrNotConnected      = errors.New("bacnet: not connected")
	ErrAlreadyConnected  = errors.New("bacnet: already connected")
	ErrPayloadTooLarge   = errors.New("bacnet: payload exceeds segmentation limit")
)

// ErrorClass represents BACnet error classes reported in Error PDUs
type ErrorClass uint8

const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

func (e ErrorClass) String() string {
	names := map[ErrorClass]string{
		ErrorClassDevice:        "device",
		ErrorClassObject:        "object",
		ErrorClassProperty:      "property",
		ErrorClassResources:     "resources",
		ErrorClassSecurity:      "security",
		ErrorClassServices:      "services",
		ErrorClassVT:            "vt",
		ErrorClassCommunication: "communication",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-class(%d)", e)
}

// RemoteError is an explicit Error PDU from the peer, carrying the peer's
// reported error class and code. The code space is service specific and
// left uninterpreted here.
type RemoteError struct {
	InvokeID uint8
	Class    ErrorClass
	Code     uint8
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bacnet error: invoke-id=%d, class=%s, code=%d", e.InvokeID, e.Class, e.Code)
}

func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// RejectReason represents BACnet reject reasons
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

func (r RejectReason) String() string {
	names := map[RejectReason]string{
		RejectReasonOther:                    "other",
		RejectReasonBufferOverflow:           "buffer-overflow",
		RejectReasonInconsistentParameters:   "inconsistent-parameters",
		RejectReasonInvalidParameterDataType: "invalid-parameter-data-type",
		RejectReasonInvalidTag:               "invalid-tag",
		RejectReasonMissingRequiredParameter: "missing-required-parameter",
		RejectReasonParameterOutOfRange:      "parameter-out-of-range",
		RejectReasonTooManyArguments:         "too-many-arguments",
		RejectReasonUndefinedEnumeration:     "undefined-enumeration",
		RejectReasonUnrecognizedService:      "unrecognized-service",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("reject-reason(%d)", r)
}

// RejectError represents a BACnet reject response
type RejectError struct {
	InvokeID uint8
	Reason   RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bacnet reject: invoke-id=%d, reason=%s", e.InvokeID, e.Reason)
}

// AbortReason represents BACnet abort reasons
type AbortReason uint8

const (
	AbortReasonOther                         AbortReason = 0
	AbortReasonBufferOverflow                AbortReason = 1
	AbortReasonInvalidApduInThisState        AbortReason = 2
	AbortReasonPreemptedByHigherPriorityTask AbortReason = 3
	AbortReasonSegmentationNotSupported      AbortReason = 4
	AbortReasonSecurityError                 AbortReason = 5
	AbortReasonInsufficientSecurity          AbortReason = 6
	AbortReasonWindowSizeOutOfRange          AbortReason = 7
	AbortReasonApplicationExceededReplyTime  AbortReason = 8
	AbortReasonOutOfResources                AbortReason = 9
	AbortReasonTsmTimeout                    AbortReason = 10
	AbortReasonApduTooLong                   AbortReason = 11
)

func (a AbortReason) String() string {
	names := map[AbortReason]string{
		AbortReasonOther:                         "other",
		AbortReasonBufferOverflow:                "buffer-overflow",
		AbortReasonInvalidApduInThisState:        "invalid-apdu-in-this-state",
		AbortReasonPreemptedByHigherPriorityTask: "preempted-by-higher-priority-task",
		AbortReasonSegmentationNotSupported:      "segmentation-not-supported",
		AbortReasonSecurityError:                 "security-error",
		AbortReasonInsufficientSecurity:          "insufficient-security",
		AbortReasonWindowSizeOutOfRange:          "window-size-out-of-range",
		AbortReasonApplicationExceededReplyTime:  "application-exceeded-reply-time",
		AbortReasonOutOfResources:                "out-of-resources",
		AbortReasonTsmTimeout:                    "tsm-timeout",
		AbortReasonApduTooLong:                   "apdu-too-long",
	}
	if name, ok := names[a]; ok {
		return name
	}
	return fmt.Sprintf("abort-reason(%d)", a)
}

// AbortError represents a BACnet abort response
type AbortError struct {
	InvokeID uint8
	Server   bool
	Reason   AbortReason
}

func (e *AbortError) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("bacnet abort: invoke-id=%d, origin=%s, reason=%s", e.InvokeID, origin, e.Reason)
}

// IsTimeout returns true if the error is a request or reassembly timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrReassemblyTimeout)
}

// IsMalformed returns true if the error is any PDU decode failure
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedPDU)
}

// IsRemoteFailure returns true if the peer explicitly failed the request
// with an Error, Reject or Abort PDU
func IsRemoteFailure(err error) bool {
	var re *RemoteError
	var rj *RejectError
	var ab *AbortError
	return errors.As(err, &re) || errors.As(err, &rj) || errors.As(err, &ab)
}

// IsRetryable returns true for conditions the caller may retry later:
// local backpressure and exhausted retries
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInvokeIDExhausted) || errors.Is(err, ErrRequestTimeout)
}
