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
	"fmt"
)

// BVLCHeader is the BACnet Virtual Link Control header preceding every
// NPDU on a BACnet/IP wire
type BVLCHeader struct {
	Type     BVLCType
	Function BVLCFunction
	Length   uint16
}

// EncodeBVLC encodes a BVLC header for an NPDU of the given length
func EncodeBVLC(function BVLCFunction, npduLength int) []byte {
	buf := make([]byte, 4)
	buf[0] = byte(BVLCTypeBACnetIP)
	buf[1] = byte(function)
	binary.BigEndian.PutUint16(buf[2:], uint16(4+npduLength))
	return buf
}

// DecodeBVLC decodes and validates a BVLC header. The declared length must
// not exceed the supplied buffer.
func DecodeBVLC(data []byte) (*BVLCHeader, error) {
	if len(data) < 4 {
		return nil, ErrInvalidBVLC
	}
	hdr := &BVLCHeader{
		Type:     BVLCType(data[0]),
		Function: BVLCFunction(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
	}
	if hdr.Type != BVLCTypeBACnetIP {
		return nil, fmt.Errorf("%w: unknown type %02x", ErrInvalidBVLC, data[0])
	}
	if int(hdr.Length) < 4 || int(hdr.Length) > len(data) {
		return nil, fmt.Errorf("%w: declared length %d exceeds buffer %d", ErrInvalidBVLC, hdr.Length, len(data))
	}
	return hdr, nil
}

// NPDU (Network Protocol Data Unit)
type NPDU struct {
	Version     uint8
	Control     NPDUControl
	Destination *DeviceAddress // nil when no destination specifier present
	Source      *DeviceAddress // nil when no source specifier present
	HopCount    uint8
	Data        []byte
}

// ExpectsReply reports the expecting-reply control bit
func (n *NPDU) ExpectsReply() bool {
	return n.Control&NPDUControlExpectingReply != 0
}

// IsNetworkMessage reports the network-layer-message control bit
func (n *NPDU) IsNetworkMessage() bool {
	return n.Control&NPDUControlNetworkLayerMessage != 0
}

const npduVersion = 0x01

// defaultHopCount is the initial hop count on locally originated PDUs
const defaultHopCount = 255

// EncodeNPDU encodes an NPDU header for the given destination. Global
// broadcasts and remote stations get a destination specifier with a fresh
// hop count; local traffic gets the two-octet short form.
func EncodeNPDU(dest DeviceAddress, expectingReply bool, priority NPDUControl) []byte {
	control := priority
	if expectingReply {
		control |= NPDUControlExpectingReply
	}

	switch {
	case dest.Kind == AddrGlobalBroadcast:
		return encodeNPDUDest(GlobalBroadcastNetwork, nil, control)
	case dest.Kind == AddrUnicast && dest.Net != 0:
		return encodeNPDUDest(dest.Net, dest.MAC, control)
	default:
		return []byte{npduVersion, byte(control)}
	}
}

func encodeNPDUDest(destNet uint16, destMAC []byte, control NPDUControl) []byte {
	control |= NPDUControlDestSpecifier
	buf := make([]byte, 0, 6+len(destMAC))
	buf = append(buf, npduVersion, byte(control))
	buf = append(buf, byte(destNet>>8), byte(destNet))
	buf = append(buf, byte(len(destMAC)))
	buf = append(buf, destMAC...)
	buf = append(buf, defaultHopCount)
	return buf
}

// DecodeNPDU decodes an NPDU, returning the header and the offset of the
// payload. A destination specifier with an already exhausted hop count is
// rejected rather than forwarded.
func DecodeNPDU(data []byte) (*NPDU, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrInvalidNPDU
	}

	npdu := &NPDU{
		Version: data[0],
		Control: NPDUControl(data[1]),
	}

	if npdu.Version != npduVersion {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidNPDU, npdu.Version)
	}

	offset := 2

	if npdu.Control&NPDUControlDestSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		destNet := binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if len(data) < offset+addrLen+1 {
			return nil, 0, ErrInvalidNPDU
		}
		mac := make([]byte, addrLen)
		copy(mac, data[offset:offset+addrLen])
		offset += addrLen

		npdu.HopCount = data[offset]
		offset++

		var dest DeviceAddress
		if destNet == GlobalBroadcastNetwork {
			dest = GlobalBroadcast()
		} else if addrLen == 0 {
			// remote broadcast on DNET
			dest = DeviceAddress{Kind: AddrLocalBroadcast, Net: destNet}
		} else {
			dest = DeviceAddress{Kind: AddrUnicast, Net: destNet, MAC: mac}
		}
		npdu.Destination = &dest

		if npdu.HopCount == 0 && destNet != GlobalBroadcastNetwork {
			return nil, 0, fmt.Errorf("%w: hop count exhausted for network %d", ErrInvalidNPDU, destNet)
		}
	}

	if npdu.Control&NPDUControlSourceSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		srcNet := binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if len(data) < offset+addrLen {
			return nil, 0, ErrInvalidNPDU
		}
		mac := make([]byte, addrLen)
		copy(mac, data[offset:offset+addrLen])
		offset += addrLen

		src := DeviceAddress{Kind: AddrUnicast, Net: srcNet, MAC: mac}
		npdu.Source = &src
	}

	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		// network layer messages carry a message type octet; routing is out
		// of scope so the payload stays opaque
		if len(data) < offset+1 {
			return nil, 0, ErrInvalidNPDU
		}
	}

	npdu.Data = data[offset:]
	return npdu, offset, nil
}

// APDU is the decoded application-layer PDU envelope. Data holds the
// service parameters, opaque at this layer.
type APDU struct {
	Type        PDUType
	Segmented   bool
	MoreFollows bool
	// SegmentedResponseAccepted on confirmed requests
	SegmentedAccepted bool
	MaxSegments       uint8
	MaxAPDU           uint8
	InvokeID          uint8
	SequenceNumber    uint8
	WindowSize        uint8
	Service           uint8
	// SegmentAck fields
	NAK    bool
	Server bool
	Data   []byte
}

const (
	apduFlagSegmented         = 0x08
	apduFlagMoreFollows       = 0x04
	apduFlagSegmentedAccepted = 0x02
	apduFlagNAK               = 0x02
	apduFlagServer            = 0x01
)

// EncodeConfirmedRequest encodes an unsegmented confirmed request APDU
func EncodeConfirmedRequest(invokeID uint8, service uint8, data []byte, maxSegments, maxAPDU uint8) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, byte(PDUTypeConfirmedRequest)|apduFlagSegmentedAccepted)
	buf = append(buf, (maxSegments&0x07)<<4|maxAPDU&0x0F)
	buf = append(buf, invokeID)
	buf = append(buf, service)
	buf = append(buf, data...)
	return buf
}

// EncodeConfirmedSegment encodes one segment of a segmented confirmed
// request. Every segment repeats the service choice; data carries this
// segment's slice of the service parameters.
func EncodeConfirmedSegment(invokeID, service, seq, window uint8, moreFollows bool, data []byte, maxSegments, maxAPDU uint8) []byte {
	flags := byte(PDUTypeConfirmedRequest) | apduFlagSegmented | apduFlagSegmentedAccepted
	if moreFollows {
		flags |= apduFlagMoreFollows
	}
	buf := make([]byte, 0, 6+len(data))
	buf = append(buf, flags)
	buf = append(buf, (maxSegments&0x07)<<4|maxAPDU&0x0F)
	buf = append(buf, invokeID, seq, window, service)
	buf = append(buf, data...)
	return buf
}

// EncodeUnconfirmedRequest encodes an unconfirmed service request APDU
func EncodeUnconfirmedRequest(service UnconfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 2+len(data))
	buf = append(buf, byte(PDUTypeUnconfirmedRequest), byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeSimpleAck encodes a simple acknowledgment APDU
func EncodeSimpleAck(invokeID, service uint8) []byte {
	return []byte{byte(PDUTypeSimpleAck), invokeID, service}
}

// EncodeComplexAck encodes an unsegmented complex acknowledgment APDU
func EncodeComplexAck(invokeID, service uint8, data []byte) []byte {
	buf := make([]byte, 0, 3+len(data))
	buf = append(buf, byte(PDUTypeComplexAck), invokeID, service)
	buf = append(buf, data...)
	return buf
}

// EncodeComplexAckSegment encodes one segment of a segmented complex ack
func EncodeComplexAckSegment(invokeID, service, seq, window uint8, moreFollows bool, data []byte) []byte {
	flags := byte(PDUTypeComplexAck) | apduFlagSegmented
	if moreFollows {
		flags |= apduFlagMoreFollows
	}
	buf := make([]byte, 0, 5+len(data))
	buf = append(buf, flags, invokeID, seq, window, service)
	buf = append(buf, data...)
	return buf
}

// EncodeSegmentAck encodes a segment acknowledgment. nak requests
// retransmission starting after seq; window grants the actual window size.
func EncodeSegmentAck(nak, server bool, invokeID, seq, window uint8) []byte {
	flags := byte(PDUTypeSegmentAck)
	if nak {
		flags |= apduFlagNAK
	}
	if server {
		flags |= apduFlagServer
	}
	return []byte{flags, invokeID, seq, window}
}

// EncodeError encodes an Error APDU with the class and code as
// application-tagged enumerated values
func EncodeError(invokeID, service uint8, class ErrorClass, code uint8) []byte {
	buf := make([]byte, 0, 8)
	buf = append(buf, byte(PDUTypeError), invokeID, service)
	buf = append(buf, EncodeEnumeratedTag(uint32(class))...)
	buf = append(buf, EncodeEnumeratedTag(uint32(code))...)
	return buf
}

// EncodeReject encodes a Reject APDU
func EncodeReject(invokeID uint8, reason RejectReason) []byte {
	return []byte{byte(PDUTypeReject), invokeID, byte(reason)}
}

// EncodeAbort encodes an Abort APDU
func EncodeAbort(server bool, invokeID uint8, reason AbortReason) []byte {
	flags := byte(PDUTypeAbort)
	if server {
		flags |= apduFlagServer
	}
	return []byte{flags, invokeID, byte(reason)}
}

// DecodeAPDU decodes an APDU. Decode never reads past the supplied buffer;
// every truncated or inconsistent header fails with ErrMalformedPDU.
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) < 1 {
		return nil, ErrInvalidAPDU
	}

	switch PDUType(data[0] & 0xF0) {
	case PDUTypeConfirmedRequest:
		return decodeConfirmedRequest(data)
	case PDUTypeUnconfirmedRequest:
		return decodeUnconfirmedRequest(data)
	case PDUTypeSimpleAck:
		return decodeSimpleAck(data)
	case PDUTypeComplexAck:
		return decodeComplexAck(data)
	case PDUTypeSegmentAck:
		return decodeSegmentAck(data)
	case PDUTypeError:
		return decodeErrorAPDU(data)
	case PDUTypeReject:
		return decodeRejectAPDU(data)
	case PDUTypeAbort:
		return decodeAbortAPDU(data)
	default:
		return nil, fmt.Errorf("%w: unknown PDU type %02x", ErrInvalidAPDU, data[0]&0xF0)
	}
}

func decodeConfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:              PDUTypeConfirmedRequest,
		Segmented:         data[0]&apduFlagSegmented != 0,
		MoreFollows:       data[0]&apduFlagMoreFollows != 0,
		SegmentedAccepted: data[0]&apduFlagSegmentedAccepted != 0,
		MaxSegments:       (data[1] >> 4) & 0x07,
		MaxAPDU:           data[1] & 0x0F,
		InvokeID:          data[2],
	}

	if apdu.Segmented {
		if len(data) < 6 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNumber = data[3]
		apdu.WindowSize = data[4]
		apdu.Service = data[5]
		apdu.Data = data[6:]
	} else {
		apdu.Service = data[3]
		apdu.Data = data[4:]
	}

	return apdu, nil
}

func decodeUnconfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 2 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:    PDUTypeUnconfirmedRequest,
		Service: data[1],
		Data:    data[2:],
	}, nil
}

func decodeSimpleAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:     PDUTypeSimpleAck,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}

func decodeComplexAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:        PDUTypeComplexAck,
		Segmented:   data[0]&apduFlagSegmented != 0,
		MoreFollows: data[0]&apduFlagMoreFollows != 0,
		InvokeID:    data[1],
	}

	if apdu.Segmented {
		if len(data) < 5 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNumber = data[2]
		apdu.WindowSize = data[3]
		apdu.Service = data[4]
		apdu.Data = data[5:]
	} else {
		apdu.Service = data[2]
		apdu.Data = data[3:]
	}

	return apdu, nil
}

func decodeSegmentAck(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:           PDUTypeSegmentAck,
		NAK:            data[0]&apduFlagNAK != 0,
		Server:         data[0]&apduFlagServer != 0,
		InvokeID:       data[1],
		SequenceNumber: data[2],
		WindowSize:     data[3],
	}, nil
}

func decodeErrorAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:     PDUTypeError,
		InvokeID: data[1],
		Service:  data[2],
		Data:     data[3:],
	}, nil
}

func decodeRejectAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:     PDUTypeReject,
		InvokeID: data[1],
		Service:  data[2], // reject reason travels in the service octet
	}, nil
}

func decodeAbortAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:     PDUTypeAbort,
		Server:   data[0]&apduFlagServer != 0,
		InvokeID: data[1],
		Service:  data[2], // abort reason travels in the service octet
	}, nil
}

// decodeErrorPayload extracts the error class and code from an Error APDU
// payload (two application-tagged enumerated values)
func decodeErrorPayload(data []byte) (ErrorClass, uint8, error) {
	_, _, length, headerLen, err := DecodeTagNumber(data)
	if err != nil || length < 0 || headerLen+length > len(data) {
		return 0, 0, ErrInvalidAPDU
	}
	class := ErrorClass(DecodeUnsigned(data[headerLen : headerLen+length]))

	offset := headerLen + length
	if offset >= len(data) {
		return 0, 0, ErrInvalidAPDU
	}
	_, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || length < 0 || offset+headerLen+length > len(data) {
		return 0, 0, ErrInvalidAPDU
	}
	code := uint8(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))

	return class, code, nil
}

// Tag encoding/decoding helpers. The core only needs enough of the BACnet
// tagged encoding to build Who-Is requests and parse I-Am announcements.

// TagClass distinguishes application from context-specific tags
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

// Application tag numbers used by the core
type ApplicationTag uint8

const (
	TagUnsignedInt ApplicationTag = 2
	TagEnumerated  ApplicationTag = 9
	TagObjectID    ApplicationTag = 12
)

// EncodeTag encodes a BACnet tag header
func EncodeTag(tagNum uint8, class TagClass, length int) []byte {
	if length < 5 && tagNum < 15 {
		return []byte{(tagNum << 4) | (uint8(class) << 3) | uint8(length)}
	}

	buf := make([]byte, 0, 6)

	if tagNum >= 15 {
		buf = append(buf, 0xF0|(uint8(class)<<3)|0x05)
		buf = append(buf, tagNum)
	} else {
		buf = append(buf, (tagNum<<4)|(uint8(class)<<3)|0x05)
	}

	if length < 254 {
		buf = append(buf, byte(length))
	} else if length < 65536 {
		buf = append(buf, 254, byte(length>>8), byte(length))
	} else {
		buf = append(buf, 255, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}

	return buf
}

// EncodeContextTag encodes data with a context-specific tag
func EncodeContextTag(tagNum uint8, data []byte) []byte {
	tag := EncodeTag(tagNum, TagClassContext, len(data))
	return append(tag, data...)
}

// EncodeUnsigned encodes an unsigned integer in its shortest form
func EncodeUnsigned(value uint32) []byte {
	switch {
	case value < 0x100:
		return []byte{byte(value)}
	case value < 0x10000:
		return []byte{byte(value >> 8), byte(value)}
	case value < 0x1000000:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	default:
		return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
	}
}

// EncodeContextUnsigned encodes an unsigned integer with a context tag
func EncodeContextUnsigned(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeUnsignedTag encodes an unsigned integer with its application tag
func EncodeUnsignedTag(value uint32) []byte {
	data := EncodeUnsigned(value)
	tag := EncodeTag(uint8(TagUnsignedInt), TagClassApplication, len(data))
	return append(tag, data...)
}

// EncodeEnumeratedTag encodes an enumerated value with its application tag
func EncodeEnumeratedTag(value uint32) []byte {
	data := EncodeUnsigned(value)
	tag := EncodeTag(uint8(TagEnumerated), TagClassApplication, len(data))
	return append(tag, data...)
}

// EncodeObjectIdentifierTag encodes an object identifier with its
// application tag
func EncodeObjectIdentifierTag(oid ObjectIdentifier) []byte {
	value := oid.Encode()
	tag := EncodeTag(uint8(TagObjectID), TagClassApplication, 4)
	return append(tag, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
}

// DecodeTagNumber decodes a tag header. length is -1 for an opening tag and
// -2 for a closing tag.
func DecodeTagNumber(data []byte) (tagNum uint8, class TagClass, length int, headerLen int, err error) {
	if len(data) < 1 {
		return 0, 0, 0, 0, ErrInvalidAPDU
	}

	tagNum = (data[0] >> 4) & 0x0F
	class = TagClass((data[0] >> 3) & 0x01)
	length = int(data[0] & 0x07)
	headerLen = 1

	if tagNum == 0x0F {
		if len(data) < 2 {
			return 0, 0, 0, 0, ErrInvalidAPDU
		}
		tagNum = data[1]
		headerLen = 2
	}

	if class == TagClassContext && (data[0]&0x07) == 0x06 {
		length = -1
		return
	}
	if class == TagClassContext && (data[0]&0x07) == 0x07 {
		length = -2
		return
	}

	if length == 5 {
		if len(data) < headerLen+1 {
			return 0, 0, 0, 0, ErrInvalidAPDU
		}
		switch {
		case data[headerLen] < 254:
			length = int(data[headerLen])
			headerLen++
		case data[headerLen] == 254:
			if len(data) < headerLen+3 {
				return 0, 0, 0, 0, ErrInvalidAPDU
			}
			length = int(binary.BigEndian.Uint16(data[headerLen+1:]))
			headerLen += 3
		default:
			if len(data) < headerLen+5 {
				return 0, 0, 0, 0, ErrInvalidAPDU
			}
			length = int(binary.BigEndian.Uint32(data[headerLen+1:]))
			headerLen += 5
		}
	}

	return tagNum, class, length, headerLen, nil
}

// DecodeUnsigned decodes a shortest-form unsigned integer
func DecodeUnsigned(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(data))
	case 3:
		return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	case 4:
		return binary.BigEndian.Uint32(data)
	default:
		return 0
	}
}
