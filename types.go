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

// Package bacnet implements the transport and transaction core of a
// BACnet protocol stack: BACnet/IP framing over UDP, a length-prefixed
// stream framing over TCP, APDU segmentation and reassembly, broadcast
// device discovery, and a confirmed-request transaction manager with
// retry and timeout handling.
package bacnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// DefaultPort is the standard BACnet/IP UDP port
const DefaultPort = 47808

// MaxAPDULength is the maximum APDU length for BACnet/IP
const MaxAPDULength = 1476

// BVLC Types (BACnet Virtual Link Control)
type BVLCType uint8

const (
	BVLCTypeBACnetIP BVLCType = 0x81
)

// BVLC Functions
type BVLCFunction uint8

const (
	BVLCResult                            BVLCFunction = 0x00
	BVLCWriteBroadcastDistributionTable   BVLCFunction = 0x01
	BVLCReadBroadcastDistributionTable    BVLCFunction = 0x02
	BVLCReadBroadcastDistributionTableAck BVLCFunction = 0x03
	BVLCForwardedNPDU                     BVLCFunction = 0x04
	BVLCRegisterForeignDevice             BVLCFunction = 0x05
	BVLCReadForeignDeviceTable            BVLCFunction = 0x06
	BVLCReadForeignDeviceTableAck         BVLCFunction = 0x07
	BVLCDeleteForeignDeviceTableEntry     BVLCFunction = 0x08
	BVLCDistributeBroadcastToNetwork      BVLCFunction = 0x09
	BVLCOriginalUnicastNPDU               BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU             BVLCFunction = 0x0B
	BVLCSecureBVLL                        BVLCFunction = 0x0C
)

// NPDU Network Layer Protocol Control Information
type NPDUControl uint8

const (
	NPDUControlNetworkLayerMessage NPDUControl = 0x80
	NPDUControlDestSpecifier       NPDUControl = 0x20
	NPDUControlSourceSpecifier     NPDUControl = 0x08
	NPDUControlExpectingReply      NPDUControl = 0x04
	NPDUControlPriorityNormal      NPDUControl = 0x00
	NPDUControlPriorityUrgent      NPDUControl = 0x01
	NPDUControlPriorityCritical    NPDUControl = 0x02
	NPDUControlPriorityLifeSafety  NPDUControl = 0x03
)

// PDU Types (Application Layer)
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

func (t PDUType) String() string {
	switch t {
	case PDUTypeConfirmedRequest:
		return "confirmed-request"
	case PDUTypeUnconfirmedRequest:
		return "unconfirmed-request"
	case PDUTypeSimpleAck:
		return "simple-ack"
	case PDUTypeComplexAck:
		return "complex-ack"
	case PDUTypeSegmentAck:
		return "segment-ack"
	case PDUTypeError:
		return "error"
	case PDUTypeReject:
		return "reject"
	case PDUTypeAbort:
		return "abort"
	default:
		return fmt.Sprintf("pdu-type(%02x)", uint8(t))
	}
}

// Unconfirmed service choices handled by the core itself. Everything else
// is opaque payload owned by the application layer.
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm   UnconfirmedServiceChoice = 0
	ServiceWhoIs UnconfirmedServiceChoice = 8
)

// Segmentation describes a device's segmentation support as reported in I-Am
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	switch s {
	case SegmentationBoth:
		return "segmented-both"
	case SegmentationTransmit:
		return "segmented-transmit"
	case SegmentationReceive:
		return "segmented-receive"
	case SegmentationNone:
		return "no-segmentation"
	default:
		return fmt.Sprintf("segmentation(%d)", s)
	}
}

// ObjectIdentifier is a BACnet object identifier (type + instance).
// The core only interprets device objects, for I-Am parsing.
type ObjectIdentifier struct {
	Type     uint16
	Instance uint32
}

// ObjectTypeDevice is the object type carried by I-Am announcements
const ObjectTypeDevice uint16 = 8

// Encode packs the object identifier into its 32-bit wire form
func (o ObjectIdentifier) Encode() uint32 {
	return uint32(o.Type)<<22 | (o.Instance & 0x3FFFFF)
}

// DecodeObjectIdentifier unpacks a 32-bit object identifier
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     uint16(value >> 22),
		Instance: value & 0x3FFFFF,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%d:%d", o.Type, o.Instance)
}

// AddressKind discriminates the DeviceAddress union
type AddressKind uint8

const (
	// AddrLocalBroadcast targets all devices on the local network
	AddrLocalBroadcast AddressKind = iota
	// AddrGlobalBroadcast targets all devices on all networks
	AddrGlobalBroadcast
	// AddrUnicast targets a single station, optionally behind a router
	AddrUnicast
)

// GlobalBroadcastNetwork is the DNET value for a global broadcast
const GlobalBroadcastNetwork uint16 = 0xFFFF

// DeviceAddress identifies the source or destination of a PDU. It is an
// immutable value: LocalBroadcast, GlobalBroadcast, or Unicast with an
// optional remote network number and a MAC. For BACnet/IP stations the MAC
// is the 6-octet IP:port form.
type DeviceAddress struct {
	Kind AddressKind
	Net  uint16 // remote network number, 0 for the local network
	MAC  []byte
}

// LocalBroadcast returns the local broadcast address
func LocalBroadcast() DeviceAddress {
	return DeviceAddress{Kind: AddrLocalBroadcast}
}

// GlobalBroadcast returns the global broadcast address
func GlobalBroadcast() DeviceAddress {
	return DeviceAddress{Kind: AddrGlobalBroadcast}
}

// AddressFromUDP builds a unicast DeviceAddress from a UDP endpoint
func AddressFromUDP(addr *net.UDPAddr) DeviceAddress {
	mac := make([]byte, 6)
	copy(mac, addr.IP.To4())
	binary.BigEndian.PutUint16(mac[4:], uint16(addr.Port))
	return DeviceAddress{Kind: AddrUnicast, MAC: mac}
}

// RemoteStation builds a unicast DeviceAddress for a station behind a router
func RemoteStation(network uint16, mac []byte) DeviceAddress {
	m := make([]byte, len(mac))
	copy(m, mac)
	return DeviceAddress{Kind: AddrUnicast, Net: network, MAC: m}
}

// IsBroadcast reports whether the address is any broadcast form
func (a DeviceAddress) IsBroadcast() bool {
	return a.Kind != AddrUnicast
}

// UDPAddr converts a local-network BACnet/IP MAC back to a UDP endpoint.
// It fails for broadcasts, remote stations and non-IP MAC lengths.
func (a DeviceAddress) UDPAddr() (*net.UDPAddr, error) {
	if a.Kind != AddrUnicast || a.Net != 0 {
		return nil, fmt.Errorf("not a local unicast address: %s", a)
	}
	switch len(a.MAC) {
	case 6:
		return &net.UDPAddr{
			IP:   net.IP(a.MAC[:4]),
			Port: int(binary.BigEndian.Uint16(a.MAC[4:])),
		}, nil
	case 4:
		return &net.UDPAddr{IP: net.IP(a.MAC), Port: DefaultPort}, nil
	default:
		return nil, fmt.Errorf("invalid station MAC length %d", len(a.MAC))
	}
}

// Equal compares two addresses structurally
func (a DeviceAddress) Equal(b DeviceAddress) bool {
	return a.Kind == b.Kind && a.Net == b.Net && bytes.Equal(a.MAC, b.MAC)
}

func (a DeviceAddress) String() string {
	switch a.Kind {
	case AddrLocalBroadcast:
		return "broadcast"
	case AddrGlobalBroadcast:
		return "global-broadcast"
	default:
		if len(a.MAC) == 6 && a.Net == 0 {
			return fmt.Sprintf("%d.%d.%d.%d:%d",
				a.MAC[0], a.MAC[1], a.MAC[2], a.MAC[3],
				binary.BigEndian.Uint16(a.MAC[4:]))
		}
		return fmt.Sprintf("%d:%x", a.Net, a.MAC)
	}
}

// key returns a canonical map-key form of the address
func (a DeviceAddress) key() string {
	return fmt.Sprintf("%d/%d/%x", a.Kind, a.Net, a.MAC)
}

// DeviceInfo describes a device learned from an I-Am announcement
type DeviceInfo struct {
	ObjectID      ObjectIdentifier
	Address       DeviceAddress
	MaxAPDULength uint16
	Segmentation  Segmentation
	VendorID      uint16
}
