// Copyright 2024 The bmnet Authors.
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

package header

import (
	"encoding/binary"

	"bmnet.dev/bmnet/pkg/tcpip"
)

const (
	dstMAC  = 0
	srcMAC  = 6
	ethType = 12
)

// EthernetFields contains the fields of an ethernet frame header. It is
// used to describe the fields of a frame that needs to be encoded.
type EthernetFields struct {
	// SrcAddr is the "MAC source" field of an ethernet frame header.
	SrcAddr tcpip.LinkAddress

	// DstAddr is the "MAC destination" field of an ethernet frame header.
	DstAddr tcpip.LinkAddress

	// Type is the "ethertype" field of an ethernet frame header.
	Type uint16
}

// Ethernet represents an ethernet frame header stored in a byte slice.
type Ethernet []byte

const (
	// EthernetMinimumSize is the minimum size of a valid ethernet frame
	// header.
	EthernetMinimumSize = 14

	// EthernetMaximumPayloadSize is the maximum payload an ethernet frame
	// carries without jumbo support.
	EthernetMaximumPayloadSize = 1500
)

// SourceAddress returns the "MAC source" field of the ethernet frame header.
func (b Ethernet) SourceAddress() tcpip.LinkAddress {
	var a tcpip.LinkAddress
	copy(a[:], b[srcMAC:][:tcpip.LinkAddressSize])
	return a
}

// DestinationAddress returns the "MAC destination" field of the ethernet
// frame header.
func (b Ethernet) DestinationAddress() tcpip.LinkAddress {
	var a tcpip.LinkAddress
	copy(a[:], b[dstMAC:][:tcpip.LinkAddressSize])
	return a
}

// Type returns the "ethertype" field of the ethernet frame header.
func (b Ethernet) Type() uint16 {
	return binary.BigEndian.Uint16(b[ethType:])
}

// Encode encodes all the fields of the ethernet frame header.
func (b Ethernet) Encode(e *EthernetFields) {
	binary.BigEndian.PutUint16(b[ethType:], e.Type)
	copy(b[srcMAC:][:tcpip.LinkAddressSize], e.SrcAddr[:])
	copy(b[dstMAC:][:tcpip.LinkAddressSize], e.DstAddr[:])
}

// EthernetAddressFromMulticastIPv4Address returns a multicast ethernet
// address per RFC 1112 section 6.4: 01:00:5e prefix followed by the low 23
// bits of the group address.
func EthernetAddressFromMulticastIPv4Address(addr tcpip.Address) tcpip.LinkAddress {
	addrBytes := addr.As4()
	return tcpip.LinkAddress{
		0x01, 0x00, 0x5e,
		addrBytes[1] & 0x7f,
		addrBytes[2],
		addrBytes[3],
	}
}

// EthernetBroadcastAddress is the broadcast link address.
var EthernetBroadcastAddress = tcpip.LinkAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
