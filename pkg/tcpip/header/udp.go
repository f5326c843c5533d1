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
	"bmnet.dev/bmnet/pkg/tcpip/checksum"
)

const (
	udpSrcPort  = 0
	udpDstPort  = 2
	udpLength   = 4
	udpChecksum = 6
)

// UDPMinimumSize is the minimum size of a valid UDP packet.
const UDPMinimumSize = 8

// UDPFields contains the fields of a UDP packet. It is used to describe the
// fields of a packet that needs to be encoded.
type UDPFields struct {
	// SrcPort is the "source port" field of a UDP packet.
	SrcPort uint16

	// DstPort is the "destination port" field of a UDP packet.
	DstPort uint16

	// Length is the "length" field of a UDP packet.
	Length uint16

	// Checksum is the "checksum" field of a UDP packet.
	Checksum uint16
}

// UDP represents a UDP header stored in a byte slice.
type UDP []byte

// SourcePort returns the "source port" field of the UDP header.
func (b UDP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[udpSrcPort:])
}

// DestinationPort returns the "destination port" field of the UDP header.
func (b UDP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[udpDstPort:])
}

// Length returns the "length" field of the UDP header.
func (b UDP) Length() uint16 {
	return binary.BigEndian.Uint16(b[udpLength:])
}

// Payload returns the data contained in the UDP datagram.
func (b UDP) Payload() []byte {
	return b[UDPMinimumSize:]
}

// Checksum returns the "checksum" field of the UDP header.
func (b UDP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[udpChecksum:])
}

// SetSourcePort sets the "source port" field of the UDP header.
func (b UDP) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(b[udpSrcPort:], port)
}

// SetDestinationPort sets the "destination port" field of the UDP header.
func (b UDP) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(b[udpDstPort:], port)
}

// SetChecksum sets the "checksum" field of the UDP header.
func (b UDP) SetChecksum(xsum uint16) {
	checksum.Put(b[udpChecksum:], xsum)
}

// SetLength sets the "length" field of the UDP header.
func (b UDP) SetLength(length uint16) {
	binary.BigEndian.PutUint16(b[udpLength:], length)
}

// Encode encodes all the fields of the UDP header.
func (b UDP) Encode(u *UDPFields) {
	b.SetSourcePort(u.SrcPort)
	b.SetDestinationPort(u.DstPort)
	b.SetLength(u.Length)
	b.SetChecksum(u.Checksum)
}

// PseudoHeaderChecksum calculates the pseudo-header checksum for the given
// UDP datagram length and addresses.
func PseudoHeaderChecksum(protocol uint8, srcAddr, dstAddr tcpip.Address, totalLen uint16) uint16 {
	var c checksum.Checksumer
	c.Add(srcAddr.AsSlice())
	c.Add(dstAddr.AsSlice())
	c.Add([]byte{0, protocol})
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, totalLen)
	c.Add(tmp)
	return c.Checksum()
}

// CalculateChecksum calculates the UDP checksum over the header and payload
// in b, with the checksum field taken to be zero, folding in the
// pseudo-header checksum partial.
func (b UDP) CalculateChecksum(partialChecksum uint16) uint16 {
	var c checksum.Checksumer
	c.Add(b[:udpChecksum])
	c.Add(b[udpChecksum+checksum.Size:])
	return checksum.Combine(c.Checksum(), partialChecksum)
}

// IsChecksumValid returns true iff the UDP checksum verifies against the
// pseudo-header for the given addresses. An all-zero checksum means the
// sender computed none and is always accepted.
func (b UDP) IsChecksumValid(srcAddr, dstAddr tcpip.Address) bool {
	if b.Checksum() == 0 {
		return true
	}
	xsum := PseudoHeaderChecksum(UDPProtocolNumber, srcAddr, dstAddr, uint16(len(b)))
	return checksum.Checksum(b, xsum) == checksum.Answer
}
