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

// Package header provides the implementation of the encoding and decoding of
// network protocol headers as byte-slice views.
package header

import (
	"encoding/binary"

	"bmnet.dev/bmnet/pkg/tcpip"
	"bmnet.dev/bmnet/pkg/tcpip/checksum"
)

const (
	versIHL  = 0
	tos      = 1
	totalLen = 2
	ipID     = 4
	flagsFO  = 6
	ttl      = 8
	protocol = 9
	xsum     = 10
	srcAddr  = 12
	dstAddr  = 16
)

// IPv4Fields contains the fields of an IPv4 packet. It is used to describe
// the fields of a packet that needs to be encoded.
type IPv4Fields struct {
	// TOS is the "type of service" field of an IPv4 packet.
	TOS uint8

	// TotalLength is the "total length" field of an IPv4 packet.
	TotalLength uint16

	// ID is the "identification" field of an IPv4 packet.
	ID uint16

	// Flags is the "flags" field of an IPv4 packet.
	Flags uint8

	// FragmentOffset is the "fragment offset" field of an IPv4 packet.
	FragmentOffset uint16

	// TTL is the "time to live" field of an IPv4 packet.
	TTL uint8

	// Protocol is the "protocol" field of an IPv4 packet.
	Protocol uint8

	// SrcAddr is the "source ip address" of an IPv4 packet.
	SrcAddr tcpip.Address

	// DstAddr is the "destination ip address" of an IPv4 packet.
	DstAddr tcpip.Address
}

// IPv4 is an IPv4 header as a byte slice. It starts at the first byte of the
// header and extends at least IPv4MinimumSize bytes.
type IPv4 []byte

const (
	// IPv4MinimumSize is the minimum size of a valid IPv4 header, which is
	// also the only size this stack ever emits (no options).
	IPv4MinimumSize = 20

	// IPv4MaximumHeaderSize is the maximum size an IPv4 header can be once
	// options are included.
	IPv4MaximumHeaderSize = 60

	// IPv4Version is the version of the IPv4 protocol.
	IPv4Version = 4

	// IPv4ProtocolNumber is the ethertype of IPv4 frames.
	IPv4ProtocolNumber = 0x0800

	// IPv4DefaultTTL is the time-to-live used for unicast and broadcast
	// sends.
	IPv4DefaultTTL = 64

	// IPv4MulticastTTL is the time-to-live used for multicast sends; group
	// traffic never leaves the local network.
	IPv4MulticastTTL = 1
)

// Transport protocol numbers carried in the IPv4 protocol field.
const (
	ICMPv4ProtocolNumber = 1
	IGMPProtocolNumber   = 2
	UDPProtocolNumber    = 17
)

// Flags that may be set in an IPv4 packet.
const (
	IPv4FlagMoreFragments = 1 << iota
	IPv4FlagDontFragment
)

// HeaderLength returns the value of the "header length" field of the IPv4
// header, in bytes.
func (b IPv4) HeaderLength() uint8 {
	return (b[versIHL] & 0xf) * 4
}

// TOS returns the "type of service" field of the IPv4 header.
func (b IPv4) TOS() uint8 {
	return b[tos]
}

// ID returns the value of the identifier field of the IPv4 header.
func (b IPv4) ID() uint16 {
	return binary.BigEndian.Uint16(b[ipID:])
}

// Protocol returns the value of the protocol field of the IPv4 header.
func (b IPv4) Protocol() uint8 {
	return b[protocol]
}

// Flags returns the "flags" field of the IPv4 header.
func (b IPv4) Flags() uint8 {
	return uint8(binary.BigEndian.Uint16(b[flagsFO:]) >> 13)
}

// More returns whether the more fragments flag is set.
func (b IPv4) More() bool {
	return b.Flags()&IPv4FlagMoreFragments != 0
}

// TTL returns the "TTL" field of the IPv4 header.
func (b IPv4) TTL() uint8 {
	return b[ttl]
}

// FragmentOffset returns the "fragment offset" field of the IPv4 header, in
// bytes.
func (b IPv4) FragmentOffset() uint16 {
	return binary.BigEndian.Uint16(b[flagsFO:]) << 3
}

// TotalLength returns the "total length" field of the IPv4 header.
func (b IPv4) TotalLength() uint16 {
	return binary.BigEndian.Uint16(b[totalLen:])
}

// Checksum returns the checksum field of the IPv4 header.
func (b IPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[xsum:])
}

// SourceAddress returns the "source address" field of the IPv4 header.
func (b IPv4) SourceAddress() tcpip.Address {
	return tcpip.AddrFromSlice(b[srcAddr : srcAddr+tcpip.AddressSize])
}

// DestinationAddress returns the "destination address" field of the IPv4
// header.
func (b IPv4) DestinationAddress() tcpip.Address {
	return tcpip.AddrFromSlice(b[dstAddr : dstAddr+tcpip.AddressSize])
}

// SetTotalLength sets the "total length" field of the IPv4 header.
func (b IPv4) SetTotalLength(totalLength uint16) {
	binary.BigEndian.PutUint16(b[totalLen:], totalLength)
}

// SetChecksum sets the checksum field of the IPv4 header.
func (b IPv4) SetChecksum(v uint16) {
	checksum.Put(b[xsum:], v)
}

// SetSourceAddress sets the "source address" field of the IPv4 header.
func (b IPv4) SetSourceAddress(addr tcpip.Address) {
	copy(b[srcAddr:srcAddr+tcpip.AddressSize], addr.AsSlice())
}

// SetDestinationAddress sets the "destination address" field of the IPv4
// header.
func (b IPv4) SetDestinationAddress(addr tcpip.Address) {
	copy(b[dstAddr:dstAddr+tcpip.AddressSize], addr.AsSlice())
}

// CalculateChecksum calculates the header checksum, with the checksum field
// taken to be zero.
func (b IPv4) CalculateChecksum() uint16 {
	var c checksum.Checksumer
	c.Add(b[:xsum])
	c.Add(b[xsum+checksum.Size : b.HeaderLength()])
	return c.Checksum()
}

// Encode encodes all the fields of the IPv4 header. The header is always
// encoded without options (IHL = 5) and with the checksum field zeroed;
// callers compute and set the checksum afterwards.
func (b IPv4) Encode(i *IPv4Fields) {
	b[versIHL] = IPv4Version<<4 | IPv4MinimumSize/4
	b[tos] = i.TOS
	b.SetTotalLength(i.TotalLength)
	binary.BigEndian.PutUint16(b[ipID:], i.ID)
	binary.BigEndian.PutUint16(b[flagsFO:], uint16(i.Flags)<<13|i.FragmentOffset>>3)
	b[ttl] = i.TTL
	b[protocol] = i.Protocol
	b.SetChecksum(0)
	b.SetSourceAddress(i.SrcAddr)
	b.SetDestinationAddress(i.DstAddr)
}

// IsValid performs basic validation on the packet: version, header length
// bounds and total length against the received buffer.
func (b IPv4) IsValid(pktSize int) bool {
	if len(b) < IPv4MinimumSize {
		return false
	}

	hlen := int(b.HeaderLength())
	tlen := int(b.TotalLength())
	if b[versIHL]>>4 != IPv4Version || hlen < IPv4MinimumSize || hlen > tlen || tlen > pktSize {
		return false
	}

	return true
}

// IsChecksumValid returns true iff the header checksum verifies over the
// whole header.
func (b IPv4) IsChecksumValid() bool {
	return checksum.Checksum(b[:b.HeaderLength()], 0) == checksum.Answer
}
