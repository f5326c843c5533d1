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
	"time"

	"bmnet.dev/bmnet/pkg/tcpip"
	"bmnet.dev/bmnet/pkg/tcpip/checksum"
)

// IGMP represents an IGMP header as a byte slice.
type IGMP []byte

// IGMP header definition.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|      Type     | Max Resp Time |           Checksum            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         Group Address                         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
const (
	igmpTypeOffset        = 0
	igmpMaxRespTimeOffset = 1
	igmpChecksumOffset    = 2
	igmpGroupAddrOffset   = 4

	// IGMPMessageSize is the size of an IGMPv2 message, and the only valid
	// size for messages this stack sends and receives.
	IGMPMessageSize = 8
)

// IGMPType is the IGMP type field as defined in RFC 2236.
type IGMPType byte

// Values for the IGMP type described in RFC 2236 section 2.1.
const (
	IGMPMembershipQuery    IGMPType = 0x11
	IGMPv1MembershipReport IGMPType = 0x12
	IGMPv2MembershipReport IGMPType = 0x16
	IGMPLeaveGroup         IGMPType = 0x17
)

// IGMPUnsolicitedReportIntervalMax is the maximum delay between repetitions
// of a host's initial report of membership, per RFC 2236 section 8.10.
const IGMPUnsolicitedReportIntervalMax = 10 * time.Second

// Type returns the IGMP type.
func (b IGMP) Type() IGMPType {
	return IGMPType(b[igmpTypeOffset])
}

// SetType sets the IGMP type.
func (b IGMP) SetType(t IGMPType) {
	b[igmpTypeOffset] = byte(t)
}

// MaxRespTime gets the MaxRespTime field, meaningful only in membership
// query messages.
func (b IGMP) MaxRespTime() byte {
	return b[igmpMaxRespTimeOffset]
}

// SetMaxRespTime sets the MaxRespTime field. Reports and leaves send it as
// zero.
func (b IGMP) SetMaxRespTime(m byte) {
	b[igmpMaxRespTimeOffset] = m
}

// Checksum returns the checksum field.
func (b IGMP) Checksum() uint16 {
	return uint16(b[igmpChecksumOffset])<<8 | uint16(b[igmpChecksumOffset+1])
}

// SetChecksum sets the checksum field.
func (b IGMP) SetChecksum(xsum uint16) {
	checksum.Put(b[igmpChecksumOffset:], xsum)
}

// GroupAddress gets the Group Address field.
func (b IGMP) GroupAddress() tcpip.Address {
	return tcpip.AddrFromSlice(b[igmpGroupAddrOffset : igmpGroupAddrOffset+tcpip.AddressSize])
}

// SetGroupAddress sets the Group Address field.
func (b IGMP) SetGroupAddress(address tcpip.Address) {
	copy(b[igmpGroupAddrOffset:igmpGroupAddrOffset+tcpip.AddressSize], address.AsSlice())
}

// IGMPCalculateChecksum calculates the IGMP checksum over the whole message
// with its checksum field taken to be zero.
func IGMPCalculateChecksum(b IGMP) uint16 {
	existing := b.Checksum()
	b.SetChecksum(0)
	xsum := ^checksum.Checksum(b, 0)
	b.SetChecksum(existing)
	return xsum
}

// IGMPMaxRespTimeToDuration converts the MaxRespTime field, expressed in
// tenths of a second, to a Duration. A zero field means the protocol default
// of 10 seconds.
func IGMPMaxRespTimeToDuration(respTime byte) time.Duration {
	if respTime == 0 {
		respTime = 100
	}
	return time.Duration(respTime) * time.Second / 10
}
