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

// Package stats holds the stack-wide counters. The core increments them
// directly; exposing them to a metrics system is the caller's concern.
package stats

import (
	"bmnet.dev/bmnet/pkg/tcpip"
)

// IPStats are counters for the IPv4 dispatcher.
type IPStats struct {
	// PacketsReceived is the number of IPv4 datagrams received by the
	// dispatcher, valid or not.
	PacketsReceived tcpip.StatCounter

	// PacketsDelivered is the number of datagrams handed to a protocol
	// handler or queue.
	PacketsDelivered tcpip.StatCounter

	// PacketsSent is the number of datagrams passed to the link.
	PacketsSent tcpip.StatCounter

	// MalformedPacketsReceived is the number of datagrams dropped for
	// failed parse, version, length or checksum validation.
	MalformedPacketsReceived tcpip.StatCounter

	// AddressUnacceptable is the number of datagrams dropped because the
	// destination did not match this host.
	AddressUnacceptable tcpip.StatCounter

	// FragmentsDropped is the number of fragmented datagrams dropped.
	FragmentsDropped tcpip.StatCounter

	// OutgoingPacketErrors is the number of datagrams that could not be
	// sent.
	OutgoingPacketErrors tcpip.StatCounter
}

// IGMPMessageStats are counters for one direction of IGMP traffic, split by
// message type.
type IGMPMessageStats struct {
	// MembershipQuery is the number of membership query messages.
	MembershipQuery tcpip.StatCounter

	// V2MembershipReport is the number of v2 membership report messages.
	V2MembershipReport tcpip.StatCounter

	// LeaveGroup is the number of leave group messages.
	LeaveGroup tcpip.StatCounter
}

// IGMPStats are counters for the IGMP handler.
type IGMPStats struct {
	// MessagesSent counts sent messages by type.
	MessagesSent IGMPMessageStats

	// MessagesReceived counts accepted inbound messages by type.
	MessagesReceived IGMPMessageStats

	// ChecksumErrors is the number of inbound messages dropped for a bad
	// checksum.
	ChecksumErrors tcpip.StatCounter

	// MalformedReceived is the number of inbound messages dropped before
	// the checksum check, for example short buffers.
	MalformedReceived tcpip.StatCounter

	// UnrecognizedReceived is the number of inbound messages with a type
	// this host does not handle.
	UnrecognizedReceived tcpip.StatCounter
}

// UDPStats are counters for the UDP endpoints.
type UDPStats struct {
	// PacketsReceived is the number of datagrams delivered to an
	// endpoint.
	PacketsReceived tcpip.StatCounter

	// PacketsSent is the number of datagrams sent by endpoints.
	PacketsSent tcpip.StatCounter

	// ChecksumErrors is the number of datagrams dropped for a bad
	// checksum.
	ChecksumErrors tcpip.StatCounter

	// ReceiveBufferDrops is the number of datagrams dropped because the
	// matched endpoint's receive queue was full.
	ReceiveBufferDrops tcpip.StatCounter
}

// Stats are the stack-wide counters.
type Stats struct {
	// IP holds IPv4 dispatcher counters.
	IP IPStats

	// IGMP holds IGMP handler counters.
	IGMP IGMPStats

	// UDP holds UDP endpoint counters.
	UDP UDPStats
}
