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

// Package link defines the contract between the network layer and the data
// link below it. Implementations own address resolution and ethernet
// framing; the network layer hands them whole IPv4 datagrams together with
// the already-selected next hop.
package link

import (
	"bmnet.dev/bmnet/pkg/tcpip"
)

// Endpoint is a data link that transports IPv4 datagrams.
type Endpoint interface {
	// LinkAddress returns the endpoint's ethernet address.
	LinkAddress() tcpip.LinkAddress

	// MTU returns the maximum size of an IPv4 datagram, including its
	// header, the endpoint can transmit.
	MTU() uint32

	// Send transmits datagram to nextHop. For multicast and broadcast
	// next hops no address resolution takes place; the frame is addressed
	// to the derived group address or the broadcast address.
	Send(nextHop tcpip.Address, datagram []byte) tcpip.Error

	// Receive copies the next pending inbound datagram into buf and
	// returns its length. It does not block; if no datagram is pending it
	// returns ErrWouldBlock.
	Receive(buf []byte) (int, tcpip.Error)
}
