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

// Package channel provides a queue-backed link endpoint. Outbound datagrams
// are stored in a channel for inspection and inbound datagrams are injected
// by the test or sample driving it.
package channel

import (
	"bmnet.dev/bmnet/pkg/tcpip"
	"bmnet.dev/bmnet/pkg/tcpip/link"
)

// PacketInfo holds an outbound datagram together with the next hop the
// network layer selected for it.
type PacketInfo struct {
	// NextHop is the address the datagram was handed to the link with.
	NextHop tcpip.Address

	// Datagram is the full IPv4 datagram, header included.
	Datagram []byte
}

// Endpoint is a link endpoint that queues outbound datagrams in a channel.
type Endpoint struct {
	linkAddr tcpip.LinkAddress
	mtu      uint32

	// C is the outbound datagram channel. Tests receive from it directly.
	C chan PacketInfo

	in chan []byte
}

var _ link.Endpoint = (*Endpoint)(nil)

// New creates a new channel-backed endpoint with the given queue sizes.
func New(size int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	return &Endpoint{
		linkAddr: linkAddr,
		mtu:      mtu,
		C:        make(chan PacketInfo, size),
		in:       make(chan []byte, size),
	}
}

// LinkAddress implements link.Endpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	return e.linkAddr
}

// MTU implements link.Endpoint.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// Send implements link.Endpoint. It never blocks; if the queue is full the
// datagram is dropped and an error returned.
func (e *Endpoint) Send(nextHop tcpip.Address, datagram []byte) tcpip.Error {
	p := PacketInfo{
		NextHop:  nextHop,
		Datagram: append([]byte(nil), datagram...),
	}
	select {
	case e.C <- p:
		return nil
	default:
		return &tcpip.ErrWouldBlock{}
	}
}

// Receive implements link.Endpoint.
func (e *Endpoint) Receive(buf []byte) (int, tcpip.Error) {
	select {
	case d := <-e.in:
		if len(d) > len(buf) {
			return 0, &tcpip.ErrMessageTooLong{}
		}
		return copy(buf, d), nil
	default:
		return 0, &tcpip.ErrWouldBlock{}
	}
}

// InjectInbound queues an inbound datagram for a later Receive.
func (e *Endpoint) InjectInbound(datagram []byte) bool {
	d := append([]byte(nil), datagram...)
	select {
	case e.in <- d:
		return true
	default:
		return false
	}
}

// Read returns the next outbound datagram, if any.
func (e *Endpoint) Read() (PacketInfo, bool) {
	select {
	case p := <-e.C:
		return p, true
	default:
		return PacketInfo{}, false
	}
}

// Drain removes all outbound datagrams from the queue and returns them.
func (e *Endpoint) Drain() []PacketInfo {
	var pkts []PacketInfo
	for {
		p, ok := e.Read()
		if !ok {
			return pkts
		}
		pkts = append(pkts, p)
	}
}
