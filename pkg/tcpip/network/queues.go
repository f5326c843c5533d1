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

package network

import (
	"sync"

	"bmnet.dev/bmnet/pkg/tcpip/header"
)

// packetQueue is a bounded FIFO of inbound packets. When full, enqueue
// drops the new packet.
type packetQueue struct {
	mu    sync.Mutex
	pkts  []Packet
	limit int
}

func newPacketQueue(limit int) *packetQueue {
	return &packetQueue{limit: limit}
}

func (q *packetQueue) enqueue(pkt Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pkts) >= q.limit {
		return false
	}
	q.pkts = append(q.pkts, pkt)
	return true
}

func (q *packetQueue) dequeue() (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pkts) == 0 {
		return Packet{}, false
	}
	pkt := q.pkts[0]
	q.pkts = q.pkts[1:]
	return pkt, true
}

// notificationQueue is a bounded FIFO of destination-unreachable
// notifications.
type notificationQueue struct {
	mu     sync.Mutex
	notifs []Notification
	limit  int
}

func newNotificationQueue(limit int) *notificationQueue {
	return &notificationQueue{limit: limit}
}

func (q *notificationQueue) enqueue(n Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.notifs) >= q.limit {
		return false
	}
	q.notifs = append(q.notifs, n)
	return true
}

func (q *notificationQueue) dequeue() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.notifs) == 0 {
		return Notification{}, false
	}
	n := q.notifs[0]
	q.notifs = q.notifs[1:]
	return n, true
}

// endpointSet is the registered transport endpoints, offered inbound
// datagrams and notifications in registration order.
type endpointSet struct {
	mu  sync.RWMutex
	eps []TransportEndpoint
}

func (s *endpointSet) add(ep TransportEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.eps {
		if e == ep {
			return
		}
	}
	s.eps = append(s.eps, ep)
}

func (s *endpointSet) remove(ep TransportEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.eps {
		if e == ep {
			s.eps = append(s.eps[:i], s.eps[i+1:]...)
			return
		}
	}
}

// deliverPacket offers pkt to each endpoint until one consumes it. Each
// endpoint sees its own copy of the payload.
func (s *endpointSet) deliverPacket(pkt Packet) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ep := range s.eps {
		if ep.DeliverPacket(pkt.clone()) {
			return true
		}
	}
	return false
}

func (s *endpointSet) deliverNotification(n Notification) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := false
	for _, ep := range s.eps {
		if ep.DeliverNotification(n) {
			matched = true
		}
	}
	return matched
}

const (
	icmpDestinationUnreachable = 3

	// icmpv4MinimumSize is type, code, checksum and the unused word.
	icmpv4MinimumSize = 8
)

// parseDestinationUnreachable extracts the affected flow from an inbound
// ICMP destination-unreachable message. The message embeds the IPv4 header
// of the original datagram plus its first transport bytes.
func parseDestinationUnreachable(payload []byte) (Notification, bool) {
	if len(payload) < icmpv4MinimumSize || payload[0] != icmpDestinationUnreachable {
		return Notification{}, false
	}

	embedded := payload[icmpv4MinimumSize:]
	if len(embedded) < header.IPv4MinimumSize {
		return Notification{}, false
	}
	h := header.IPv4(embedded)
	hdrLen := int(h.HeaderLength())
	if hdrLen < header.IPv4MinimumSize || len(embedded) < hdrLen {
		return Notification{}, false
	}

	n := Notification{
		Protocol:           h.Protocol(),
		SourceAddress:      h.SourceAddress(),
		DestinationAddress: h.DestinationAddress(),
	}
	if t := embedded[hdrLen:]; n.Protocol == header.UDPProtocolNumber && len(t) >= header.UDPMinimumSize {
		udp := header.UDP(t)
		n.SourcePort = udp.SourcePort()
		n.DestinationPort = udp.DestinationPort()
	}
	return n, true
}
