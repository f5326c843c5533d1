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

// Package network implements the IPv4 layer: inbound parsing, acceptance
// and protocol demux, outbound header composition and next-hop selection,
// and the IGMPv2 host membership machinery.
package network

import (
	"io"
	"math/rand"

	"github.com/sirupsen/logrus"

	"bmnet.dev/bmnet/pkg/tcpip"
	"bmnet.dev/bmnet/pkg/tcpip/header"
	"bmnet.dev/bmnet/pkg/tcpip/link"
	"bmnet.dev/bmnet/pkg/tcpip/netconfig"
	"bmnet.dev/bmnet/pkg/tcpip/stats"
)

// queueDepth bounds every inbound queue. When a queue is full the newest
// datagram is dropped.
const queueDepth = 64

// Packet is an inbound payload together with its delivery metadata.
type Packet struct {
	// Payload is the transport payload, IPv4 header already stripped.
	Payload []byte

	// SourceAddress is the sending host.
	SourceAddress tcpip.Address

	// DestinationAddress is the address the datagram was accepted under.
	DestinationAddress tcpip.Address

	// Protocol is the IPv4 protocol number.
	Protocol uint8
}

// Notification reports a destination-unreachable condition for a transport
// flow, either synthesized on a local routing failure or parsed from an
// inbound ICMP message.
type Notification struct {
	// Protocol is the transport protocol of the affected flow.
	Protocol uint8

	// SourceAddress and SourcePort identify the local end of the flow.
	SourceAddress tcpip.Address
	SourcePort    uint16

	// DestinationAddress and DestinationPort identify the unreachable
	// remote end.
	DestinationAddress tcpip.Address
	DestinationPort    uint16
}

// TransportEndpoint takes delivery of inbound datagrams and notifications
// from the dispatcher.
type TransportEndpoint interface {
	// DeliverPacket examines an inbound datagram and returns true if the
	// endpoint consumed it.
	DeliverPacket(pkt Packet) bool

	// DeliverNotification examines a destination-unreachable
	// notification and returns true if it matched the endpoint's flow.
	DeliverNotification(n Notification) bool
}

// Options configures a Layer.
type Options struct {
	// Config supplies the interface addresses. Required.
	Config *netconfig.NetConfig

	// Link transmits and receives datagrams. Required.
	Link link.Endpoint

	// Clock schedules the IGMP report timer. Required.
	Clock tcpip.Clock

	// Rand is the source for the randomized report delay. Required.
	Rand *rand.Rand

	// Stats receives stack counters. Optional.
	Stats *stats.Stats

	// Logger is the base logger. Optional; discards when nil.
	Logger *logrus.Logger
}

// Layer is the IPv4 network layer of a single-interface host.
type Layer struct {
	config *netconfig.NetConfig
	linkEP link.Endpoint
	clock  tcpip.Clock
	log    *logrus.Entry
	stats  *stats.Stats
	igmp   *IGMPHandler
	routes *RouteCache

	icmpQueue    *packetQueue
	icmpRawQueue *packetQueue
	rxQueue      *packetQueue
	notifQueue   *notificationQueue

	endpoints endpointSet
}

// NewLayer creates a network layer on top of opts.Link.
func NewLayer(opts Options) *Layer {
	if opts.Stats == nil {
		opts.Stats = &stats.Stats{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	l := &Layer{
		config:     opts.Config,
		linkEP:     opts.Link,
		clock:      opts.Clock,
		log:        logger.WithField("component", "net"),
		stats:      opts.Stats,
		routes:     NewRouteCache(),
		icmpQueue:  newPacketQueue(queueDepth),
		rxQueue:    newPacketQueue(queueDepth),
		notifQueue: newNotificationQueue(queueDepth),
	}
	l.igmp = newIGMPHandler(l, opts.Clock, opts.Rand, logger.WithField("component", "igmp"), &opts.Stats.IGMP)
	return l
}

// IGMP returns the layer's IGMP handler.
func (l *Layer) IGMP() *IGMPHandler {
	return l.igmp
}

// RegisterEndpoint adds ep to the inbound fan-out.
func (l *Layer) RegisterEndpoint(ep TransportEndpoint) {
	l.endpoints.add(ep)
}

// UnregisterEndpoint removes ep from the inbound fan-out.
func (l *Layer) UnregisterEndpoint(ep TransportEndpoint) {
	l.endpoints.remove(ep)
}

// Process drains the link's pending inbound datagrams, oldest first, and
// dispatches each one. It runs to completion and never blocks.
func (l *Layer) Process() {
	buf := make([]byte, l.linkEP.MTU())
	for {
		n, err := l.linkEP.Receive(buf)
		if err != nil {
			if _, ok := err.(*tcpip.ErrWouldBlock); !ok {
				l.log.WithField("err", err).Warn("link receive failed")
			}
			return
		}
		l.handlePacket(buf[:n])
	}
}

// InjectInbound dispatches a single already-received datagram through the
// same per-datagram path Process runs.
func (l *Layer) InjectInbound(datagram []byte) {
	l.handlePacket(datagram)
}

func (l *Layer) handlePacket(datagram []byte) {
	l.stats.IP.PacketsReceived.Increment()

	if len(datagram) <= header.IPv4MinimumSize {
		l.stats.IP.MalformedPacketsReceived.Increment()
		return
	}

	h := header.IPv4(datagram)
	hdrLen := int(h.HeaderLength())
	if hdrLen < header.IPv4MinimumSize || hdrLen > header.IPv4MaximumHeaderSize || len(datagram) <= hdrLen {
		l.stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	if !h.IsValid(len(datagram)) || !h.IsChecksumValid() {
		l.stats.IP.MalformedPacketsReceived.Increment()
		l.log.WithField("src", h.SourceAddress()).Warn("dropping malformed datagram")
		return
	}

	dst := h.DestinationAddress()
	cfg := l.config.Snapshot()
	if cfg.Address.IsSet() && !cfg.Address.IsNull() {
		if dst != cfg.Address && !dst.IsBroadcast() && !dst.IsMulticast() && dst != cfg.Broadcast {
			l.stats.IP.AddressUnacceptable.Increment()
			return
		}
	} else {
		// No address yet: the address-assignment exchange runs over
		// broadcast, so only broadcast and multicast pass.
		if !dst.IsBroadcast() && !dst.IsMulticast() {
			l.stats.IP.AddressUnacceptable.Increment()
			return
		}
	}

	if h.More() || h.FragmentOffset() != 0 {
		l.stats.IP.FragmentsDropped.Increment()
		return
	}

	// Trailing link padding is not part of the datagram.
	total := int(h.TotalLength())
	if len(datagram) < total {
		l.stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	datagram = datagram[:total]

	pkt := Packet{
		Payload:            datagram[hdrLen:],
		SourceAddress:      h.SourceAddress(),
		DestinationAddress: dst,
		Protocol:           h.Protocol(),
	}

	switch pkt.Protocol {
	case header.ICMPv4ProtocolNumber:
		l.handleICMP(pkt)

	case header.IGMPProtocolNumber:
		l.igmp.ProcessPacket(pkt.Payload, pkt.SourceAddress)
		l.stats.IP.PacketsDelivered.Increment()

	case header.UDPProtocolNumber:
		if l.endpoints.deliverPacket(pkt) {
			l.stats.IP.PacketsDelivered.Increment()
			return
		}
		if !l.rxQueue.enqueue(pkt.clone()) {
			l.log.WithField("protocol", pkt.Protocol).Warn("rx queue full, dropping datagram")
			return
		}
		l.stats.IP.PacketsDelivered.Increment()

	default:
		if !l.rxQueue.enqueue(pkt.clone()) {
			l.log.WithField("protocol", pkt.Protocol).Warn("rx queue full, dropping datagram")
			return
		}
		l.stats.IP.PacketsDelivered.Increment()
	}
}

func (l *Layer) handleICMP(pkt Packet) {
	if n, ok := parseDestinationUnreachable(pkt.Payload); ok {
		l.deliverNotification(n)
	}

	if q := l.icmpRawQueue; q != nil {
		q.enqueue(pkt.clone())
	}
	if !l.icmpQueue.enqueue(pkt.clone()) {
		l.log.Warn("icmp queue full, dropping message")
		return
	}
	l.stats.IP.PacketsDelivered.Increment()
}

// Send composes an IPv4 datagram around payload and hands it to the link.
func (l *Layer) Send(dst tcpip.Address, payload []byte, protocol uint8) tcpip.Error {
	packetLen := header.IPv4MinimumSize + len(payload)
	if len(payload) == 0 || packetLen > int(l.linkEP.MTU()) {
		return &tcpip.ErrMessageTooLong{}
	}

	cfg := l.config.Snapshot()

	ttl := uint8(header.IPv4DefaultTTL)
	if dst.IsMulticast() {
		ttl = header.IPv4MulticastTTL
	}

	buf := make([]byte, packetLen)
	h := header.IPv4(buf)
	h.Encode(&header.IPv4Fields{
		TOS:         0,
		TotalLength: uint16(packetLen),
		ID:          0,
		Flags:       header.IPv4FlagDontFragment,
		TTL:         ttl,
		Protocol:    protocol,
		SrcAddr:     cfg.Address,
		DstAddr:     dst,
	})
	h.SetChecksum(^h.CalculateChecksum())
	copy(buf[header.IPv4MinimumSize:], payload)

	if cfg.Address.IsNull() && !dst.IsBroadcast() {
		l.sendFailed(buf)
		l.stats.IP.OutgoingPacketErrors.Increment()
		return &tcpip.ErrNetworkUnreachable{}
	}

	nextHop := dst
	if !dst.IsMulticast() && !dst.IsBroadcast() && !cfg.Address.OnSameNetwork(dst, cfg.Netmask) {
		if gw, ok := l.routes.Lookup(dst); ok {
			nextHop = gw
		} else if cfg.Gateway.IsSet() && !cfg.Gateway.IsNull() {
			nextHop = cfg.Gateway
		} else {
			l.sendFailed(buf)
			l.stats.IP.OutgoingPacketErrors.Increment()
			return &tcpip.ErrNetworkUnreachable{}
		}
	}

	if err := l.linkEP.Send(nextHop, buf); err != nil {
		l.stats.IP.OutgoingPacketErrors.Increment()
		l.log.WithFields(logrus.Fields{
			"dst": dst,
			"err": err,
		}).Warn("link send failed")
		return err
	}
	l.stats.IP.PacketsSent.Increment()
	return nil
}

// Receive dequeues the next datagram from the generic receive queue.
func (l *Layer) Receive() (Packet, tcpip.Error) {
	pkt, ok := l.rxQueue.dequeue()
	if !ok {
		return Packet{}, &tcpip.ErrWouldBlock{}
	}
	return pkt, nil
}

// ReceiveNotification dequeues the next destination-unreachable
// notification.
func (l *Layer) ReceiveNotification() (Notification, tcpip.Error) {
	n, ok := l.notifQueue.dequeue()
	if !ok {
		return Notification{}, &tcpip.ErrWouldBlock{}
	}
	return n, nil
}

// EnableReceiveICMP enables or disables the secondary raw ICMP queue read
// by ReceiveICMP. Disabling discards anything still queued.
func (l *Layer) EnableReceiveICMP(enable bool) {
	if enable {
		if l.icmpRawQueue == nil {
			l.icmpRawQueue = newPacketQueue(queueDepth)
		}
	} else {
		l.icmpRawQueue = nil
	}
}

// ReceiveICMP dequeues the next raw ICMP message. It fails with
// ErrInvalidEndpointState unless EnableReceiveICMP(true) was called.
func (l *Layer) ReceiveICMP() (Packet, tcpip.Error) {
	q := l.icmpRawQueue
	if q == nil {
		return Packet{}, &tcpip.ErrInvalidEndpointState{}
	}
	pkt, ok := q.dequeue()
	if !ok {
		return Packet{}, &tcpip.ErrWouldBlock{}
	}
	return pkt, nil
}

// ReceiveICMPInternal dequeues the next message from the primary ICMP
// queue. This is the feed for an ICMP protocol handler above the layer.
func (l *Layer) ReceiveICMPInternal() (Packet, tcpip.Error) {
	pkt, ok := l.icmpQueue.dequeue()
	if !ok {
		return Packet{}, &tcpip.ErrWouldBlock{}
	}
	return pkt, nil
}

// AddRoute inserts a route for the network dest/mask via gateway.
func (l *Layer) AddRoute(dest tcpip.Address, mask tcpip.AddressMask, gateway tcpip.Address) {
	l.routes.Add(dest, mask, gateway)
}

// Gateway returns the gateway that would carry traffic to dest: a cached
// route if one matches, the default gateway otherwise.
func (l *Layer) Gateway(dest tcpip.Address) (tcpip.Address, bool) {
	if gw, ok := l.routes.Lookup(dest); ok {
		return gw, true
	}
	cfg := l.config.Snapshot()
	if cfg.Gateway.IsSet() && !cfg.Gateway.IsNull() {
		return cfg.Gateway, true
	}
	return tcpip.Address{}, false
}

// NotifyJoinGroup records a multicast membership on behalf of a transport
// endpoint.
func (l *Layer) NotifyJoinGroup(group tcpip.Address) {
	l.igmp.JoinGroup(group)
}

// NotifyLeaveGroup withdraws a multicast membership on behalf of a
// transport endpoint.
func (l *Layer) NotifyLeaveGroup(group tcpip.Address) {
	l.igmp.LeaveGroup(group)
}

// sendFailed synthesizes a destination-unreachable notification for a
// datagram the layer could not route. buf is the fully composed datagram
// that failed.
func (l *Layer) sendFailed(buf []byte) {
	h := header.IPv4(buf)
	n := Notification{
		Protocol:           h.Protocol(),
		SourceAddress:      h.SourceAddress(),
		DestinationAddress: h.DestinationAddress(),
	}
	if p := buf[h.HeaderLength():]; n.Protocol == header.UDPProtocolNumber && len(p) >= header.UDPMinimumSize {
		udp := header.UDP(p)
		n.SourcePort = udp.SourcePort()
		n.DestinationPort = udp.DestinationPort()
	}
	l.deliverNotification(n)
}

func (l *Layer) deliverNotification(n Notification) {
	if l.endpoints.deliverNotification(n) {
		return
	}
	l.notifQueue.enqueue(n)
}

func (pkt Packet) clone() Packet {
	pkt.Payload = append([]byte(nil), pkt.Payload...)
	return pkt
}
