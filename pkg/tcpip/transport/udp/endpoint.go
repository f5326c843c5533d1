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

// Package udp implements UDP endpoints over the network layer, including
// the multicast subscription surface.
package udp

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"bmnet.dev/bmnet/pkg/tcpip"
	"bmnet.dev/bmnet/pkg/tcpip/header"
	"bmnet.dev/bmnet/pkg/tcpip/netconfig"
	"bmnet.dev/bmnet/pkg/tcpip/network"
	"bmnet.dev/bmnet/pkg/tcpip/stats"
)

// receiveQueueDepth bounds the per-endpoint receive queue. When full the
// newest datagram is dropped.
const receiveQueueDepth = 64

// Options configures an Endpoint.
type Options struct {
	// Layer carries the endpoint's traffic. Required.
	Layer *network.Layer

	// Config supplies the interface addresses. Required.
	Config *netconfig.NetConfig

	// Stats receives UDP counters. Optional.
	Stats *stats.UDPStats

	// Logger is the base logger. Optional; discards when nil.
	Logger *logrus.Logger
}

// datagram is one received payload with its origin.
type datagram struct {
	data       []byte
	senderIP   tcpip.Address
	senderPort uint16
}

// Endpoint is a UDP endpoint. An active endpoint is bound to one remote
// address and port and only exchanges datagrams with it. A passive endpoint
// accepts datagrams to its local port from any sender, and may additionally
// subscribe to one multicast group.
//
// Receive operations never block; they fail with ErrWouldBlock when the
// queue is empty.
type Endpoint struct {
	layer  *network.Layer
	config *netconfig.NetConfig
	stats  *stats.UDPStats
	log    *logrus.Entry

	mu sync.Mutex

	open       bool
	activeOpen bool

	foreignIP   tcpip.Address
	foreignPort uint16
	ownPort     uint16

	// group is the subscribed multicast group; unset when there is none.
	group tcpip.Address

	broadcastAllowed bool

	// pendingErr is set when a destination-unreachable notification
	// matches this endpoint's flow. The next Send or Receive consumes it.
	pendingErr tcpip.Error

	rxQueue []datagram
}

var _ network.TransportEndpoint = (*Endpoint)(nil)

func newEndpoint(opts Options) *Endpoint {
	if opts.Stats == nil {
		opts.Stats = &stats.UDPStats{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Endpoint{
		layer:  opts.Layer,
		config: opts.Config,
		stats:  opts.Stats,
		log:    logger.WithField("component", "udp"),
		open:   true,
	}
}

// NewActive creates a connected endpoint exchanging datagrams with
// foreignIP:foreignPort only, and registers it with the layer.
func NewActive(opts Options, foreignIP tcpip.Address, foreignPort, ownPort uint16) *Endpoint {
	e := newEndpoint(opts)
	e.activeOpen = true
	e.foreignIP = foreignIP
	e.foreignPort = foreignPort
	e.ownPort = ownPort
	e.layer.RegisterEndpoint(e)
	return e
}

// NewPassive creates a listening endpoint accepting datagrams to ownPort,
// and registers it with the layer.
func NewPassive(opts Options, ownPort uint16) *Endpoint {
	e := newEndpoint(opts)
	e.ownPort = ownPort
	e.layer.RegisterEndpoint(e)
	return e
}

// Close shuts the endpoint down and removes it from the layer's fan-out.
func (e *Endpoint) Close() tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return &tcpip.ErrInvalidEndpointState{}
	}
	e.open = false
	e.rxQueue = nil
	e.layer.UnregisterEndpoint(e)
	return nil
}

// SetOptionBroadcast allows or forbids sending to and receiving from
// broadcast addresses. Broadcasts are forbidden by default.
func (e *Endpoint) SetOptionBroadcast(allowed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcastAllowed = allowed
}

// JoinMulticastGroup subscribes the endpoint to group and records the
// membership with the network layer. Only a passive endpoint can
// subscribe, and only to a multicast address.
func (e *Endpoint) JoinMulticastGroup(group tcpip.Address) tcpip.Error {
	if !group.IsSet() || !group.IsMulticast() {
		return &tcpip.ErrInvalidOptionValue{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open || e.activeOpen {
		return &tcpip.ErrInvalidEndpointState{}
	}

	e.group = group
	e.layer.NotifyJoinGroup(group)
	return nil
}

// LeaveMulticastGroup drops the subscription to group. Leaving a group the
// endpoint is not subscribed to is a no-op.
func (e *Endpoint) LeaveMulticastGroup(group tcpip.Address) tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.group.IsSet() && e.group == group {
		e.layer.NotifyLeaveGroup(group)
		e.group = tcpip.Address{}
	}
	return nil
}

// IsMulticastConnection reports whether the endpoint has a multicast
// subscription.
func (e *Endpoint) IsMulticastConnection() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.group.IsSet() && e.group.IsMulticast()
}

// Send transmits payload to the connected remote. It fails with
// ErrInvalidEndpointState on a passive endpoint.
func (e *Endpoint) Send(payload []byte) (int, tcpip.Error) {
	e.mu.Lock()
	if err := e.consumePendingErrLocked(); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if !e.open || !e.activeOpen {
		e.mu.Unlock()
		return 0, &tcpip.ErrInvalidEndpointState{}
	}
	dst, dstPort := e.foreignIP, e.foreignPort
	e.mu.Unlock()

	return e.send(payload, dst, dstPort)
}

// SendTo transmits payload to dst:dstPort. On an active endpoint the
// arguments are ignored and the datagram goes to the connected remote.
func (e *Endpoint) SendTo(payload []byte, dst tcpip.Address, dstPort uint16) (int, tcpip.Error) {
	e.mu.Lock()
	if err := e.consumePendingErrLocked(); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if !e.open {
		e.mu.Unlock()
		return 0, &tcpip.ErrInvalidEndpointState{}
	}
	if e.activeOpen {
		dst, dstPort = e.foreignIP, e.foreignPort
	}
	e.mu.Unlock()

	return e.send(payload, dst, dstPort)
}

// send runs without the endpoint lock held. A routing failure inside
// layer.Send fans a notification back into DeliverNotification, which
// takes the lock itself.
func (e *Endpoint) send(payload []byte, dst tcpip.Address, dstPort uint16) (int, tcpip.Error) {
	if len(payload) == 0 {
		return 0, &tcpip.ErrMessageTooLong{}
	}

	e.mu.Lock()
	ownPort, broadcastAllowed := e.ownPort, e.broadcastAllowed
	e.mu.Unlock()

	cfg := e.config.Snapshot()
	if !broadcastAllowed && (dst.IsBroadcast() || dst == cfg.Broadcast) {
		return 0, &tcpip.ErrBroadcastDisabled{}
	}

	packetLen := header.UDPMinimumSize + len(payload)
	buf := make([]byte, packetLen)
	udpHdr := header.UDP(buf)
	udpHdr.Encode(&header.UDPFields{
		SrcPort: ownPort,
		DstPort: dstPort,
		Length:  uint16(packetLen),
	})
	copy(buf[header.UDPMinimumSize:], payload)

	partial := header.PseudoHeaderChecksum(header.UDPProtocolNumber, cfg.Address, dst, uint16(packetLen))
	xsum := ^udpHdr.CalculateChecksum(partial)
	if xsum == 0 {
		// A zero checksum means "none" on the wire; transmit all ones.
		xsum = 0xffff
	}
	udpHdr.SetChecksum(xsum)

	if err := e.layer.Send(dst, buf, header.UDPProtocolNumber); err != nil {
		return 0, err
	}
	e.stats.PacketsSent.Increment()
	return len(payload), nil
}

// Receive dequeues the next datagram's payload into buf. It fails with
// ErrWouldBlock when nothing is queued and with ErrConnectionRefused after
// a matching destination-unreachable notification.
func (e *Endpoint) Receive(buf []byte) (int, tcpip.Error) {
	n, _, _, err := e.ReceiveFrom(buf)
	return n, err
}

// ReceiveFrom is Receive returning the sender's address and port as well.
func (e *Endpoint) ReceiveFrom(buf []byte) (int, tcpip.Address, uint16, tcpip.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.consumePendingErrLocked(); err != nil {
		return 0, tcpip.Address{}, 0, err
	}
	if !e.open {
		return 0, tcpip.Address{}, 0, &tcpip.ErrClosedForReceive{}
	}
	if len(e.rxQueue) == 0 {
		return 0, tcpip.Address{}, 0, &tcpip.ErrWouldBlock{}
	}

	d := e.rxQueue[0]
	if len(buf) < len(d.data) {
		return 0, tcpip.Address{}, 0, &tcpip.ErrMessageTooLong{}
	}
	e.rxQueue = e.rxQueue[1:]
	copy(buf, d.data)
	return len(d.data), d.senderIP, d.senderPort, nil
}

// DeliverPacket implements network.TransportEndpoint. It returns true when
// the datagram was for this endpoint, whether queued or dropped.
func (e *Endpoint) DeliverPacket(pkt network.Packet) bool {
	if pkt.Protocol != header.UDPProtocolNumber || len(pkt.Payload) <= header.UDPMinimumSize {
		return false
	}
	udpHdr := header.UDP(pkt.Payload)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.open || udpHdr.DestinationPort() != e.ownPort {
		return false
	}
	if !e.matchLocked(pkt.SourceAddress, pkt.DestinationAddress, udpHdr.SourcePort()) {
		return false
	}

	udpLen := int(udpHdr.Length())
	if udpLen <= header.UDPMinimumSize || len(pkt.Payload) < udpLen {
		e.log.WithField("src", pkt.SourceAddress).Warn("dropping truncated datagram")
		return true
	}
	if udpHdr.Checksum() != 0 && !header.UDP(pkt.Payload[:udpLen]).IsChecksumValid(pkt.SourceAddress, pkt.DestinationAddress) {
		e.stats.ChecksumErrors.Increment()
		e.log.WithField("src", pkt.SourceAddress).Warn("dropping datagram with bad checksum")
		return true
	}

	if len(e.rxQueue) >= receiveQueueDepth {
		e.stats.ReceiveBufferDrops.Increment()
		return true
	}
	e.rxQueue = append(e.rxQueue, datagram{
		data:       append([]byte(nil), pkt.Payload[header.UDPMinimumSize:udpLen]...),
		senderIP:   pkt.SourceAddress,
		senderPort: udpHdr.SourcePort(),
	})
	e.stats.PacketsReceived.Increment()
	return true
}

// matchLocked decides whether a datagram to receiver from sender:senderPort
// belongs to this endpoint. The destination port already matched.
func (e *Endpoint) matchLocked(sender, receiver tcpip.Address, senderPort uint16) bool {
	cfg := e.config.Snapshot()

	switch {
	case receiver.IsMulticast():
		return e.group.IsSet() && e.group.IsMulticast() && receiver == e.group

	case e.activeOpen:
		return senderPort == e.foreignPort && sender == e.foreignIP

	case receiver.IsBroadcast() || receiver == cfg.Broadcast:
		return e.broadcastAllowed

	default:
		return true
	}
}

// DeliverNotification implements network.TransportEndpoint. A matching
// destination-unreachable notification surfaces as ErrConnectionRefused on
// the next Send or Receive.
func (e *Endpoint) DeliverNotification(n network.Notification) bool {
	if n.Protocol != header.UDPProtocolNumber {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.open || n.SourcePort != e.ownPort {
		return false
	}
	if cfg := e.config.Snapshot(); n.SourceAddress != cfg.Address {
		return false
	}
	if e.activeOpen && (n.DestinationPort != e.foreignPort || n.DestinationAddress != e.foreignIP) {
		return false
	}

	e.pendingErr = &tcpip.ErrConnectionRefused{}
	return true
}

func (e *Endpoint) consumePendingErrLocked() tcpip.Error {
	err := e.pendingErr
	e.pendingErr = nil
	return err
}
