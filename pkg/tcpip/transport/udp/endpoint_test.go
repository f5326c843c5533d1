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

package udp_test

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bmnet.dev/bmnet/pkg/tcpip"
	"bmnet.dev/bmnet/pkg/tcpip/faketime"
	"bmnet.dev/bmnet/pkg/tcpip/header"
	"bmnet.dev/bmnet/pkg/tcpip/link/channel"
	"bmnet.dev/bmnet/pkg/tcpip/netconfig"
	"bmnet.dev/bmnet/pkg/tcpip/network"
	"bmnet.dev/bmnet/pkg/tcpip/stats"
	"bmnet.dev/bmnet/pkg/tcpip/transport/udp"
)

const (
	localPort  = 4000
	remotePort = 5000
)

var (
	localAddr   = tcpip.AddrFrom4([4]byte{192, 168, 1, 10})
	remoteAddr  = tcpip.AddrFrom4([4]byte{192, 168, 1, 20})
	otherAddr   = tcpip.AddrFrom4([4]byte{192, 168, 1, 30})
	offLinkAddr = tcpip.AddrFrom4([4]byte{10, 1, 2, 3})
	mcastGroup  = tcpip.AddrFrom4([4]byte{239, 5, 5, 5})
)

type testContext struct {
	linkEP *channel.Endpoint
	config *netconfig.NetConfig
	stats  *stats.Stats
	layer  *network.Layer
	opts   udp.Options
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	cfg := netconfig.New()
	cfg.SetNetmask(tcpip.AddressMask{255, 255, 255, 0})
	cfg.SetAddress(localAddr)

	c := &testContext{
		linkEP: channel.New(16, 1500, tcpip.LinkAddress{0x02, 0, 0, 0, 0, 1}),
		config: cfg,
		stats:  &stats.Stats{},
	}
	c.layer = network.NewLayer(network.Options{
		Config: cfg,
		Link:   c.linkEP,
		Clock:  faketime.NewManualClock(),
		Rand:   rand.New(rand.NewSource(42)),
		Stats:  c.stats,
	})
	c.opts = udp.Options{
		Layer:  c.layer,
		Config: cfg,
		Stats:  &c.stats.UDP,
	}
	return c
}

// injectUDP feeds a UDP datagram from src:srcPort to dst:dstPort through
// the dispatcher. A zero checksum is carried as-is; otherwise a valid one
// is computed.
func (c *testContext) injectUDP(src, dst tcpip.Address, srcPort, dstPort uint16, payload []byte, withChecksum bool) {
	udpLen := header.UDPMinimumSize + len(payload)
	buf := make([]byte, udpLen)
	h := header.UDP(buf)
	h.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(udpLen),
	})
	copy(buf[header.UDPMinimumSize:], payload)
	if withChecksum {
		partial := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(udpLen))
		h.SetChecksum(^h.CalculateChecksum(partial))
	}

	datagram := make([]byte, header.IPv4MinimumSize+udpLen)
	ip := header.IPv4(datagram)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(datagram)),
		TTL:         64,
		Protocol:    header.UDPProtocolNumber,
		SrcAddr:     src,
		DstAddr:     dst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(datagram[header.IPv4MinimumSize:], buf)

	c.linkEP.InjectInbound(datagram)
	c.layer.Process()
}

func TestPassiveSendToAndReceiveFrom(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewPassive(c.opts, localPort)
	defer ep.Close()

	payload := []byte("hello")
	n, err := ep.SendTo(payload, remoteAddr, remotePort)
	if err != nil {
		t.Fatalf("SendTo() = %s", err)
	}
	if n != len(payload) {
		t.Errorf("SendTo() = %d bytes, want %d", n, len(payload))
	}

	pkt, ok := c.linkEP.Read()
	if !ok {
		t.Fatal("no datagram on the link")
	}
	ip := header.IPv4(pkt.Datagram)
	udpHdr := header.UDP(pkt.Datagram[ip.HeaderLength():])
	if got := udpHdr.SourcePort(); got != localPort {
		t.Errorf("got source port %d, want %d", got, localPort)
	}
	if got := udpHdr.DestinationPort(); got != remotePort {
		t.Errorf("got destination port %d, want %d", got, remotePort)
	}
	if !udpHdr.IsChecksumValid(localAddr, remoteAddr) {
		t.Error("emitted datagram carries a bad UDP checksum")
	}
	if diff := cmp.Diff(payload, udpHdr.Payload()); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	c.injectUDP(remoteAddr, localAddr, remotePort, localPort, []byte("world"), true)

	buf := make([]byte, 64)
	n, sender, senderPort, rerr := ep.ReceiveFrom(buf)
	if rerr != nil {
		t.Fatalf("ReceiveFrom() = %s", rerr)
	}
	if got := string(buf[:n]); got != "world" {
		t.Errorf("got payload %q, want %q", got, "world")
	}
	if sender != remoteAddr || senderPort != remotePort {
		t.Errorf("got sender %s:%d, want %s:%d", sender, senderPort, remoteAddr, remotePort)
	}

	if _, _, _, err := ep.ReceiveFrom(buf); err == nil {
		t.Error("ReceiveFrom succeeded on an empty queue")
	}
}

func TestActiveEndpointMatchesOnlyItsFlow(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewActive(c.opts, remoteAddr, remotePort, localPort)
	defer ep.Close()

	// From the connected remote: delivered.
	c.injectUDP(remoteAddr, localAddr, remotePort, localPort, []byte("yes"), true)
	buf := make([]byte, 64)
	if n, err := ep.Receive(buf); err != nil || string(buf[:n]) != "yes" {
		t.Fatalf("Receive() = %q, %v; want %q, nil", buf[:n], err, "yes")
	}

	// Wrong source address or port: not delivered.
	c.injectUDP(otherAddr, localAddr, remotePort, localPort, []byte("no"), true)
	c.injectUDP(remoteAddr, localAddr, remotePort+1, localPort, []byte("no"), true)
	if _, err := ep.Receive(buf); err == nil {
		t.Error("Receive delivered a datagram from an unrelated flow")
	}
}

func TestActiveSendGoesToConnectedRemote(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewActive(c.opts, remoteAddr, remotePort, localPort)
	defer ep.Close()

	if _, err := ep.SendTo([]byte("x"), otherAddr, 9999); err != nil {
		t.Fatalf("SendTo() = %s", err)
	}
	pkt, ok := c.linkEP.Read()
	if !ok {
		t.Fatal("no datagram on the link")
	}
	ip := header.IPv4(pkt.Datagram)
	if got := ip.DestinationAddress(); got != remoteAddr {
		t.Errorf("got destination %s, want the connected remote %s", got, remoteAddr)
	}
	udpHdr := header.UDP(pkt.Datagram[ip.HeaderLength():])
	if got := udpHdr.DestinationPort(); got != remotePort {
		t.Errorf("got destination port %d, want %d", got, remotePort)
	}
}

func TestPassiveSendRequiresActiveOpen(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewPassive(c.opts, localPort)
	defer ep.Close()

	if _, err := ep.Send([]byte("x")); err == nil {
		t.Fatal("Send succeeded on a passive endpoint")
	} else if _, ok := err.(*tcpip.ErrInvalidEndpointState); !ok {
		t.Fatalf("Send() = %s, want ErrInvalidEndpointState", err)
	}
}

func TestMulticastJoinReceiveLeave(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewPassive(c.opts, localPort)
	defer ep.Close()

	if err := ep.JoinMulticastGroup(mcastGroup); err != nil {
		t.Fatalf("JoinMulticastGroup(%s) = %s", mcastGroup, err)
	}
	if !ep.IsMulticastConnection() {
		t.Error("IsMulticastConnection() = false after join")
	}

	// The join announces the membership on the wire.
	pkt, ok := c.linkEP.Read()
	if !ok {
		t.Fatal("no IGMP report on the link after join")
	}
	if got := header.IPv4(pkt.Datagram).Protocol(); got != header.IGMPProtocolNumber {
		t.Fatalf("got protocol %d, want %d", got, header.IGMPProtocolNumber)
	}

	c.injectUDP(remoteAddr, mcastGroup, remotePort, localPort, []byte("mc"), true)
	buf := make([]byte, 64)
	if n, err := ep.Receive(buf); err != nil || string(buf[:n]) != "mc" {
		t.Fatalf("Receive() = %q, %v; want %q, nil", buf[:n], err, "mc")
	}

	// Traffic to a different group is not delivered.
	c.injectUDP(remoteAddr, tcpip.AddrFrom4([4]byte{239, 9, 9, 9}), remotePort, localPort, []byte("xx"), true)
	if _, err := ep.Receive(buf); err == nil {
		t.Error("Receive delivered traffic for an unsubscribed group")
	}

	if err := ep.LeaveMulticastGroup(mcastGroup); err != nil {
		t.Fatalf("LeaveMulticastGroup(%s) = %s", mcastGroup, err)
	}
	if ep.IsMulticastConnection() {
		t.Error("IsMulticastConnection() = true after leave")
	}
	pkt, ok = c.linkEP.Read()
	if !ok {
		t.Fatal("no IGMP leave on the link")
	}
	if got := header.IPv4(pkt.Datagram).DestinationAddress(); got != tcpip.AllRouters {
		t.Errorf("got leave destination %s, want %s", got, tcpip.AllRouters)
	}

	c.injectUDP(remoteAddr, mcastGroup, remotePort, localPort, []byte("late"), true)
	if _, err := ep.Receive(buf); err == nil {
		t.Error("Receive delivered group traffic after the leave")
	}
}

func TestJoinMulticastGroupRejectsActive(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewActive(c.opts, remoteAddr, remotePort, localPort)
	defer ep.Close()

	if err := ep.JoinMulticastGroup(mcastGroup); err == nil {
		t.Fatal("JoinMulticastGroup succeeded on an active endpoint")
	} else if _, ok := err.(*tcpip.ErrInvalidEndpointState); !ok {
		t.Fatalf("JoinMulticastGroup() = %s, want ErrInvalidEndpointState", err)
	}
}

func TestJoinMulticastGroupRejectsUnicast(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewPassive(c.opts, localPort)
	defer ep.Close()

	if err := ep.JoinMulticastGroup(remoteAddr); err == nil {
		t.Fatal("JoinMulticastGroup succeeded with a unicast address")
	} else if _, ok := err.(*tcpip.ErrInvalidOptionValue); !ok {
		t.Fatalf("JoinMulticastGroup() = %s, want ErrInvalidOptionValue", err)
	}
}

func TestLeaveUnsubscribedGroupIsNoop(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewPassive(c.opts, localPort)
	defer ep.Close()

	if err := ep.LeaveMulticastGroup(mcastGroup); err != nil {
		t.Fatalf("LeaveMulticastGroup() = %s", err)
	}
	if _, ok := c.linkEP.Read(); ok {
		t.Error("leave emitted without a subscription")
	}
}

func TestBroadcastOption(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewPassive(c.opts, localPort)
	defer ep.Close()

	// Sending to broadcast is refused until the option is set.
	if _, err := ep.SendTo([]byte("x"), tcpip.Broadcast, remotePort); err == nil {
		t.Fatal("SendTo broadcast succeeded without the option")
	} else if _, ok := err.(*tcpip.ErrBroadcastDisabled); !ok {
		t.Fatalf("SendTo() = %s, want ErrBroadcastDisabled", err)
	}

	// Inbound broadcasts are filtered too.
	c.injectUDP(remoteAddr, tcpip.Broadcast, remotePort, localPort, []byte("b"), true)
	buf := make([]byte, 64)
	if _, err := ep.Receive(buf); err == nil {
		t.Fatal("Receive delivered a broadcast without the option")
	}

	ep.SetOptionBroadcast(true)

	if _, err := ep.SendTo([]byte("x"), tcpip.Broadcast, remotePort); err != nil {
		t.Fatalf("SendTo broadcast with the option = %s", err)
	}
	c.linkEP.Drain()

	c.injectUDP(remoteAddr, tcpip.Broadcast, remotePort, localPort, []byte("b"), true)
	if n, err := ep.Receive(buf); err != nil || string(buf[:n]) != "b" {
		t.Fatalf("Receive() = %q, %v; want %q, nil", buf[:n], err, "b")
	}

	// The subnet broadcast address behaves like the link broadcast.
	subnetBcast := tcpip.AddrFrom4([4]byte{192, 168, 1, 255})
	c.injectUDP(remoteAddr, subnetBcast, remotePort, localPort, []byte("s"), true)
	if n, err := ep.Receive(buf); err != nil || string(buf[:n]) != "s" {
		t.Fatalf("Receive() = %q, %v; want %q, nil", buf[:n], err, "s")
	}
}

func TestChecksumValidation(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewPassive(c.opts, localPort)
	defer ep.Close()

	// A zero checksum is accepted without validation.
	c.injectUDP(remoteAddr, localAddr, remotePort, localPort, []byte("zc"), false)
	buf := make([]byte, 64)
	if n, err := ep.Receive(buf); err != nil || string(buf[:n]) != "zc" {
		t.Fatalf("Receive() = %q, %v; want %q, nil", buf[:n], err, "zc")
	}

	// A wrong non-zero checksum drops the datagram.
	udpLen := header.UDPMinimumSize + 2
	raw := make([]byte, udpLen)
	h := header.UDP(raw)
	h.Encode(&header.UDPFields{SrcPort: remotePort, DstPort: localPort, Length: uint16(udpLen), Checksum: 0xbad})
	copy(raw[header.UDPMinimumSize:], "cc")

	datagram := make([]byte, header.IPv4MinimumSize+udpLen)
	ip := header.IPv4(datagram)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(datagram)),
		TTL:         64,
		Protocol:    header.UDPProtocolNumber,
		SrcAddr:     remoteAddr,
		DstAddr:     localAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(datagram[header.IPv4MinimumSize:], raw)
	c.linkEP.InjectInbound(datagram)
	c.layer.Process()

	if _, err := ep.Receive(buf); err == nil {
		t.Error("Receive delivered a datagram with a bad checksum")
	}
	if got := c.stats.UDP.ChecksumErrors.Value(); got != 1 {
		t.Errorf("got ChecksumErrors = %d, want 1", got)
	}
}

func TestUnmatchedPortIgnored(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewPassive(c.opts, localPort)
	defer ep.Close()

	c.injectUDP(remoteAddr, localAddr, remotePort, localPort+1, []byte("np"), true)

	buf := make([]byte, 64)
	if _, err := ep.Receive(buf); err == nil {
		t.Error("Receive delivered a datagram for another port")
	}

	// The dispatcher keeps unmatched datagrams on its generic queue.
	if _, err := c.layer.Receive(); err != nil {
		t.Errorf("layer.Receive() = %s, want the unmatched datagram queued", err)
	}
}

func TestNotificationSurfacesConnectionRefused(t *testing.T) {
	c := newTestContext(t)
	// No default gateway: sending off-subnet fails and synthesizes a
	// destination-unreachable notification for this flow.
	ep := udp.NewActive(c.opts, offLinkAddr, remotePort, localPort)
	defer ep.Close()

	if _, err := ep.Send([]byte("x")); err == nil {
		t.Fatal("Send off-subnet without a gateway succeeded")
	} else if _, ok := err.(*tcpip.ErrNetworkUnreachable); !ok {
		t.Fatalf("Send() = %s, want ErrNetworkUnreachable", err)
	}

	buf := make([]byte, 64)
	if _, err := ep.Receive(buf); err == nil {
		t.Fatal("Receive succeeded, want ErrConnectionRefused")
	} else if _, ok := err.(*tcpip.ErrConnectionRefused); !ok {
		t.Fatalf("Receive() = %s, want ErrConnectionRefused", err)
	}

	// The error is consumed once.
	if _, err := ep.Receive(buf); err == nil {
		t.Error("second Receive succeeded on an empty queue")
	} else if _, ok := err.(*tcpip.ErrWouldBlock); !ok {
		t.Errorf("second Receive() = %s, want ErrWouldBlock", err)
	}
}

func TestInboundNotificationMatchesActiveFlow(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewActive(c.opts, remoteAddr, remotePort, localPort)
	defer ep.Close()

	// ICMP destination unreachable for our flow, as a router would send.
	embedded := make([]byte, header.IPv4MinimumSize+header.UDPMinimumSize)
	ip := header.IPv4(embedded)
	ip.Encode(&header.IPv4Fields{
		TotalLength: 100,
		TTL:         64,
		Protocol:    header.UDPProtocolNumber,
		SrcAddr:     localAddr,
		DstAddr:     remoteAddr,
	})
	h := header.UDP(embedded[header.IPv4MinimumSize:])
	h.Encode(&header.UDPFields{SrcPort: localPort, DstPort: remotePort, Length: 80})

	icmp := make([]byte, 8+len(embedded))
	icmp[0] = 3
	icmp[1] = 3
	copy(icmp[8:], embedded)

	datagram := make([]byte, header.IPv4MinimumSize+len(icmp))
	outer := header.IPv4(datagram)
	outer.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(datagram)),
		TTL:         64,
		Protocol:    header.ICMPv4ProtocolNumber,
		SrcAddr:     remoteAddr,
		DstAddr:     localAddr,
	})
	outer.SetChecksum(^outer.CalculateChecksum())
	copy(datagram[header.IPv4MinimumSize:], icmp)

	c.linkEP.InjectInbound(datagram)
	c.layer.Process()

	buf := make([]byte, 64)
	if _, err := ep.Receive(buf); err == nil {
		t.Fatal("Receive succeeded, want ErrConnectionRefused")
	} else if _, ok := err.(*tcpip.ErrConnectionRefused); !ok {
		t.Fatalf("Receive() = %s, want ErrConnectionRefused", err)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	c := newTestContext(t)
	ep := udp.NewPassive(c.opts, localPort)

	if err := ep.Close(); err != nil {
		t.Fatalf("Close() = %s", err)
	}
	if err := ep.Close(); err == nil {
		t.Error("second Close succeeded")
	}

	c.injectUDP(remoteAddr, localAddr, remotePort, localPort, []byte("x"), true)
	buf := make([]byte, 64)
	if _, err := ep.Receive(buf); err == nil {
		t.Error("Receive succeeded on a closed endpoint")
	}
}
