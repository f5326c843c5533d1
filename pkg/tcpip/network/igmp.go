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
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bmnet.dev/bmnet/pkg/tcpip"
	"bmnet.dev/bmnet/pkg/tcpip/checksum"
	"bmnet.dev/bmnet/pkg/tcpip/header"
	"bmnet.dev/bmnet/pkg/tcpip/stats"
)

// IGMPHandler runs the IGMPv2 host side of the stack: it tracks joined
// groups, answers membership queries with at most one scheduled report at
// a time, and emits unsolicited reports and leaves as memberships change.
//
// Addresses in 224.0.0.0/24 are recorded like any other membership but
// never appear in IGMP messages on the wire.
type IGMPHandler struct {
	layer *Layer
	clock tcpip.Clock
	rng   *rand.Rand
	log   *logrus.Entry
	stats *stats.IGMPStats

	mu sync.Mutex

	// joined holds the group memberships in join order.
	joined []tcpip.Address

	// armed is true while a report is scheduled for scheduledGroup.
	armed          bool
	scheduledGroup tcpip.Address
	timer          tcpip.Timer
}

func newIGMPHandler(l *Layer, clock tcpip.Clock, rng *rand.Rand, log *logrus.Entry, igmpStats *stats.IGMPStats) *IGMPHandler {
	return &IGMPHandler{
		layer: l,
		clock: clock,
		rng:   rng,
		log:   log,
		stats: igmpStats,
	}
}

// JoinGroup records a membership in group and announces it with an
// unsolicited v2 membership report. Joining an already-joined group is a
// no-op.
func (h *IGMPHandler) JoinGroup(group tcpip.Address) {
	if !group.IsMulticast() {
		h.log.WithField("group", group).Warn("join of a non-multicast address ignored")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isJoinedLocked(group) {
		return
	}
	h.joined = append(h.joined, group)

	if group.IsLinkLocalMulticast() {
		return
	}
	h.sendMessageLocked(header.IGMPv2MembershipReport, group, group)
}

// LeaveGroup withdraws the membership in group, cancelling any report
// still scheduled for it, and announces the departure with a leave group
// message to the all-routers address. Leaving a group that was never
// joined is a no-op.
func (h *IGMPHandler) LeaveGroup(group tcpip.Address) {
	if !group.IsMulticast() {
		h.log.WithField("group", group).Warn("leave of a non-multicast address ignored")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, g := range h.joined {
		if g == group {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	h.joined = append(h.joined[:idx], h.joined[idx+1:]...)

	if h.armed && h.scheduledGroup == group {
		h.disarmLocked()
	}

	if group.IsLinkLocalMulticast() {
		return
	}
	h.sendMessageLocked(header.IGMPLeaveGroup, group, tcpip.AllRouters)
}

// IsJoined reports whether group is currently a recorded membership.
func (h *IGMPHandler) IsJoined(group tcpip.Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isJoinedLocked(group)
}

// JoinedGroups returns the current memberships in join order.
func (h *IGMPHandler) JoinedGroups() []tcpip.Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]tcpip.Address(nil), h.joined...)
}

// ProcessPacket handles one inbound IGMP message.
func (h *IGMPHandler) ProcessPacket(payload []byte, sender tcpip.Address) {
	if len(payload) < header.IGMPMessageSize {
		h.stats.MalformedReceived.Increment()
		return
	}
	if checksum.Checksum(payload, 0) != checksum.Answer {
		h.stats.ChecksumErrors.Increment()
		h.log.WithField("src", sender).Warn("dropping IGMP message with bad checksum")
		return
	}

	msg := header.IGMP(payload)
	switch msg.Type() {
	case header.IGMPMembershipQuery:
		h.stats.MessagesReceived.MembershipQuery.Increment()
		h.handleMembershipQuery(msg.GroupAddress(), header.IGMPMaxRespTimeToDuration(msg.MaxRespTime()))

	case header.IGMPv2MembershipReport:
		// Reports from other hosts would suppress our own report on a
		// shared medium; this host answers every query it accepts.
		h.stats.MessagesReceived.V2MembershipReport.Increment()

	case header.IGMPLeaveGroup:
		h.stats.MessagesReceived.LeaveGroup.Increment()

	default:
		h.stats.UnrecognizedReceived.Increment()
		h.log.WithFields(logrus.Fields{
			"type": uint8(msg.Type()),
			"src":  sender,
		}).Warn("unrecognized IGMP message type")
	}
}

func (h *IGMPHandler) handleMembershipQuery(group tcpip.Address, maxRespTime time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A report is already on its way; the pending answer covers this
	// query too.
	if h.armed {
		return
	}

	if group.IsNull() || !group.IsSet() {
		// General query: answer for the first membership that is
		// reportable on the wire.
		group = tcpip.Address{}
		for _, g := range h.joined {
			if !g.IsLinkLocalMulticast() {
				group = g
				break
			}
		}
		if !group.IsSet() {
			return
		}
	} else {
		if group.IsLinkLocalMulticast() || !h.isJoinedLocked(group) {
			return
		}
	}

	maxRespMs := maxRespTime.Milliseconds()
	d := h.rng.Int63n(maxRespMs)
	if d < 10 && maxRespMs >= 10 {
		d = 10
	} else if d == 0 {
		d = 1
	}

	h.armed = true
	h.scheduledGroup = group
	h.timer = h.clock.AfterFunc(time.Duration(d)*time.Millisecond, h.reportTimerFired)
}

// reportTimerFired sends the scheduled report. The membership may have
// been left since scheduling; disarming clears the schedule, so an armed
// state here is always current.
func (h *IGMPHandler) reportTimerFired() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.armed {
		return
	}
	group := h.scheduledGroup
	h.armed = false
	h.scheduledGroup = tcpip.Address{}
	h.timer = nil

	if !group.IsSet() || !group.IsMulticast() {
		return
	}
	h.sendMessageLocked(header.IGMPv2MembershipReport, group, group)
}

func (h *IGMPHandler) disarmLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.armed = false
	h.scheduledGroup = tcpip.Address{}
}

// sendMessageLocked composes and transmits one IGMP message for group to
// dst. The interface must have an address before anything can be sent.
func (h *IGMPHandler) sendMessageLocked(igmpType header.IGMPType, group, dst tcpip.Address) {
	cfg := h.layer.config.Snapshot()
	if !cfg.Address.IsSet() || cfg.Address.IsNull() {
		h.log.WithField("group", group).Warn("no interface address, IGMP message not sent")
		return
	}

	buf := make([]byte, header.IGMPMessageSize)
	msg := header.IGMP(buf)
	msg.SetType(igmpType)
	msg.SetMaxRespTime(0)
	msg.SetGroupAddress(group)
	msg.SetChecksum(header.IGMPCalculateChecksum(msg))

	if err := h.layer.Send(dst, buf, header.IGMPProtocolNumber); err != nil {
		h.log.WithFields(logrus.Fields{
			"group": group,
			"err":   err,
		}).Warn("sending IGMP message failed")
		return
	}

	switch igmpType {
	case header.IGMPv2MembershipReport:
		h.stats.MessagesSent.V2MembershipReport.Increment()
	case header.IGMPLeaveGroup:
		h.stats.MessagesSent.LeaveGroup.Increment()
	case header.IGMPMembershipQuery:
		h.stats.MessagesSent.MembershipQuery.Increment()
	}
}

func (h *IGMPHandler) isJoinedLocked(group tcpip.Address) bool {
	for _, g := range h.joined {
		if g == group {
			return true
		}
	}
	return false
}
