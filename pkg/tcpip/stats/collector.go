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

package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"bmnet.dev/bmnet/pkg/tcpip"
)

// Collector exposes a Stats instance as prometheus metrics. It reads the
// counters at scrape time; the stack never depends on it.
type Collector struct {
	stats *Stats

	descs map[*tcpip.StatCounter]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading from stats.
func NewCollector(stats *Stats) *Collector {
	c := &Collector{
		stats: stats,
		descs: make(map[*tcpip.StatCounter]*prometheus.Desc),
	}

	add := func(counter *tcpip.StatCounter, name, help string) {
		c.descs[counter] = prometheus.NewDesc(name, help, nil, nil)
	}

	add(&stats.IP.PacketsReceived, "bmnet_ip_packets_received_total", "IPv4 datagrams received by the dispatcher.")
	add(&stats.IP.PacketsDelivered, "bmnet_ip_packets_delivered_total", "IPv4 datagrams handed to a protocol handler.")
	add(&stats.IP.PacketsSent, "bmnet_ip_packets_sent_total", "IPv4 datagrams passed to the link.")
	add(&stats.IP.MalformedPacketsReceived, "bmnet_ip_malformed_packets_received_total", "IPv4 datagrams dropped in validation.")
	add(&stats.IP.AddressUnacceptable, "bmnet_ip_address_unacceptable_total", "IPv4 datagrams dropped for an unacceptable destination.")
	add(&stats.IP.FragmentsDropped, "bmnet_ip_fragments_dropped_total", "Fragmented IPv4 datagrams dropped.")
	add(&stats.IP.OutgoingPacketErrors, "bmnet_ip_outgoing_packet_errors_total", "IPv4 datagrams that could not be sent.")

	add(&stats.IGMP.MessagesSent.MembershipQuery, "bmnet_igmp_sent_membership_query_total", "IGMP membership queries sent.")
	add(&stats.IGMP.MessagesSent.V2MembershipReport, "bmnet_igmp_sent_v2_membership_report_total", "IGMP v2 membership reports sent.")
	add(&stats.IGMP.MessagesSent.LeaveGroup, "bmnet_igmp_sent_leave_group_total", "IGMP leave group messages sent.")
	add(&stats.IGMP.MessagesReceived.MembershipQuery, "bmnet_igmp_received_membership_query_total", "IGMP membership queries received.")
	add(&stats.IGMP.MessagesReceived.V2MembershipReport, "bmnet_igmp_received_v2_membership_report_total", "IGMP v2 membership reports received.")
	add(&stats.IGMP.MessagesReceived.LeaveGroup, "bmnet_igmp_received_leave_group_total", "IGMP leave group messages received.")
	add(&stats.IGMP.ChecksumErrors, "bmnet_igmp_checksum_errors_total", "IGMP messages dropped for a bad checksum.")
	add(&stats.IGMP.MalformedReceived, "bmnet_igmp_malformed_received_total", "IGMP messages dropped before the checksum check.")
	add(&stats.IGMP.UnrecognizedReceived, "bmnet_igmp_unrecognized_received_total", "IGMP messages with an unhandled type.")

	add(&stats.UDP.PacketsReceived, "bmnet_udp_packets_received_total", "UDP datagrams delivered to an endpoint.")
	add(&stats.UDP.PacketsSent, "bmnet_udp_packets_sent_total", "UDP datagrams sent by endpoints.")
	add(&stats.UDP.ChecksumErrors, "bmnet_udp_checksum_errors_total", "UDP datagrams dropped for a bad checksum.")
	add(&stats.UDP.ReceiveBufferDrops, "bmnet_udp_receive_buffer_drops_total", "UDP datagrams dropped on a full receive queue.")

	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for counter, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(counter.Value()))
	}
}
