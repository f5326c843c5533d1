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

package stats_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"bmnet.dev/bmnet/pkg/tcpip/stats"
)

func TestCollectorExposesCounters(t *testing.T) {
	s := &stats.Stats{}
	s.IP.PacketsReceived.IncrementBy(7)
	s.IGMP.MessagesSent.V2MembershipReport.Increment()
	s.UDP.ChecksumErrors.IncrementBy(3)

	c := stats.NewCollector(s)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() = %v", err)
	}

	expected := `
# HELP bmnet_ip_packets_received_total IPv4 datagrams received by the dispatcher.
# TYPE bmnet_ip_packets_received_total counter
bmnet_ip_packets_received_total 7
# HELP bmnet_igmp_sent_v2_membership_report_total IGMP v2 membership reports sent.
# TYPE bmnet_igmp_sent_v2_membership_report_total counter
bmnet_igmp_sent_v2_membership_report_total 1
# HELP bmnet_udp_checksum_errors_total UDP datagrams dropped for a bad checksum.
# TYPE bmnet_udp_checksum_errors_total counter
bmnet_udp_checksum_errors_total 3
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"bmnet_ip_packets_received_total",
		"bmnet_igmp_sent_v2_membership_report_total",
		"bmnet_udp_checksum_errors_total",
	)
	if err != nil {
		t.Errorf("GatherAndCompare() = %v", err)
	}
}

func TestCollectorReadsAtScrapeTime(t *testing.T) {
	s := &stats.Stats{}
	c := stats.NewCollector(s)

	if got := testutil.CollectAndCount(c); got == 0 {
		t.Fatal("collector describes no metrics")
	}

	s.IP.PacketsSent.Increment()
	s.IP.PacketsSent.Increment()

	if got := testutil.ToFloat64(findCounter(t, c, "bmnet_ip_packets_sent_total")); got != 2 {
		t.Errorf("got bmnet_ip_packets_sent_total = %v, want 2", got)
	}
}

// findCounter wraps a single counter of c in its own collector so that
// testutil.ToFloat64 can read it.
func findCounter(t *testing.T, c *stats.Collector, name string) prometheus.Collector {
	t.Helper()
	return collectorFunc(func(ch chan<- prometheus.Metric) {
		inner := make(chan prometheus.Metric, 64)
		c.Collect(inner)
		close(inner)
		for m := range inner {
			if strings.Contains(m.Desc().String(), name) {
				ch <- m
			}
		}
	})
}

type collectorFunc func(chan<- prometheus.Metric)

func (f collectorFunc) Describe(chan<- *prometheus.Desc) {}

func (f collectorFunc) Collect(ch chan<- prometheus.Metric) {
	f(ch)
}
