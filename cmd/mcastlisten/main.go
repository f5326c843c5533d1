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

// Command mcastlisten joins an IPv4 multicast group on a bmnet stack and
// prints every datagram received for it until interrupted.
//
// The stack runs over an in-memory channel endpoint, so this command is a
// wiring sample rather than a network tool. A deployment replaces the channel
// with a NIC driver implementing link.Endpoint; everything above the link
// layer stays as written here.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"bmnet.dev/bmnet/pkg/tcpip"
	"bmnet.dev/bmnet/pkg/tcpip/header"
	"bmnet.dev/bmnet/pkg/tcpip/link/channel"
	"bmnet.dev/bmnet/pkg/tcpip/netconfig"
	"bmnet.dev/bmnet/pkg/tcpip/network"
	"bmnet.dev/bmnet/pkg/tcpip/stats"
	"bmnet.dev/bmnet/pkg/tcpip/transport/udp"
)

var (
	configPath  = flag.String("config", "netconfig.toml", "path to the interface configuration")
	groupFlag   = flag.String("group", "239.1.2.3", "multicast group to join")
	port        = flag.Uint("port", 1234, "UDP port to bind")
	metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address (empty disables)")
	verbose     = flag.Bool("v", false, "enable debug logging")
)

const linkQueueDepth = 256

func main() {
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(log *logrus.Logger) error {
	cfg, err := netconfig.LoadFile(*configPath)
	if err != nil {
		return err
	}

	group, err := netconfig.ParseAddress(*groupFlag)
	if err != nil {
		return err
	}
	if !group.IsMulticast() {
		return fmt.Errorf("%s is not a multicast address", group)
	}
	if *port == 0 || *port > 65535 {
		return fmt.Errorf("port %d out of range", *port)
	}

	linkAddr := tcpip.LinkAddress{0x02, 0x00, 0x00, 0xbe, 0xee, 0x01}
	linkEP := channel.New(linkQueueDepth, 1500, linkAddr)

	st := &stats.Stats{}
	layer := network.NewLayer(network.Options{
		Config: cfg,
		Link:   linkEP,
		Clock:  &tcpip.StdClock{},
		Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		Stats:  st,
		Logger: log,
	})

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(stats.NewCollector(st))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.WithField("err", err).Error("metrics server stopped")
			}
		}()
		log.WithField("addr", *metricsAddr).Info("serving metrics")
	}

	ep := udp.NewPassive(udp.Options{
		Layer:  layer,
		Config: cfg,
		Stats:  &st.UDP,
		Logger: log,
	}, uint16(*port))
	defer ep.Close()

	if err := ep.JoinMulticastGroup(group); err != nil {
		return fmt.Errorf("joining %s: %s", group, err)
	}
	log.WithFields(logrus.Fields{
		"group": group,
		"mac":   header.EthernetAddressFromMulticastIPv4Address(group),
		"port":  *port,
	}).Info("joined group")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// The channel endpoint has no blocking receive, so poll it the way the
	// bare-metal scheduler would between task yields.
	buf := make([]byte, 1500)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			if err := ep.LeaveMulticastGroup(group); err != nil {
				return fmt.Errorf("leaving %s: %s", group, err)
			}
			log.WithField("group", group).Info("left group")
			return nil
		case <-tick.C:
			layer.Process()
			for {
				n, sender, senderPort, err := ep.ReceiveFrom(buf)
				if err != nil {
					if _, ok := err.(*tcpip.ErrWouldBlock); !ok {
						log.WithField("err", err).Warn("receive failed")
					}
					break
				}
				fmt.Printf("%s:%d %q\n", sender, senderPort, buf[:n])
			}
		}
	}
}
