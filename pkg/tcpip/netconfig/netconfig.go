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

// Package netconfig holds the interface configuration the stack runs with:
// own address, netmask, subnet broadcast and default gateway. The address
// fields are written by the address-assignment side (static setup or DHCP)
// and observed by the stack as consistent snapshots.
package netconfig

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"bmnet.dev/bmnet/pkg/tcpip"
)

// Snapshot is a consistent view of the interface configuration.
type Snapshot struct {
	// Address is the interface's own IPv4 address. Unset until assigned.
	Address tcpip.Address

	// Netmask is the interface netmask.
	Netmask tcpip.AddressMask

	// Broadcast is the subnet-directed broadcast address derived from
	// Address and Netmask. Unset while Address is unset.
	Broadcast tcpip.Address

	// Gateway is the default gateway. Unset if none is configured.
	Gateway tcpip.Address
}

// NetConfig is the mutable interface configuration.
type NetConfig struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New returns an empty configuration: no address, no netmask, no gateway.
func New() *NetConfig {
	return &NetConfig{}
}

// Snapshot returns a consistent copy of the current configuration.
func (c *NetConfig) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// SetAddress assigns the interface's own address and rederives the subnet
// broadcast address.
func (c *NetConfig) SetAddress(addr tcpip.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Address = addr
	c.updateBroadcastLocked()
}

// SetNetmask assigns the interface netmask and rederives the subnet
// broadcast address.
func (c *NetConfig) SetNetmask(mask tcpip.AddressMask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Netmask = mask
	c.updateBroadcastLocked()
}

// SetGateway assigns the default gateway.
func (c *NetConfig) SetGateway(gateway tcpip.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Gateway = gateway
}

// Reset clears the configuration, returning the interface to the
// unconfigured state it has before address assignment completes.
func (c *NetConfig) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = Snapshot{}
}

func (c *NetConfig) updateBroadcastLocked() {
	if !c.snap.Address.IsSet() {
		c.snap.Broadcast = tcpip.Address{}
		return
	}
	addr := c.snap.Address.As4()
	var b [4]byte
	for i := range b {
		b[i] = addr[i] | ^c.snap.Netmask[i]
	}
	c.snap.Broadcast = tcpip.AddrFrom4(b)
}

// ParseAddress parses a dotted-quad IPv4 address.
func ParseAddress(s string) (tcpip.Address, error) {
	var b [4]byte
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return tcpip.Address{}, fmt.Errorf("netconfig: %q is not a dotted-quad address", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return tcpip.Address{}, fmt.Errorf("netconfig: bad octet %q in %q", p, s)
		}
		b[i] = byte(v)
	}
	return tcpip.AddrFrom4(b), nil
}
