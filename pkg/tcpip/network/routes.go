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
	"bytes"
	"sync"

	"github.com/google/btree"

	"bmnet.dev/bmnet/pkg/tcpip"
)

// Route maps a destination network to the gateway datagrams for it are
// forwarded through.
type Route struct {
	// Destination is the network address of the route, already masked.
	Destination tcpip.Address

	// Mask selects the prefix of Destination that must match.
	Mask tcpip.AddressMask

	// Gateway is the next hop for matching destinations.
	Gateway tcpip.Address
}

func routeLess(a, b Route) bool {
	ab, bb := a.Destination.As4(), b.Destination.As4()
	if c := bytes.Compare(ab[:], bb[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.Mask[:], b.Mask[:]) < 0
}

// RouteCache stores learned routes, ordered by destination network. Adding
// a route for an already-present destination network replaces its gateway.
type RouteCache struct {
	mu     sync.RWMutex
	routes *btree.BTreeG[Route]
}

// NewRouteCache returns an empty route cache.
func NewRouteCache() *RouteCache {
	return &RouteCache{
		routes: btree.NewG[Route](2, routeLess),
	}
}

// Add inserts a route for the network dest/mask via gateway.
func (c *RouteCache) Add(dest tcpip.Address, mask tcpip.AddressMask, gateway tcpip.Address) {
	masked := maskAddress(dest, mask)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes.ReplaceOrInsert(Route{
		Destination: masked,
		Mask:        mask,
		Gateway:     gateway,
	})
}

// Lookup returns the gateway of the most specific route matching dest.
func (c *RouteCache) Lookup(dest tcpip.Address) (tcpip.Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		gateway tcpip.Address
		found   bool
		best    tcpip.AddressMask
	)
	c.routes.Ascend(func(r Route) bool {
		if !dest.OnSameNetwork(r.Destination, r.Mask) {
			return true
		}
		if !found || maskMoreSpecific(best, r.Mask) {
			gateway = r.Gateway
			best = r.Mask
			found = true
		}
		return true
	})
	return gateway, found
}

func maskAddress(addr tcpip.Address, mask tcpip.AddressMask) tcpip.Address {
	a := addr.As4()
	var b [4]byte
	for i := range b {
		b[i] = a[i] & mask[i]
	}
	return tcpip.AddrFrom4(b)
}

// maskMoreSpecific returns true if b selects a longer prefix than a.
func maskMoreSpecific(a, b tcpip.AddressMask) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
