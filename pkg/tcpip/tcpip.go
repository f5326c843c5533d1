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

// Package tcpip provides the value types and small abstractions shared by
// every layer of the stack: IPv4 and link-layer addresses, the clock and
// timer contract used for delayed work, and stack-internal counters.
package tcpip

import (
	"fmt"
	"sync/atomic"
	"time"
)

// AddressSize is the size, in bytes, of an IPv4 address.
const AddressSize = 4

// Address is a 4-byte IPv4 address. The zero value is the unset address,
// which is distinct from an explicitly assigned 0.0.0.0.
type Address struct {
	addr [4]byte
	set  bool
}

// AddrFrom4 returns an Address holding the 4 bytes of addr.
func AddrFrom4(addr [4]byte) Address {
	return Address{addr: addr, set: true}
}

// AddrFromSlice returns an Address holding the first 4 bytes of addr. It
// returns the unset Address if addr is not exactly 4 bytes long.
func AddrFromSlice(addr []byte) Address {
	if len(addr) != AddressSize {
		return Address{}
	}
	var a [4]byte
	copy(a[:], addr)
	return AddrFrom4(a)
}

// As4 returns the address as a 4-byte array.
func (a Address) As4() [4]byte {
	return a.addr
}

// AsSlice returns the address bytes as a newly allocated slice.
func (a Address) AsSlice() []byte {
	b := make([]byte, AddressSize)
	copy(b, a.addr[:])
	return b
}

// IsSet returns true if the address was explicitly assigned, even if it was
// assigned all zeroes.
func (a Address) IsSet() bool {
	return a.set
}

// IsNull returns true if all address octets are zero. The unset address is
// null.
func (a Address) IsNull() bool {
	return a.addr == [4]byte{}
}

// IsBroadcast returns true for the link broadcast address 255.255.255.255.
func (a Address) IsBroadcast() bool {
	return a.set && a.addr == [4]byte{0xff, 0xff, 0xff, 0xff}
}

// IsMulticast returns true for class D addresses (224.0.0.0/4).
func (a Address) IsMulticast() bool {
	return a.set && a.addr[0]&0xf0 == 0xe0
}

// IsLinkLocalMulticast returns true for addresses in 224.0.0.0/24, which are
// never announced via IGMP.
func (a Address) IsLinkLocalMulticast() bool {
	return a.set && a.addr[0] == 224 && a.addr[1] == 0 && a.addr[2] == 0
}

// OnSameNetwork returns true if a and other share the network prefix
// selected by mask.
func (a Address) OnSameNetwork(other Address, mask AddressMask) bool {
	for i := 0; i < AddressSize; i++ {
		if a.addr[i]&mask[i] != other.addr[i]&mask[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (a Address) String() string {
	if !a.set {
		return "<unset>"
	}
	return fmt.Sprintf("%d.%d.%d.%d", a.addr[0], a.addr[1], a.addr[2], a.addr[3])
}

// AddressMask is an IPv4 netmask.
type AddressMask [4]byte

// String implements fmt.Stringer.
func (m AddressMask) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", m[0], m[1], m[2], m[3])
}

// LinkAddressSize is the size, in bytes, of an ethernet address.
const LinkAddressSize = 6

// LinkAddress is a 6-byte ethernet address.
type LinkAddress [6]byte

// IsMulticast returns true if the group bit of the address is set.
func (a LinkAddress) IsMulticast() bool {
	return a[0]&1 != 0
}

// String implements fmt.Stringer.
func (a LinkAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Well-known addresses.
var (
	// AllSystems is the all-systems multicast group, 224.0.0.1.
	AllSystems = AddrFrom4([4]byte{224, 0, 0, 1})

	// AllRouters is the all-routers multicast group, 224.0.0.2. IGMPv2
	// leave messages are addressed to it.
	AllRouters = AddrFrom4([4]byte{224, 0, 0, 2})

	// Broadcast is the limited broadcast address, 255.255.255.255.
	Broadcast = AddrFrom4([4]byte{0xff, 0xff, 0xff, 0xff})
)

// A Clock provides the current time and schedules delayed work.
//
// Times returned by a Clock must only be used for stack-internal
// timekeeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f in its
	// own goroutine. It returns a Timer that can be used to cancel the
	// call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single delayed function call armed through
// Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if it
	// successfully stopped the timer, false if the timer has already
	// expired or been stopped. Stop does not wait for an already-running
	// callback to complete, so callers must re-check their own state from
	// the callback.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	Reset(d time.Duration)
}

// StatCounter is a monotonic counter safe for concurrent use.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// IncrementBy adds v to the counter.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// String implements fmt.Stringer.
func (s *StatCounter) String() string {
	return fmt.Sprintf("%d", s.Value())
}
